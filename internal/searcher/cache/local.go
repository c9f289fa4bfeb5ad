package cache

import (
	"context"
	"path"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type localEntry struct {
	value   []byte
	expires time.Time
}

// Local is an in-process Backend used when redis is not configured.
type Local struct {
	mu  sync.Mutex
	lru *lru.Cache[string, localEntry]
	now func() time.Time
}

func NewLocal(size int) (*Local, error) {
	if size <= 0 {
		size = 1024
	}
	c, err := lru.New[string, localEntry](size)
	if err != nil {
		return nil, err
	}
	return &Local{lru: c, now: time.Now}, nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !l.now().Before(e.expires) {
		l.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (l *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := localEntry{value: value}
	if ttl > 0 {
		e.expires = l.now().Add(ttl)
	}
	l.mu.Lock()
	l.lru.Add(key, e)
	l.mu.Unlock()
	return nil
}

// FlushByPattern removes keys matching a glob pattern in path.Match syntax.
func (l *Local) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var n int64
	for _, key := range l.lru.Keys() {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return n, err
		}
		if ok {
			l.lru.Remove(key)
			n++
		}
	}
	return n, nil
}

func (l *Local) Len() int {
	return l.lru.Len()
}
