package sml

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/indexer"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
)

type queued struct {
	pid   identifier.ParticipantID
	kind  indexer.Kind
	owner string
	host  string
}

type fakeQueuer struct {
	mu      sync.Mutex
	items   []queued
	seen    map[identifier.ParticipantID]bool
	failFor identifier.ParticipantID
	err     error
}

func (q *fakeQueuer) QueueWorkItem(pid identifier.ParticipantID, kind indexer.Kind, owner, host string) (indexer.Change, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return indexer.Unchanged, q.err
	}
	if pid == q.failFor {
		return indexer.Unchanged, errors.New("boom")
	}
	q.items = append(q.items, queued{pid, kind, owner, host})
	if q.seen == nil {
		q.seen = map[identifier.ParticipantID]bool{}
	}
	if q.seen[pid] {
		return indexer.Unchanged, nil
	}
	q.seen[pid] = true
	return indexer.Changed, nil
}

func (q *fakeQueuer) Items() []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queued(nil), q.items...)
}

type staticLister struct {
	pids []identifier.ParticipantID
	err  error
}

func (l staticLister) ListParticipants(context.Context) ([]identifier.ParticipantID, error) {
	return l.pids, l.err
}

var (
	p0 = identifier.MustParticipantID("iso6523-actorid-upis::9915:test0")
	p1 = identifier.MustParticipantID("iso6523-actorid-upis::9915:test1")
	p2 = identifier.MustParticipantID("iso6523-actorid-upis::9915:test2")
)

func TestRefreshQueuesEveryParticipant(t *testing.T) {
	q := &fakeQueuer{failFor: p2}
	r := NewRefresher(staticLister{pids: []identifier.ParticipantID{p0, p1, p0, p2}}, q)

	res, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Listed: 4, Queued: 2, Unchanged: 1, Failed: 1}, res)

	for _, it := range q.Items() {
		assert.Equal(t, indexer.KindCreateUpdate, it.kind)
		assert.Equal(t, "sml", it.owner)
		assert.Equal(t, "automatic", it.host)
	}
}

func TestRefreshListerError(t *testing.T) {
	r := NewRefresher(staticLister{err: errors.New("db down")}, &fakeQueuer{})
	_, err := r.Refresh(context.Background())
	assert.EqualError(t, err, "db down")
}

func TestRefresherTicks(t *testing.T) {
	q := &fakeQueuer{}
	r := NewRefresher(staticLister{pids: []identifier.ParticipantID{p0}}, q)
	ctx, cancel := context.WithCancel(context.Background())
	done := r.Start(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(q.Items()) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestFeedHandler(t *testing.T) {
	q := &fakeQueuer{}
	f := NewFeedHandler(q)
	ctx := context.Background()

	require.NoError(t, f.Handle(ctx, nil, []byte(`{"participant_id":"iso6523-actorid-upis::9915:test0","action":"create"}`)))
	require.NoError(t, f.Handle(ctx, nil, []byte(`{"participant_id":"iso6523-actorid-upis::9915:test1","action":"delete"}`)))

	// Permanently bad messages are acknowledged.
	assert.NoError(t, f.Handle(ctx, []byte("k"), []byte(`not json`)))
	assert.NoError(t, f.Handle(ctx, nil, []byte(`{"participant_id":"iso6523-actorid-upis::9915:x","action":"rename"}`)))
	assert.NoError(t, f.Handle(ctx, nil, []byte(`{"participant_id":"no-separator","action":"create"}`)))

	items := q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, queued{p0, indexer.KindCreateUpdate, "sml", "automatic"}, items[0])
	assert.Equal(t, queued{p1, indexer.KindDelete, "sml", "automatic"}, items[1])
}

func TestFeedHandlerRedeliversDuringShutdown(t *testing.T) {
	q := &fakeQueuer{err: apperrors.ErrStoreClosing}
	f := NewFeedHandler(q)
	err := f.Handle(context.Background(), nil, []byte(`{"participant_id":"iso6523-actorid-upis::9915:test0","action":"create"}`))
	assert.ErrorIs(t, err, apperrors.ErrStoreClosing)
}
