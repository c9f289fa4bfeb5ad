// Package clientcert authenticates intake clients by their X.509
// certificate. The trusted roots come from a PEM file that is reloaded when
// it changes on disk.
package clientcert

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// TrustStore holds the certificates client chains must lead to.
type TrustStore struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	pool     *x509.CertPool
	subjects []string
	loadedAt time.Time
}

// LoadTrustStore reads every CERTIFICATE block of the PEM file at path. A
// file without certificates is an error.
func LoadTrustStore(path string) (*TrustStore, error) {
	ts := &TrustStore{
		path:   path,
		logger: slog.Default().With("component", "trust-store", "path", path),
	}
	if err := ts.Reload(); err != nil {
		return nil, err
	}
	return ts, nil
}

// NewTrustStore builds an in-memory store from certs.
func NewTrustStore(certs ...*x509.Certificate) *TrustStore {
	ts := &TrustStore{logger: slog.Default().With("component", "trust-store")}
	ts.set(certs)
	return ts
}

// Reload re-reads the PEM file. On error the previous certificates stay in
// use.
func (ts *TrustStore) Reload() error {
	if ts.path == "" {
		return nil
	}
	data, err := os.ReadFile(ts.path)
	if err != nil {
		return fmt.Errorf("reading trust store: %w", err)
	}
	certs, err := parsePEM(data)
	if err != nil {
		return fmt.Errorf("parsing trust store %s: %w", ts.path, err)
	}
	ts.set(certs)
	ts.logger.Info("trust store loaded", "certificates", len(certs))
	return nil
}

func (ts *TrustStore) set(certs []*x509.Certificate) {
	pool := x509.NewCertPool()
	subjects := make([]string, 0, len(certs))
	for _, c := range certs {
		pool.AddCert(c)
		subjects = append(subjects, c.Subject.String())
	}
	ts.mu.Lock()
	ts.pool = pool
	ts.subjects = subjects
	ts.loadedAt = time.Now()
	ts.mu.Unlock()
}

func parsePEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found")
	}
	return certs, nil
}

// Pool returns the current root pool. Callers must not modify it.
func (ts *TrustStore) Pool() *x509.CertPool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.pool
}

// Subjects lists the trusted certificate subjects.
func (ts *TrustStore) Subjects() []string {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return append([]string(nil), ts.subjects...)
}

// Watch reloads the store whenever its file is written, created or renamed
// into place, until ctx is done. The directory is watched rather than the
// file so that atomic replacements are seen.
func (ts *TrustStore) Watch(ctx context.Context) error {
	if ts.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating trust store watcher: %w", err)
	}
	dir := filepath.Dir(ts.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	target := filepath.Clean(ts.path)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if err := ts.Reload(); err != nil {
					ts.logger.Warn("trust store reload failed, keeping previous certificates", "error", err)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				ts.logger.Error("trust store watcher error", "error", err)
			}
		}
	}()
	return nil
}
