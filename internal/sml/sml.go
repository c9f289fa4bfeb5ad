// Package sml drives indexing from the service metadata locator: a periodic
// full refresh of every registered participant and a change feed of single
// registrations and removals.
package sml

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/indexer"
)

const (
	// OwnerID and RequestingHost are stamped on every SML-triggered item.
	OwnerID        = "sml"
	RequestingHost = "automatic"
)

// Queuer accepts work items. *indexer.Manager implements it.
type Queuer interface {
	QueueWorkItem(pid identifier.ParticipantID, kind indexer.Kind, ownerID, requestingHost string) (indexer.Change, error)
}

// Lister enumerates the participants registered in the SML.
type Lister interface {
	ListParticipants(ctx context.Context) ([]identifier.ParticipantID, error)
}

// PostgresLister reads the participant_id column of sml_participants.
type PostgresLister struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgresLister(db *sql.DB) *PostgresLister {
	return &PostgresLister{db: db, logger: slog.Default().With("component", "sml-lister")}
}

// Schema is applied by the serve command when the SML refresh is enabled.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS sml_participants (
		participant_id TEXT PRIMARY KEY,
		registered_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// ListParticipants returns every readable row; unreadable identifiers are
// logged and skipped.
func (l *PostgresLister) ListParticipants(ctx context.Context) ([]identifier.ParticipantID, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT participant_id FROM sml_participants ORDER BY participant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing sml participants: %w", err)
	}
	defer rows.Close()

	var out []identifier.ParticipantID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning sml participant: %w", err)
		}
		pid, err := identifier.ParseParticipantID(raw)
		if err != nil {
			l.logger.Warn("skipping unreadable sml participant", "value", raw, "error", err)
			continue
		}
		out = append(out, pid)
	}
	return out, rows.Err()
}

// RefreshResult summarizes one full refresh.
type RefreshResult struct {
	Listed    int
	Queued    int
	Unchanged int
	Failed    int
}

// Refresher queues a CREATE_UPDATE for every listed participant.
type Refresher struct {
	lister Lister
	queuer Queuer
	logger *slog.Logger
	mu     sync.Mutex
}

func NewRefresher(lister Lister, queuer Queuer) *Refresher {
	return &Refresher{
		lister: lister,
		queuer: queuer,
		logger: slog.Default().With("component", "sml-refresher"),
	}
}

// Refresh runs one full pass. Concurrent calls are serialized.
func (r *Refresher) Refresh(ctx context.Context) (RefreshResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	pids, err := r.lister.ListParticipants(ctx)
	if err != nil {
		return RefreshResult{}, err
	}
	res := RefreshResult{Listed: len(pids)}
	for _, pid := range pids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		change, err := r.queuer.QueueWorkItem(pid, indexer.KindCreateUpdate, OwnerID, RequestingHost)
		switch {
		case err != nil:
			res.Failed++
			r.logger.Warn("queueing sml participant failed", "participant", pid.URIEncoded(), "error", err)
		case change == indexer.Changed:
			res.Queued++
		default:
			res.Unchanged++
		}
	}
	r.logger.Info("sml refresh finished",
		"listed", res.Listed,
		"queued", res.Queued,
		"unchanged", res.Unchanged,
		"failed", res.Failed,
		"duration", time.Since(start),
	)
	return res, nil
}

// Start refreshes every interval until ctx is cancelled. The returned
// channel closes when the loop has exited.
func (r *Refresher) Start(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
					r.logger.Error("sml refresh failed", "error", err)
				}
			}
		}
	}()
	r.logger.Info("sml refresher started", "interval", interval)
	return done
}
