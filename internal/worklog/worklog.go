// Package worklog keeps an audit trail of work item outcomes in the
// indexer_work_log table of PostgreSQL. The table is created from Schema.
package worklog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/indexer"
)

// Schema is applied by the serve command when the work log is enabled.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS indexer_work_log (
		id              BIGSERIAL PRIMARY KEY,
		work_item_id    TEXT NOT NULL,
		participant_id  TEXT NOT NULL,
		kind            TEXT NOT NULL,
		status          TEXT NOT NULL,
		owner_id        TEXT NOT NULL,
		requesting_host TEXT NOT NULL,
		retries         INTEGER NOT NULL,
		error           TEXT,
		recorded_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS indexer_work_log_participant ON indexer_work_log (participant_id, recorded_at)`,
}

const insertEntry = `INSERT INTO indexer_work_log
	(work_item_id, participant_id, kind, status, owner_id, requesting_host, retries, error, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// DB is the subset of *sql.DB the work log uses.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Entry is one recorded outcome.
type Entry struct {
	WorkItemID     string    `json:"work_item_id"`
	ParticipantID  string    `json:"participant_id"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	OwnerID        string    `json:"owner_id"`
	RequestingHost string    `json:"requesting_host"`
	Retries        int       `json:"retries"`
	Error          string    `json:"error,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

func entryOf(o indexer.Outcome) Entry {
	e := Entry{
		WorkItemID:     o.Item.ID,
		ParticipantID:  o.Item.ParticipantID.URIEncoded(),
		Kind:           string(o.Item.Kind),
		Status:         string(o.Status),
		OwnerID:        o.Item.OwnerID,
		RequestingHost: o.Item.RequestingHost,
		Retries:        o.Retries,
		RecordedAt:     o.At.UTC(),
	}
	if o.Err != nil {
		e.Error = o.Err.Error()
	}
	return e
}

// Log is an indexer.Observer writing outcomes on its own goroutine so the
// indexer worker never waits for the database. When the buffer is full new
// entries are dropped and counted.
type Log struct {
	db      DB
	entries chan Entry
	done    chan struct{}
	logger  *slog.Logger
	dropped atomic.Int64
}

func New(db DB, buffer int) *Log {
	if buffer <= 0 {
		buffer = 256
	}
	return &Log{
		db:      db,
		entries: make(chan Entry, buffer),
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "work-log"),
	}
}

// Start writes buffered entries until ctx is cancelled, then drains what is
// left with a short deadline.
func (l *Log) Start(ctx context.Context) {
	go func() {
		defer close(l.done)
		for {
			select {
			case e := <-l.entries:
				l.write(ctx, e)
			case <-ctx.Done():
				drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				for {
					select {
					case e := <-l.entries:
						l.write(drainCtx, e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Close waits for the writer started by Start to finish.
func (l *Log) Close() {
	<-l.done
}

func (l *Log) ObserveOutcome(_ context.Context, o indexer.Outcome) {
	select {
	case l.entries <- entryOf(o):
	default:
		n := l.dropped.Add(1)
		l.logger.Warn("work log buffer full, entry dropped", "item", o.Item.LogText(), "dropped_total", n)
	}
}

func (l *Log) write(ctx context.Context, e Entry) {
	_, err := l.db.ExecContext(ctx, insertEntry,
		e.WorkItemID, e.ParticipantID, e.Kind, e.Status, e.OwnerID, e.RequestingHost,
		e.Retries, nullableString(e.Error), e.RecordedAt,
	)
	if err != nil {
		l.logger.Error("writing work log entry failed", "participant", e.ParticipantID, "status", e.Status, "error", err)
	}
}

// History returns the most recent entries of pid, newest first.
func (l *Log) History(ctx context.Context, pid identifier.ParticipantID, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT work_item_id, participant_id, kind, status, owner_id, requesting_host, retries, error, recorded_at
		FROM indexer_work_log WHERE participant_id = $1 ORDER BY recorded_at DESC, id DESC LIMIT $2`,
		pid.URIEncoded(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying work log of %s: %w", pid, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var errText sql.NullString
		if err := rows.Scan(&e.WorkItemID, &e.ParticipantID, &e.Kind, &e.Status, &e.OwnerID,
			&e.RequestingHost, &e.Retries, &errText, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scanning work log row: %w", err)
		}
		e.Error = errText.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
