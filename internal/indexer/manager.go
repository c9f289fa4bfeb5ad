// Package indexer turns participant requests into index updates. Requests
// are deduplicated on (participant, kind), executed by a single worker,
// retried on a fixed interval until their retry window closes, and
// persisted across restarts.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/businesscard"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/tracing"
)

// Change tells a caller whether QueueWorkItem accepted a new request.
type Change int

const (
	Unchanged Change = iota
	Changed
)

func (c Change) String() string {
	if c == Changed {
		return "changed"
	}
	return "unchanged"
}

// Config holds the indexer manager settings.
type Config struct {
	// DataPath is where the persisted queue file lives. Empty disables
	// persistence.
	DataPath         string
	RetryInterval    time.Duration
	MaxRetryDuration time.Duration
	// FetchTimeout bounds one execution. Zero means no limit.
	FetchTimeout time.Duration
}

// QueueFile returns the persisted queue path, or "" when persistence is off.
func (c Config) QueueFile() string {
	if c.DataPath == "" {
		return ""
	}
	return filepath.Join(c.DataPath, QueueFileName)
}

// Option configures a Manager.
type Option func(*Manager)

// WithObserver adds an outcome observer. Observers run in registration order.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observers = append(m.observers, o) }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns the unique set, the re-index queue and the work queue.
type Manager struct {
	cfg       Config
	storage   *storage.Manager
	fetcher   businesscard.Fetcher
	observers []Observer
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger

	// mu guards unique, reindex and stopped. It is always taken before the
	// index store lock, never after.
	mu      sync.RWMutex
	unique  map[Key]*WorkItem
	reindex *ReIndexQueue
	stopped bool

	queue *WorkQueue
}

func NewManager(cfg Config, store *storage.Manager, fetcher businesscard.Fetcher, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		storage: store,
		fetcher: fetcher,
		now:     time.Now,
		logger:  slog.Default().With("component", "indexer-manager"),
		unique:  make(map[Key]*WorkItem),
		reindex: NewReIndexQueue(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.queue = NewWorkQueue(m.fetchAction)
	return m
}

// Start restores the persisted queue and launches the worker. A queue file
// that cannot be read is logged and treated as empty.
func (m *Manager) Start() {
	items := m.loadPersisted()
	m.mu.Lock()
	restored := 0
	for _, item := range items {
		if _, dup := m.unique[item.Key()]; dup {
			continue
		}
		m.unique[item.Key()] = item
		m.queue.Enqueue(item)
		restored++
	}
	m.updateGauges()
	m.mu.Unlock()

	if restored > 0 {
		m.logger.Info("restored persisted work items", "count", restored)
	}
	m.queue.Start()
	m.logger.Info("indexer manager started",
		"retry_interval", m.cfg.RetryInterval,
		"max_retry", m.cfg.MaxRetryDuration,
	)
}

func (m *Manager) loadPersisted() []*WorkItem {
	path := m.cfg.QueueFile()
	if path == "" {
		return nil
	}
	items, skipped, err := ReadQueueFile(path)
	if err != nil {
		m.logger.Warn("ignoring unreadable persisted queue", "path", path, "error", err)
		return nil
	}
	for _, s := range skipped {
		m.logger.Warn("skipping persisted work item", "path", path, "error", s)
	}
	return items
}

// QueueWorkItem accepts a request unless an equal one is already pending.
// It fails with ErrStoreClosing once Stop has begun.
func (m *Manager) QueueWorkItem(pid identifier.ParticipantID, kind Kind, ownerID, requestingHost string) (Change, error) {
	item := NewWorkItem(pid, kind, ownerID, requestingHost, m.now())

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Unchanged, fmt.Errorf("queueing %s: %w", item.LogText(), apperrors.ErrStoreClosing)
	}
	if _, dup := m.unique[item.Key()]; dup {
		m.mu.Unlock()
		m.countQueued(kind, Unchanged)
		m.logger.Info("ignoring work item already in the queue", "item", item.LogText())
		return Unchanged, nil
	}
	// Enqueue under m.mu so Stop either rejects the item or persists an
	// item whose caller was told it was accepted.
	if !m.queue.Enqueue(item) {
		m.mu.Unlock()
		return Unchanged, fmt.Errorf("queueing %s: %w", item.LogText(), apperrors.ErrStoreClosing)
	}
	m.unique[item.Key()] = item
	m.updateGauges()
	m.mu.Unlock()

	m.countQueued(kind, Changed)
	m.logger.Debug("work item queued", "item", item.LogText(), "id", item.ID)
	return Changed, nil
}

// fetchAction is the work queue callback for fresh items.
func (m *Manager) fetchAction(ctx context.Context, item *WorkItem) {
	err := m.execute(ctx, item)
	if err == nil {
		m.removeUnique(item)
		m.notify(ctx, m.successOutcome(item, 0))
		return
	}

	now := m.now()
	r := NewReIndexItem(item, now, m.cfg.RetryInterval, m.cfg.MaxRetryDuration)
	m.mu.Lock()
	m.reindex.Add(r)
	m.updateGauges()
	m.mu.Unlock()
	m.logger.Warn("work item failed, added to retry list",
		"item", item.LogText(),
		"next_retry", r.NextRetryAt,
		"error", err,
	)
	m.notify(ctx, Outcome{Item: item, Status: StatusRetry, Err: err, At: now})
}

// execute runs one attempt for item against the fetcher and storage.
func (m *Manager) execute(ctx context.Context, item *WorkItem) (err error) {
	if m.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.FetchTimeout)
		defer cancel()
	}
	ctx, span := tracing.Start(ctx, "work-item", item.ID)
	span.Set("item", item.LogText())
	defer func() { span.End(err) }()

	switch item.Kind {
	case KindCreateUpdate:
		info, err := m.fetch(ctx, item.ParticipantID)
		if err != nil {
			return err
		}
		return m.store(ctx, func(ctx context.Context) error {
			return m.storage.CreateOrUpdateEntry(ctx, item.ParticipantID, info, item.Metadata())
		})
	case KindDelete:
		return m.store(ctx, func(ctx context.Context) error {
			return m.storage.DeleteEntry(ctx, item.ParticipantID, item.Metadata())
		})
	default:
		return fmt.Errorf("unsupported work item type %q", item.Kind)
	}
}

func (m *Manager) fetch(ctx context.Context, pid identifier.ParticipantID) (*businesscard.BusinessInformation, error) {
	ctx, span := tracing.Child(ctx, "fetch")
	info, err := m.fetcher.Fetch(ctx, pid)
	if err != nil && !errors.Is(err, apperrors.ErrFetchFailed) {
		err = fmt.Errorf("%w: %w", apperrors.ErrFetchFailed, err)
	}
	if info != nil {
		span.Set("entities", len(info.Entities))
	}
	span.End(err)
	return info, err
}

func (m *Manager) store(ctx context.Context, write func(context.Context) error) error {
	ctx, span := tracing.Child(ctx, "store")
	err := write(ctx)
	span.End(err)
	return err
}

func (m *Manager) successOutcome(item *WorkItem, retries int) Outcome {
	status := StatusIndexed
	if item.Kind == KindDelete {
		status = StatusDeleted
	}
	return Outcome{Item: item, Status: status, Retries: retries, At: m.now()}
}

// removeUnique drops item from the unique set unless a different item with
// the same key replaced it.
func (m *Manager) removeUnique(item *WorkItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeUniqueLocked(item)
}

func (m *Manager) removeUniqueLocked(item *WorkItem) {
	if cur, ok := m.unique[item.Key()]; ok && cur.ID == item.ID {
		delete(m.unique, item.Key())
	}
	m.updateGauges()
}

// ExpireOldEntries drops every retry record whose window has closed, and
// releases its request from the unique set.
func (m *Manager) ExpireOldEntries(ctx context.Context) int {
	now := m.now()
	m.mu.Lock()
	expired := m.reindex.GetAndRemoveExpired(now)
	for _, r := range expired {
		m.removeUniqueLocked(r.Item)
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return 0
	}
	m.logger.Info("expired re-index work items", "count", len(expired))
	for _, r := range expired {
		m.logger.Warn("giving up on work item", "item", r.LogText(), "deadline", r.MaxRetryDeadline)
		if m.metrics != nil {
			m.metrics.ExpiredTotal.Inc()
		}
		m.notify(ctx, Outcome{Item: r.Item, Status: StatusExpired, Retries: r.Retries, At: now})
	}
	return len(expired)
}

// ReIndexParticipantData retries every record that is due before now. The
// lock is released while the attempts run.
func (m *Manager) ReIndexParticipantData(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	due := m.reindex.GetAndRemoveDue(now)
	m.updateGauges()
	m.mu.Unlock()

	for _, r := range due {
		if ctx.Err() != nil {
			m.mu.Lock()
			m.reindex.Add(r)
			m.updateGauges()
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		r.IncRetryCount(now, m.cfg.RetryInterval)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.RetriesTotal.Inc()
		}

		err := m.execute(ctx, r.Item)
		if err == nil {
			m.removeUnique(r.Item)
			m.logger.Info("work item succeeded on retry", "item", r.LogText())
			m.notify(ctx, m.successOutcome(r.Item, r.Retries))
			continue
		}

		m.mu.Lock()
		m.reindex.Add(r)
		m.updateGauges()
		m.mu.Unlock()
		m.logger.Warn("work item retry failed", "item", r.LogText(), "next_retry", r.NextRetryAt, "error", err)
		m.notify(ctx, Outcome{Item: r.Item, Status: StatusRetry, Retries: r.Retries, Err: err, At: now})
	}
	return len(due)
}

// Stop stops the worker, then writes the pending requests to the queue
// file. The item in flight may finish until ctx is done. A write failure is
// returned as ErrPersistIO since the pending requests would be lost.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	remaining := m.queue.Stop(ctx)

	m.mu.Lock()
	pending := make(map[string]*WorkItem, len(m.unique)+len(remaining))
	for _, item := range m.unique {
		pending[item.ID] = item
	}
	for _, item := range remaining {
		pending[item.ID] = item
	}
	m.mu.Unlock()

	items := make([]*WorkItem, 0, len(pending))
	for _, item := range pending {
		items = append(items, item)
	}
	sortByArrival(items)

	path := m.cfg.QueueFile()
	if path == "" {
		if len(items) > 0 {
			m.logger.Warn("dropping pending work items, persistence disabled", "count", len(items))
		}
		return nil
	}
	if len(items) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w: %v", path, apperrors.ErrPersistIO, err)
		}
		m.logger.Info("indexer manager stopped, nothing pending")
		return nil
	}
	if err := WriteQueueFile(path, items); err != nil {
		m.logger.Error("failed to persist pending work items", "path", path, "count", len(items), "error", err)
		return err
	}
	m.logger.Info("persisted pending work items", "path", path, "count", len(items))
	return nil
}

func sortByArrival(items []*WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
}

// UniqueItems returns the pending requests in arrival order.
func (m *Manager) UniqueItems() []*WorkItem {
	m.mu.RLock()
	items := make([]*WorkItem, 0, len(m.unique))
	for _, item := range m.unique {
		items = append(items, item)
	}
	m.mu.RUnlock()
	sortByArrival(items)
	return items
}

// ReIndexItems returns a snapshot of the retry records.
func (m *Manager) ReIndexItems() []ReIndexItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := m.reindex.Items()
	out := make([]ReIndexItem, len(records))
	for i, r := range records {
		out[i] = *r
	}
	return out
}

// Stats is a point-in-time view for the ops endpoints.
type Stats struct {
	UniqueItems  int `json:"unique_items"`
	ReIndexItems int `json:"reindex_items"`
	Queued       int `json:"queued"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		UniqueItems:  len(m.unique),
		ReIndexItems: m.reindex.Len(),
		Queued:       m.queue.Len(),
	}
}

func (m *Manager) notify(ctx context.Context, o Outcome) {
	if m.metrics != nil {
		m.metrics.WorkItemsProcessedTotal.WithLabelValues(string(o.Item.Kind), string(o.Status)).Inc()
	}
	for _, obs := range m.observers {
		m.observe(ctx, obs, o)
	}
}

func (m *Manager) observe(ctx context.Context, obs Observer, o Outcome) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("outcome observer panicked", "item", o.Item.LogText(), "panic", r)
		}
	}()
	obs.ObserveOutcome(context.WithoutCancel(ctx), o)
}

func (m *Manager) countQueued(kind Kind, c Change) {
	if m.metrics != nil {
		m.metrics.WorkItemsQueuedTotal.WithLabelValues(string(kind), c.String()).Inc()
	}
}

// updateGauges must be called with mu held.
func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.UniqueItems.Set(float64(len(m.unique)))
	m.metrics.ReIndexQueueSize.Set(float64(m.reindex.Len()))
}
