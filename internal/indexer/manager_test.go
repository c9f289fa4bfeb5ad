package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/businesscard"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/identifier"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/storage"
	apperrors "github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/metrics"
)

// fakeFetcher fails its first failFirst calls, optionally blocking each call
// until gate is closed.
type fakeFetcher struct {
	mu        sync.Mutex
	calls     []identifier.ParticipantID
	failFirst int
	always    bool
	gate      chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, p identifier.ParticipantID) (*businesscard.BusinessInformation, error) {
	f.mu.Lock()
	f.calls = append(f.calls, p)
	n := len(f.calls)
	f.mu.Unlock()

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.always || n <= f.failFirst {
		return nil, fmt.Errorf("smp unavailable (call %d): %w", n, apperrors.ErrFetchFailed)
	}
	return &businesscard.BusinessInformation{
		Entities: []businesscard.Entity{
			{CountryCode: "AT", Name: "Entity one of " + p.Value},
			{CountryCode: "DE", Name: "Entity two of " + p.Value},
		},
	}, nil
}

func (f *fakeFetcher) Calls() []identifier.ParticipantID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]identifier.ParticipantID(nil), f.calls...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *outcomeRecorder) ObserveOutcome(_ context.Context, o Outcome) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *outcomeRecorder) All() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

type fixture struct {
	dataPath string
	storage  *storage.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.OpenStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return &fixture{dataPath: dir, storage: storage.NewManager(store)}
}

func (f *fixture) config() Config {
	return Config{
		DataPath:         f.dataPath,
		RetryInterval:    5 * time.Minute,
		MaxRetryDuration: 24 * time.Hour,
		FetchTimeout:     5 * time.Second,
	}
}

func stopManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(m.UniqueItems()) == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestQueueWorkItemDeduplicates(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.config(), f.storage, &fakeFetcher{})

	c, err := m.QueueWorkItem(pid("9915:test0"), KindCreateUpdate, "CN=a", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, Changed, c)

	c, err = m.QueueWorkItem(pid("9915:test0"), KindCreateUpdate, "CN=b", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, Unchanged, c)

	c, err = m.QueueWorkItem(pid("9915:test0"), KindDelete, "CN=a", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, Changed, c)

	items := m.UniqueItems()
	require.Len(t, items, 2)
	assert.Equal(t, "CN=a", items[0].OwnerID)
	stopManager(t, m)
}

func TestCreateThenDelete(t *testing.T) {
	f := newFixture(t)
	rec := &outcomeRecorder{}
	m := NewManager(f.config(), f.storage, &fakeFetcher{}, WithObserver(rec))
	m.Start()
	defer stopManager(t, m)
	ctx := context.Background()
	p := pid("9915:test0")

	_, err := m.QueueWorkItem(p, KindCreateUpdate, "CN=a", "10.0.0.1")
	require.NoError(t, err)
	waitIdle(t, m)
	ok, err := f.storage.ContainsEntry(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)
	ids, err := f.storage.GetAllContainedParticipantIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []identifier.ParticipantID{p}, ids)

	_, err = m.QueueWorkItem(p, KindDelete, "CN=a", "10.0.0.1")
	require.NoError(t, err)
	waitIdle(t, m)
	ok, err = f.storage.ContainsEntry(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)

	outcomes := rec.All()
	require.Len(t, outcomes, 2)
	assert.Equal(t, StatusIndexed, outcomes[0].Status)
	assert.Equal(t, StatusDeleted, outcomes[1].Status)
	assert.True(t, outcomes[1].Succeeded())
}

func TestConcurrentRequestsAllIndexed(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.config(), f.storage, &fakeFetcher{})
	m.Start()
	defer stopManager(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.QueueWorkItem(pid(fmt.Sprintf("9915:test%d", i)), KindCreateUpdate, "CN=a", "h")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	waitIdle(t, m)

	ctx := context.Background()
	ids, err := f.storage.GetAllContainedParticipantIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 4)
	for _, id := range ids {
		docs, err := f.storage.GetAllDocumentsOfParticipant(ctx, id)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	}
}

func TestRetryUntilSuccess(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.RetryInterval = 0
	rec := &outcomeRecorder{}
	fetcher := &fakeFetcher{failFirst: 2}
	m := NewManager(cfg, f.storage, fetcher, WithObserver(rec))
	m.Start()
	defer stopManager(t, m)
	ctx := context.Background()
	p := pid("9915:test0")

	_, err := m.QueueWorkItem(p, KindCreateUpdate, "CN=a", "h")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(m.ReIndexItems()) == 1 }, 2*time.Second, 5*time.Millisecond)

	// a failing item still blocks an equal request
	c, err := m.QueueWorkItem(p, KindCreateUpdate, "CN=b", "h")
	require.NoError(t, err)
	assert.Equal(t, Unchanged, c)

	now := time.Now().Add(time.Second)
	assert.Equal(t, 1, m.ReIndexParticipantData(ctx, now))
	records := m.ReIndexItems()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Retries)
	assert.Equal(t, now, records[0].PreviousRetryAt)

	assert.Equal(t, 1, m.ReIndexParticipantData(ctx, now.Add(time.Second)))
	assert.Empty(t, m.ReIndexItems())
	assert.Empty(t, m.UniqueItems())
	assert.Len(t, fetcher.Calls(), 3)

	ok, err := f.storage.ContainsEntry(ctx, p)
	require.NoError(t, err)
	assert.True(t, ok)

	outcomes := rec.All()
	require.Len(t, outcomes, 3)
	assert.Equal(t, StatusRetry, outcomes[0].Status)
	assert.ErrorIs(t, outcomes[0].Err, apperrors.ErrFetchFailed)
	assert.Equal(t, StatusRetry, outcomes[1].Status)
	assert.Equal(t, StatusIndexed, outcomes[2].Status)
	assert.Equal(t, 2, outcomes[2].Retries)
}

func TestRetryNotDueIsKept(t *testing.T) {
	f := newFixture(t)
	clock := &fakeClock{t: t0}
	m := NewManager(f.config(), f.storage, &fakeFetcher{always: true}, WithClock(clock.Now))
	m.Start()
	defer stopManager(t, m)

	_, err := m.QueueWorkItem(pid("9915:test0"), KindCreateUpdate, "CN=a", "h")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(m.ReIndexItems()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, m.ReIndexParticipantData(context.Background(), t0.Add(time.Minute)))
	assert.Equal(t, 1, m.ReIndexParticipantData(context.Background(), t0.Add(6*time.Minute)))
	require.Len(t, m.ReIndexItems(), 1)
	assert.Equal(t, t0.Add(11*time.Minute), m.ReIndexItems()[0].NextRetryAt)
}

func TestFailingItemExpires(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.MaxRetryDuration = 0
	clock := &fakeClock{t: t0}
	rec := &outcomeRecorder{}
	reg := prometheus.NewRegistry()
	mt := metrics.New(reg)
	m := NewManager(cfg, f.storage, &fakeFetcher{always: true},
		WithClock(clock.Now), WithObserver(rec), WithMetrics(mt))
	m.Start()
	defer stopManager(t, m)

	_, err := m.QueueWorkItem(pid("9915:test0"), KindCreateUpdate, "CN=a", "h")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(m.ReIndexItems()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, m.ExpireOldEntries(context.Background()))

	clock.Advance(time.Second)
	assert.Equal(t, 1, m.ExpireOldEntries(context.Background()))
	assert.Empty(t, m.UniqueItems())
	assert.Empty(t, m.ReIndexItems())

	outcomes := rec.All()
	require.Len(t, outcomes, 2)
	assert.Equal(t, StatusExpired, outcomes[1].Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(mt.ExpiredTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(mt.UniqueItems))

	// the request can be made again once expired
	c, err := m.QueueWorkItem(pid("9915:test0"), KindCreateUpdate, "CN=a", "h")
	require.NoError(t, err)
	assert.Equal(t, Changed, c)
}

func TestTickExpiresAndRetries(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.RetryInterval = time.Minute
	cfg.MaxRetryDuration = 3 * time.Minute
	clock := &fakeClock{t: t0}
	fetcher := &fakeFetcher{always: true}
	m := NewManager(cfg, f.storage, fetcher, WithClock(clock.Now))
	m.Start()
	defer stopManager(t, m)

	_, err := m.QueueWorkItem(pid("9915:test0"), KindCreateUpdate, "CN=a", "h")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(m.ReIndexItems()) == 1 }, 2*time.Second, 5*time.Millisecond)

	for i := 0; i < 10 && len(m.UniqueItems()) > 0; i++ {
		clock.Advance(61 * time.Second)
		m.Tick(context.Background())
	}
	assert.Empty(t, m.UniqueItems())
	// first attempt plus retries within the three minute window
	assert.Len(t, fetcher.Calls(), 3)
}

func TestStopPersistsAndRestartRestoresOrder(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.config(), f.storage, &fakeFetcher{})
	pids := []identifier.ParticipantID{pid("9915:c"), pid("9915:a"), pid("9915:b")}
	for _, p := range pids {
		_, err := m.QueueWorkItem(p, KindCreateUpdate, "CN=a", "h")
		require.NoError(t, err)
	}
	before := m.UniqueItems()
	stopManager(t, m)

	_, err := m.QueueWorkItem(pid("9915:late"), KindCreateUpdate, "CN=a", "h")
	assert.ErrorIs(t, err, apperrors.ErrStoreClosing)

	fetcher := &fakeFetcher{gate: make(chan struct{})}
	restarted := NewManager(f.config(), f.storage, fetcher)
	restarted.Start()
	defer stopManager(t, restarted)

	after := restarted.UniqueItems()
	require.Len(t, after, 3)
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.True(t, before[i].Equal(after[i]))
	}

	close(fetcher.gate)
	waitIdle(t, restarted)
	assert.Equal(t, pids, fetcher.Calls())
}

func TestStopPersistsInterruptedItem(t *testing.T) {
	f := newFixture(t)
	fetcher := &fakeFetcher{gate: make(chan struct{})}
	m := NewManager(f.config(), f.storage, fetcher)
	m.Start()

	_, err := m.QueueWorkItem(pid("9915:slow"), KindCreateUpdate, "CN=a", "h")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(fetcher.Calls()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	items, _, err := ReadQueueFile(f.config().QueueFile())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "9915:slow", items[0].ParticipantID.Value)
}

func TestStopWithNothingPendingRemovesQueueFile(t *testing.T) {
	f := newFixture(t)
	path := f.config().QueueFile()
	require.NoError(t, WriteQueueFile(path, []*WorkItem{NewWorkItem(pid("9915:a"), KindDelete, "o", "h", t0)}))

	m := NewManager(f.config(), f.storage, &fakeFetcher{})
	m.Start()
	waitIdle(t, m)
	stopManager(t, m)

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestUnreadableQueueFileStartsEmpty(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.config().QueueFile(), []byte("not xml"), 0o644))

	m := NewManager(f.config(), f.storage, &fakeFetcher{})
	m.Start()
	defer stopManager(t, m)
	assert.Empty(t, m.UniqueItems())
}

func TestSteadyStateLeavesNothingPending(t *testing.T) {
	f := newFixture(t)
	cfg := f.config()
	cfg.RetryInterval = 0
	cfg.MaxRetryDuration = time.Hour
	clock := &fakeClock{t: t0}
	m := NewManager(cfg, f.storage, &fakeFetcher{failFirst: 1}, WithClock(clock.Now))
	m.Start()
	defer stopManager(t, m)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.QueueWorkItem(pid(fmt.Sprintf("9915:p%d", i)), KindCreateUpdate, "CN=a", "h")
		require.NoError(t, err)
	}
	_, err := m.QueueWorkItem(pid("9915:p0"), KindDelete, "CN=a", "h")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Stats().Queued == 0 && len(m.ReIndexItems()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(m.UniqueItems()) == 1 }, 2*time.Second, 5*time.Millisecond)
	clock.Advance(time.Second)
	m.Tick(ctx)

	assert.Empty(t, m.UniqueItems())
	assert.Empty(t, m.ReIndexItems())
	ids, err := f.storage.GetAllContainedParticipantIDs(ctx)
	require.NoError(t, err)
	// p0 was created by its retry after the delete, so it is present again
	assert.Len(t, ids, 3)
}

func TestStopPersistsExactlyTheAcceptedItems(t *testing.T) {
	f := newFixture(t)
	m := NewManager(f.config(), f.storage, &fakeFetcher{})

	var mu sync.Mutex
	accepted := map[string]bool{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				value := fmt.Sprintf("9915:w%d-%d", w, i)
				change, err := m.QueueWorkItem(pid(value), KindCreateUpdate, "CN=a", "h")
				if err != nil {
					assert.ErrorIs(t, err, apperrors.ErrStoreClosing)
					return
				}
				assert.Equal(t, Changed, change)
				mu.Lock()
				accepted[value] = true
				mu.Unlock()
			}
		}()
	}
	time.Sleep(time.Millisecond)
	stopManager(t, m)
	wg.Wait()

	items, _, err := ReadQueueFile(f.config().QueueFile())
	require.NoError(t, err)
	persisted := map[string]bool{}
	for _, it := range items {
		persisted[it.ParticipantID.Value] = true
	}
	assert.Equal(t, accepted, persisted)
}
