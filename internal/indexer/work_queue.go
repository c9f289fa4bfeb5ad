package indexer

import (
	"context"
	"log/slog"
	"sync"
)

// Action processes one dequeued work item.
type Action func(ctx context.Context, item *WorkItem)

// WorkQueue is an unbounded FIFO drained by a single worker goroutine.
// Enqueue never blocks. It does not deduplicate.
type WorkQueue struct {
	action Action
	logger *slog.Logger

	mu      sync.Mutex
	items   []*WorkItem
	stopped bool
	started bool
	signal  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorkQueue(action Action) *WorkQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkQueue{
		action: action,
		logger: slog.Default().With("component", "work-queue"),
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the worker. Items enqueued before Start are kept.
func (q *WorkQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.run()
}

// Enqueue appends item and wakes the worker. It reports false once the
// queue is stopped.
func (q *WorkQueue) Enqueue(item *WorkItem) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
	return true
}

func (q *WorkQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of accepted items not yet handed to the worker.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *WorkQueue) run() {
	defer close(q.done)
	for {
		item, ok := q.next()
		if !ok {
			return
		}
		q.process(item)
	}
}

func (q *WorkQueue) process(item *WorkItem) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("work item panicked", "item", item.LogText(), "panic", r)
		}
	}()
	q.action(q.ctx, item)
}

// next blocks until an item is available or the queue is stopped.
func (q *WorkQueue) next() (*WorkItem, bool) {
	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-q.ctx.Done():
			return nil, false
		}
	}
}

// Stop makes the worker exit at its next dequeue and returns the accepted
// items it never started, in queue order. The item in flight is allowed to
// finish until ctx is done; after that its context is cancelled.
func (q *WorkQueue) Stop(ctx context.Context) []*WorkItem {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()
	q.wake()

	if started {
		select {
		case <-q.done:
		case <-ctx.Done():
			q.logger.Warn("work item still running at shutdown deadline, cancelling it")
			q.cancel()
			<-q.done
		}
	}
	q.cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	remaining := q.items
	q.items = nil
	return remaining
}
