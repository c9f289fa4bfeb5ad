package indexer

import (
	"context"
	"time"
)

// Status is the result of one execution of a work item.
type Status string

const (
	StatusIndexed Status = "indexed"
	StatusDeleted Status = "deleted"
	StatusRetry   Status = "retry"
	StatusExpired Status = "expired"
)

// Outcome is reported to observers after every execution and expiry.
type Outcome struct {
	Item    *WorkItem
	Status  Status
	Retries int
	Err     error
	At      time.Time
}

// Succeeded reports whether the index now reflects the item.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusIndexed || o.Status == StatusDeleted
}

// Observer is notified of work item outcomes. Implementations must not
// block for long; they run on the worker goroutine.
type Observer interface {
	ObserveOutcome(ctx context.Context, o Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, o Outcome)

func (f ObserverFunc) ObserveOutcome(ctx context.Context, o Outcome) {
	f(ctx, o)
}
