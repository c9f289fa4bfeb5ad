// Package events publishes index outcomes to Kafka so downstream consumers
// (mirrors, analytics, notification of the SMP operator) can follow what
// the directory did with each request.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peppol-directory/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/peppol-directory/pkg/kafka"
)

// IndexEvent is the JSON payload of one outcome.
type IndexEvent struct {
	WorkItemID     string    `json:"work_item_id"`
	ParticipantID  string    `json:"participant_id"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	OwnerID        string    `json:"owner_id"`
	RequestingHost string    `json:"requesting_host"`
	CreatedAt      time.Time `json:"created_at"`
	Retries        int       `json:"retries"`
	Error          string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// FromOutcome converts an indexer outcome to its event form.
func FromOutcome(o indexer.Outcome) IndexEvent {
	ev := IndexEvent{
		WorkItemID:     o.Item.ID,
		ParticipantID:  o.Item.ParticipantID.URIEncoded(),
		Kind:           string(o.Item.Kind),
		Status:         string(o.Status),
		OwnerID:        o.Item.OwnerID,
		RequestingHost: o.Item.RequestingHost,
		CreatedAt:      o.Item.CreatedAt,
		Retries:        o.Retries,
		At:             o.At,
	}
	if o.Err != nil {
		ev.Error = o.Err.Error()
	}
	return ev
}

// BatchWriter is what the publisher flushes to. *kafka.Producer implements
// it.
type BatchWriter interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Publisher is an indexer.Observer that buffers outcome events and writes
// them to Kafka in batches, either when the batch is full or after the
// flush interval. Events keyed by participant keep their order.
type Publisher struct {
	writer        BatchWriter
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []kafka.Event

	flushMu sync.Mutex
	kick    chan struct{}
	done    chan struct{}
}

func NewPublisher(w BatchWriter, batchSize int, flushInterval time.Duration) *Publisher {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 2 * time.Second
	}
	return &Publisher{
		writer:        w,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buffer:        make([]kafka.Event, 0, batchSize),
		logger:        slog.Default().With("component", "event-publisher"),
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// Start launches the flush loop. It stops when ctx is cancelled, after a
// final flush.
func (p *Publisher) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.flush(ctx)
			case <-p.kick:
				p.flush(ctx)
			case <-ctx.Done():
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(flushCtx)
				cancel()
				return
			}
		}
	}()
	p.logger.Info("event publisher started",
		"batch_size", p.batchSize,
		"flush_interval", p.flushInterval,
	)
}

// ObserveOutcome buffers the event; it never blocks on Kafka.
func (p *Publisher) ObserveOutcome(_ context.Context, o indexer.Outcome) {
	ev := FromOutcome(o)
	p.mu.Lock()
	p.buffer = append(p.buffer, kafka.Event{Key: ev.ParticipantID, Value: ev})
	full := len(p.buffer) >= p.batchSize
	p.mu.Unlock()

	if full {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

// Close waits for the flush loop started by Start to finish.
func (p *Publisher) Close() {
	<-p.done
}

func (p *Publisher) BufferLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func (p *Publisher) flush(ctx context.Context) {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = make([]kafka.Event, 0, p.batchSize)
	p.mu.Unlock()

	if err := p.writer.PublishBatch(ctx, batch); err != nil {
		p.logger.Error("event flush failed", "batch_size", len(batch), "error", err)
		// Put the batch back in front; past three batches the oldest go.
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		if limit := p.batchSize * 3; len(p.buffer) > limit {
			dropped := len(p.buffer) - limit
			p.buffer = append([]kafka.Event(nil), p.buffer[dropped:]...)
			p.logger.Warn("event buffer overflow, oldest events dropped", "dropped", dropped)
		}
		p.mu.Unlock()
		return
	}
	p.logger.Debug("events flushed", "events", len(batch))
}
