package indexer

import (
	"context"
	"time"
)

// Tick runs one scheduler round: expire first, then retry what is due.
func (m *Manager) Tick(ctx context.Context) {
	m.guard("expire", func() { m.ExpireOldEntries(ctx) })
	m.guard("reindex", func() { m.ReIndexParticipantData(ctx, m.now()) })
}

// StartScheduler runs Tick every interval until ctx is cancelled. The
// returned channel is closed once the loop has exited, so callers can wait
// for a running round before stopping the manager.
func (m *Manager) StartScheduler(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("scheduler stopping")
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
	return done
}

// guard keeps a panicking callback from killing the ticker.
func (m *Manager) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("scheduled task panicked", "task", name, "panic", r)
		}
	}()
	fn()
}
