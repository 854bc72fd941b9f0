package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/models"
)

// Outbox is the part of the ledger the relay drains
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]models.Event, error)
	MarkDispatched(ctx context.Context, ids []string) error
}

// Relay publishes outbox events and marks them dispatched only after the
// publisher accepted them, so delivery is at least once.
type Relay struct {
	outbox   Outbox
	pub      Publisher
	log      *zap.Logger
	interval time.Duration
	batch    int
}

func NewRelay(outbox Outbox, pub Publisher, log *zap.Logger, interval time.Duration) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{outbox: outbox, pub: pub, log: log, interval: interval, batch: 100}
}

// Run flushes on every tick until ctx is done, then makes a final attempt.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := r.Flush(flushCtx); err != nil {
				r.log.Warn("final outbox flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil {
				r.log.Warn("outbox flush failed", zap.Error(err))
			}
		}
	}
}

// Flush drains the outbox batch by batch and returns how many events were
// dispatched. It stops at the first batch the publisher rejects.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	n := 0
	for {
		pending, err := r.outbox.PendingEvents(ctx, r.batch)
		if err != nil {
			return n, fmt.Errorf("failed to read outbox: %w", err)
		}
		if len(pending) == 0 {
			return n, nil
		}
		if err := r.pub.Publish(ctx, pending); err != nil {
			return n, fmt.Errorf("failed to publish %d events: %w", len(pending), err)
		}
		ids := make([]string, len(pending))
		for i, e := range pending {
			ids[i] = e.ID
		}
		if err := r.outbox.MarkDispatched(ctx, ids); err != nil {
			return n, fmt.Errorf("failed to mark events dispatched: %w", err)
		}
		n += len(pending)
		if len(pending) < r.batch {
			return n, nil
		}
	}
}
