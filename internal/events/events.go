// Package events moves outbox records to subscribers: Kafka for other
// services, a WebSocket hub for browsers, and the log.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/models"
)

const EnvelopeVersion = 1

// Envelope is the wire format of a domain event
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"` // e.g. order.payment_completed
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	AggregateKind models.Kind     `json:"aggregate_kind"`
	AggregateID   string          `json:"aggregate_id"` // also the partition key
	From          string          `json:"from,omitempty"`
	To            string          `json:"to"`
	Payload       json.RawMessage `json:"payload,omitempty"` // entity snapshot after the transition
}

func NewEnvelope(e models.Event, producer string) Envelope {
	return Envelope{
		EventID:       e.ID,
		EventType:     e.Type,
		EventVersion:  EnvelopeVersion,
		OccurredAt:    e.OccurredAt,
		Producer:      producer,
		AggregateKind: e.AggregateKind,
		AggregateID:   e.AggregateID,
		From:          e.From,
		To:            e.To,
		Payload:       json.RawMessage(e.Payload),
	}
}

// Publisher delivers a batch of events in order. A nil error means every
// event in the batch was accepted.
type Publisher interface {
	Publish(ctx context.Context, events []models.Event) error
}

// Multi fans a batch out to several publishers. Every publisher is tried;
// the errors are joined.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, events []models.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogPublisher writes each event to the log
type LogPublisher struct {
	Log *zap.Logger
}

func (p LogPublisher) Publish(ctx context.Context, events []models.Event) error {
	for _, e := range events {
		p.Log.Info("event",
			zap.String("event_id", e.ID),
			zap.String("type", e.Type),
			zap.String("aggregate_id", e.AggregateID),
			zap.String("from", e.From),
			zap.String("to", e.To))
	}
	return nil
}
