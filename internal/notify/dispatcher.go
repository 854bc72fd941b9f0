// Package notify turns domain events into user notifications. Events
// arrive at least once; the dispatcher drops redeliveries by event id.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/events"
	"github.com/xtrntr/resale/internal/idempotency"
	"github.com/xtrntr/resale/internal/models"
)

// Notification is a message to one user
type Notification struct {
	EventID   string
	Recipient string
	Subject   string
	Body      string
}

// Notifier delivers notifications, e.g. by email or push
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.Log.Info("notification",
		zap.String("event_id", n.EventID),
		zap.String("recipient", n.Recipient),
		zap.String("subject", n.Subject),
		zap.String("body", n.Body))
	return nil
}

var subjects = map[string]string{
	"bid.matched":           "Your bid was matched",
	"order.pending_payment": "Payment required",
	"order.preparing":       "Payment received",
	"order.in_warehouse":    "Your item arrived at the warehouse",
	"order.completed":       "Your item is on its way",
	"order.cancelled":       "Your order was cancelled",
	"sale.pending_shipment": "Please ship your item",
	"sale.in_transit":       "Shipment registered",
	"sale.inspected":        "Your item passed intake",
	"sale.completed":        "Payout sent",
	"sale.cancelled":        "Your sale was cancelled",
}

// snapshot holds the recipient fields of the entity payloads.
type snapshot struct {
	ID            string `json:"id"`
	BidderID      string `json:"bidder_id"`
	BuyerID       string `json:"buyer_id"`
	SellerID      string `json:"seller_id"`
	Amount        string `json:"amount"`
	Price         string `json:"price"`
	FailureReason string `json:"failure_reason"`
}

// Dispatcher decodes envelopes, deduplicates them and notifies the owner of
// the aggregate.
type Dispatcher struct {
	seen     idempotency.Store
	notifier Notifier
	ttl      time.Duration
	log      *zap.Logger
}

func NewDispatcher(seen idempotency.Store, notifier Notifier, ttl time.Duration, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Dispatcher{seen: seen, notifier: notifier, ttl: ttl, log: log}
}

// HandleMessage is a Consumer handler
func (d *Dispatcher) HandleMessage(ctx context.Context, m kafka.Message) error {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		// Undecodable messages are committed and skipped.
		d.log.Error("undecodable event", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	return d.Handle(ctx, env)
}

// Handle notifies for one event at most once per TTL.
func (d *Dispatcher) Handle(ctx context.Context, env events.Envelope) error {
	n, ok := d.notification(env)
	if !ok {
		return nil
	}
	fresh, err := d.seen.MarkProcessed(ctx, env.EventID, d.ttl)
	if err != nil {
		return fmt.Errorf("dedup event %s: %w", env.EventID, err)
	}
	if !fresh {
		d.log.Debug("duplicate event skipped", zap.String("event_id", env.EventID))
		return nil
	}
	if err := d.notifier.Notify(ctx, n); err != nil {
		if ferr := d.seen.Forget(ctx, env.EventID); ferr != nil {
			d.log.Error("failed to release dedup key", zap.String("event_id", env.EventID), zap.Error(ferr))
		}
		return fmt.Errorf("notify %s: %w", env.EventID, err)
	}
	return nil
}

func (d *Dispatcher) notification(env events.Envelope) (Notification, bool) {
	subject, ok := subjects[env.EventType]
	if !ok {
		return Notification{}, false
	}
	var s snapshot
	if err := json.Unmarshal(env.Payload, &s); err != nil {
		d.log.Warn("event payload not decodable", zap.String("event_id", env.EventID), zap.Error(err))
		return Notification{}, false
	}

	var recipient, body string
	switch env.AggregateKind {
	case models.KindBid:
		recipient = s.BidderID
		body = fmt.Sprintf("Bid %s matched at %s.", s.ID, s.Price)
	case models.KindOrder:
		recipient = s.BuyerID
		body = fmt.Sprintf("Order %s (%s) is now %s.", s.ID, s.Amount, env.To)
	case models.KindSale:
		recipient = s.SellerID
		body = fmt.Sprintf("Sale %s (%s) is now %s.", s.ID, s.Amount, env.To)
	}
	if s.FailureReason != "" && env.To == "CANCELLED" {
		body += " Reason: " + s.FailureReason + "."
	}
	if recipient == "" {
		return Notification{}, false
	}
	return Notification{EventID: env.EventID, Recipient: recipient, Subject: subject, Body: body}, true
}
