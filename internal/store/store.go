// Package store defines the ledger for bids, orders and sales and an
// in-memory implementation of it. Every mutation that changes a status
// also appends a transition-once key and an outbox event in the same
// atomic step.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/resale/internal/models"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicate         = errors.New("already exists")
	ErrConflict          = errors.New("concurrent modification")
	ErrAlreadyApplied    = errors.New("transition already applied")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Match is the atomic unit written when two bids are paired.
type Match struct {
	Incoming  models.Bid // inserted with status MATCHED
	RestingID string     // must still be PENDING
	Order     models.Order
	Sale      models.Sale
	At        time.Time
}

// OrderTransition moves one order between statuses, attaching the artifact
// that the target state requires.
type OrderTransition struct {
	OrderID  string
	From, To models.OrderStatus
	Payment  *models.Payment
	Shipment *models.Shipment
	Storage  *models.WarehouseStorage
	Refund   *models.Refund
	Reason   string
}

type SaleTransition struct {
	SaleID    string
	From, To  models.SaleStatus
	Shipment  *models.Shipment
	Payout    *models.Payout
	ReceiveBy time.Time
	Reason    string
}

// BidTransition retires a MATCHED bid whose match was unwound and which is
// not going back on the book.
type BidTransition struct {
	BidID    string
	From, To models.BidStatus
}

// ShipDeadline starts a sale's shipment window.
type ShipDeadline struct {
	SaleID string
	ShipBy time.Time
}

// Batch is applied all-or-nothing. Transitions on the same entity are
// applied in slice order: orders, then sales, then bids.
type Batch struct {
	Orders    []OrderTransition
	Sales     []SaleTransition
	Bids      []BidTransition
	Deadlines []ShipDeadline
	At        time.Time
}

// Failure records why an entity could not progress.
type Failure struct {
	Kind   models.Kind
	ID     string
	Reason string
	Halt   bool
	At     time.Time
}

type UserStore interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// Store is the ledger consumed by the matching engine and lifecycle managers
type Store interface {
	UserStore

	CreateVariant(ctx context.Context, v models.Variant) error
	GetVariant(ctx context.Context, id string) (models.Variant, error)
	ListVariants(ctx context.Context) ([]models.Variant, error)

	// PendingBids returns the PENDING bids of a variant in ledger sequence order.
	PendingBids(ctx context.Context, variantID string) ([]models.Bid, error)
	// InsertBid stores a new PENDING bid and assigns its sequence number.
	// ErrConflict means a PENDING counter-bid on the variant already crosses
	// it, so the caller's book is stale.
	InsertBid(ctx context.Context, bid models.Bid) (models.Bid, error)
	GetBid(ctx context.Context, id string) (models.Bid, error)
	ListBidsByBidder(ctx context.Context, bidderID string) ([]models.Bid, error)
	// CancelBid moves a PENDING bid to CANCELLED. A bid in any other status
	// yields ErrConflict together with its current state.
	CancelBid(ctx context.Context, id string, at time.Time) (models.Bid, error)
	// CommitMatch writes a match atomically. ErrConflict means the resting
	// bid is no longer PENDING.
	CommitMatch(ctx context.Context, m Match) (models.Bid, error)

	GetOrder(ctx context.Context, id string) (models.Order, error)
	GetSale(ctx context.Context, id string) (models.Sale, error)
	ListOrdersByBuyer(ctx context.Context, buyerID string) ([]models.Order, error)
	ListSalesBySeller(ctx context.Context, sellerID string) ([]models.Sale, error)
	ApplyTransitions(ctx context.Context, b Batch) error
	RecordFailure(ctx context.Context, f Failure) error
	ClearHalt(ctx context.Context, kind models.Kind, id string) error
	// ExpiredOrders returns non-halted PENDING_PAYMENT orders past PayBy.
	ExpiredOrders(ctx context.Context, now time.Time) ([]models.Order, error)
	// ExpiredSales returns non-halted sales past ShipBy (PENDING_SHIPMENT)
	// or past ReceiveBy (IN_TRANSIT).
	ExpiredSales(ctx context.Context, now time.Time) ([]models.Sale, error)

	PendingEvents(ctx context.Context, limit int) ([]models.Event, error)
	MarkDispatched(ctx context.Context, ids []string) error
}

// TransitionKey identifies a transition for the transition-once guard.
func TransitionKey(kind models.Kind, id, to string) string {
	return fmt.Sprintf("%s:%s:%s", kind, id, to)
}

// EventType is the routing name of a transition event, e.g. "order.payment_completed".
func EventType(kind models.Kind, to string) string {
	return string(kind) + "." + strings.ToLower(to)
}

// NewEvent builds the outbox record for a transition. The payload is the
// entity snapshot after the transition.
func NewEvent(kind models.Kind, id, from, to string, at time.Time, snapshot any) models.Event {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		payload = nil
	}
	return models.Event{
		ID:            uuid.NewString(),
		Type:          EventType(kind, to),
		AggregateKind: kind,
		AggregateID:   id,
		From:          from,
		To:            to,
		OccurredAt:    at,
		Payload:       payload,
	}
}

// ApplyBid validates t against b. Only MATCHED -> CANCELLED is allowed.
func ApplyBid(b models.Bid, t BidTransition) (models.Bid, error) {
	if b.Status != t.From {
		return b, fmt.Errorf("bid %s is %s, expected %s: %w", b.ID, b.Status, t.From, ErrConflict)
	}
	if t.From != models.BidMatched || t.To != models.BidCancelled {
		return b, fmt.Errorf("bid %s %s -> %s: %w", b.ID, t.From, t.To, ErrInvalidTransition)
	}
	b.Status = t.To
	return b, nil
}

// ApplyOrder validates t against o and returns the updated order.
func ApplyOrder(o models.Order, t OrderTransition, at time.Time) (models.Order, error) {
	if o.Status != t.From {
		return o, fmt.Errorf("order %s is %s, expected %s: %w", o.ID, o.Status, t.From, ErrConflict)
	}
	if !t.From.CanTransition(t.To) {
		return o, fmt.Errorf("order %s %s -> %s: %w", o.ID, t.From, t.To, ErrInvalidTransition)
	}
	o.Status = t.To
	if t.Payment != nil {
		o.Payment = t.Payment
	}
	if t.Shipment != nil {
		o.Shipment = t.Shipment
	}
	if t.Storage != nil {
		o.Storage = t.Storage
	}
	if t.Refund != nil {
		o.Refund = t.Refund
	}
	if t.Reason != "" {
		o.FailureReason = t.Reason
	}
	o.UpdatedAt = at
	return o, nil
}

func ApplySale(s models.Sale, t SaleTransition, at time.Time) (models.Sale, error) {
	if s.Status != t.From {
		return s, fmt.Errorf("sale %s is %s, expected %s: %w", s.ID, s.Status, t.From, ErrConflict)
	}
	if !t.From.CanTransition(t.To) {
		return s, fmt.Errorf("sale %s %s -> %s: %w", s.ID, t.From, t.To, ErrInvalidTransition)
	}
	s.Status = t.To
	if t.Shipment != nil {
		s.Shipment = t.Shipment
	}
	if t.Payout != nil {
		s.Payout = t.Payout
	}
	if !t.ReceiveBy.IsZero() {
		s.ReceiveBy = t.ReceiveBy
	}
	if t.Reason != "" {
		s.FailureReason = t.Reason
	}
	s.UpdatedAt = at
	return s, nil
}
