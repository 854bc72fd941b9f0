// Package fulfillment drives matched orders and sales through payment,
// shipment, warehouse intake and settlement, and unwinds them with
// compensating actions when a stage fails or an SLA window lapses.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/exchange"
	"github.com/xtrntr/resale/internal/keylock"
	"github.com/xtrntr/resale/internal/models"
	"github.com/xtrntr/resale/internal/settlement"
	"github.com/xtrntr/resale/internal/store"
)

var (
	ErrHalted             = errors.New("progression halted pending review")
	ErrWrongState         = errors.New("operation not allowed in current state")
	ErrCancelNotAllowed   = errors.New("cancellation not allowed in current state")
	ErrOrderNotPaid       = errors.New("paired order is not paid")
	ErrTrackingRequired   = errors.New("tracking reference required")
	ErrInvariantViolation = errors.New("lifecycle invariant violated")
)

// Config holds the SLA windows and the unwind policy
type Config struct {
	ShipWindow      time.Duration // seller ships within this window of payment
	ReceiveWindow   time.Duration // warehouse receives within this window of shipment
	RelistOnFailure bool          // put the blameless party's bid back on the book
}

func DefaultConfig() Config {
	return Config{ShipWindow: 72 * time.Hour, ReceiveWindow: 7 * 24 * time.Hour, RelistOnFailure: true}
}

// Relister returns a released bid to the book
type Relister interface {
	Relist(ctx context.Context, original models.Bid) (exchange.BidResult, error)
}

// Deps are the collaborators shared by both managers
type Deps struct {
	Store     store.Store
	Payments  settlement.PaymentGateway
	Shipments settlement.ShipmentService
	Warehouse settlement.Warehouse
	Payouts   settlement.PayoutService
	Relister  Relister
	Log       *zap.Logger
	Now       func() time.Time
}

// core is the state shared by OrderManager and SaleManager. Any call that
// touches a match locks the order key before the sale key.
type core struct {
	Deps
	cfg   Config
	locks *keylock.Locker
}

// NewManagers wires the order and sale lifecycle managers over one lock set
func NewManagers(deps Deps, cfg Config) (*OrderManager, *SaleManager) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	c := &core{Deps: deps, cfg: cfg, locks: keylock.New()}
	return &OrderManager{c}, &SaleManager{c}
}

func orderKey(id string) string { return "order:" + id }
func saleKey(id string) string  { return "sale:" + id }

// acquire locks a match and loads both sides after the lock is held.
func (c *core) acquire(ctx context.Context, orderID, saleID string) (func(), models.Order, models.Sale, error) {
	unlock := c.locks.LockAll(orderKey(orderID), saleKey(saleID))
	o, err := c.Store.GetOrder(ctx, orderID)
	if err != nil {
		unlock()
		return nil, models.Order{}, models.Sale{}, fmt.Errorf("failed to get order: %w", err)
	}
	s, err := c.Store.GetSale(ctx, saleID)
	if err != nil {
		unlock()
		if errors.Is(err, store.ErrNotFound) {
			c.violation(ctx, o, models.Sale{ID: saleID}, "sale linked from order is missing")
			return nil, o, models.Sale{}, fmt.Errorf("%w: order %s links missing sale %s", ErrInvariantViolation, orderID, saleID)
		}
		return nil, models.Order{}, models.Sale{}, fmt.Errorf("failed to get sale: %w", err)
	}
	if o.SaleID != s.ID || s.OrderID != o.ID {
		unlock()
		c.violation(ctx, o, s, "order and sale are not cross-linked")
		return nil, o, s, fmt.Errorf("%w: order %s / sale %s linkage", ErrInvariantViolation, o.ID, s.ID)
	}
	return unlock, o, s, nil
}

func (c *core) acquireByOrder(ctx context.Context, orderID string) (func(), models.Order, models.Sale, error) {
	o, err := c.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, models.Order{}, models.Sale{}, fmt.Errorf("failed to get order: %w", err)
	}
	return c.acquire(ctx, o.ID, o.SaleID)
}

func (c *core) acquireBySale(ctx context.Context, saleID string) (func(), models.Order, models.Sale, error) {
	s, err := c.Store.GetSale(ctx, saleID)
	if err != nil {
		return nil, models.Order{}, models.Sale{}, fmt.Errorf("failed to get sale: %w", err)
	}
	return c.acquire(ctx, s.OrderID, s.ID)
}

// apply commits a batch. A replayed transition is not an error.
func (c *core) apply(ctx context.Context, b store.Batch) error {
	err := c.Store.ApplyTransitions(ctx, b)
	if errors.Is(err, store.ErrAlreadyApplied) {
		c.Log.Info("transition replay ignored", zap.Error(err))
		return nil
	}
	return err
}

// fail records why an entity could not progress. The state is left as is.
func (c *core) fail(ctx context.Context, kind models.Kind, id string, cause error) {
	err := c.Store.RecordFailure(ctx, store.Failure{Kind: kind, ID: id, Reason: cause.Error(), At: c.Now()})
	if err != nil {
		c.Log.Error("failed to record failure", zap.String("kind", string(kind)), zap.String("id", id), zap.Error(err))
	}
	c.Log.Warn("lifecycle step failed", zap.String("kind", string(kind)), zap.String("id", id), zap.Error(cause))
}

// violation halts both sides of a match until Resume. Nothing is corrected
// automatically.
func (c *core) violation(ctx context.Context, o models.Order, s models.Sale, reason string) {
	c.Log.Error("invariant violation, halting",
		zap.String("order_id", o.ID), zap.String("sale_id", s.ID), zap.String("reason", reason))
	now := c.Now()
	if o.ID != "" {
		if err := c.Store.RecordFailure(ctx, store.Failure{Kind: models.KindOrder, ID: o.ID, Reason: reason, Halt: true, At: now}); err != nil {
			c.Log.Error("failed to halt order", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	if s.ID != "" {
		if err := c.Store.RecordFailure(ctx, store.Failure{Kind: models.KindSale, ID: s.ID, Reason: reason, Halt: true, At: now}); err != nil {
			c.Log.Error("failed to halt sale", zap.String("sale_id", s.ID), zap.Error(err))
		}
	}
}

// unwind cancels both sides of a match, refunding a captured payment first,
// then relists the bid of the party that is not at fault. Gateway calls are
// keyed by the original capture and payout, so effects that executed without
// reaching the ledger are reversed too.
func (c *core) unwind(ctx context.Context, o models.Order, s models.Sale, reason string, relist models.Side) error {
	if o.Status == models.OrderCompleted || s.Status == models.SaleCompleted {
		return fmt.Errorf("%w: order %s is %s, sale %s is %s", ErrWrongState, o.ID, o.Status, s.ID, s.Status)
	}
	if o.Status.Terminal() && s.Status.Terminal() {
		return nil
	}

	at := c.Now()
	b := store.Batch{At: at}
	if !o.Status.Terminal() {
		t := store.OrderTransition{OrderID: o.ID, From: o.Status, To: models.OrderCancelled, Reason: reason}
		refund, err := c.refund(ctx, o, reason)
		if err != nil {
			return err
		}
		t.Refund = refund
		b.Orders = append(b.Orders, t)
	}
	if s.Status == models.SaleInspected {
		if err := c.reversePayout(ctx, s, reason); err != nil {
			return err
		}
	}
	if !s.Status.Terminal() {
		b.Sales = append(b.Sales, store.SaleTransition{SaleID: s.ID, From: s.Status, To: models.SaleCancelled, Reason: reason})
	}
	relisting := c.cfg.RelistOnFailure && c.Relister != nil && relist.Valid()
	if !relisting && relist.Valid() {
		// The blameless bid is retired rather than left pointing at a dead match.
		b.Bids = append(b.Bids, store.BidTransition{BidID: innocentBid(o, s, relist), From: models.BidMatched, To: models.BidCancelled})
	}
	if err := c.apply(ctx, b); err != nil {
		return fmt.Errorf("failed to cancel match: %w", err)
	}
	c.Log.Info("match unwound",
		zap.String("order_id", o.ID), zap.String("sale_id", s.ID), zap.String("reason", reason))

	if relisting {
		c.relist(ctx, innocentBid(o, s, relist))
	}
	return nil
}

// innocentBid is the original bid of the party on side.
func innocentBid(o models.Order, s models.Sale, side models.Side) string {
	if side == models.SideSell {
		return s.BidID
	}
	return o.BidID
}

// refund returns the money taken for an order. An order still awaiting
// payment is refunded by capture key in case its capture never reached the
// ledger. Nil means nothing was refunded.
func (c *core) refund(ctx context.Context, o models.Order, reason string) (*models.Refund, error) {
	if o.Refund != nil || (o.Payment == nil && o.Status != models.OrderPendingPayment) {
		return nil, nil
	}
	req := settlement.RefundRequest{
		OrderID:        o.ID,
		CaptureKey:     "capture:" + o.ID,
		Amount:         o.Amount,
		Reason:         reason,
		IdempotencyKey: "refund:" + o.ID,
	}
	if o.Payment != nil {
		req.TransactionRef = o.Payment.TransactionRef
		req.Amount = o.Payment.Amount
	}
	res, err := c.Payments.Refund(ctx, req)
	if err != nil {
		c.fail(ctx, models.KindOrder, o.ID, err)
		return nil, fmt.Errorf("refund order %s: %w", o.ID, err)
	}
	if !res.Refunded {
		return nil, nil
	}
	if o.Payment == nil {
		c.Log.Warn("refunded capture missing from ledger", zap.String("order_id", o.ID), zap.String("refund", res.RefundRef))
	}
	return &models.Refund{
		ID:         "refund:" + o.ID,
		RefundRef:  res.RefundRef,
		Amount:     req.Amount,
		Reason:     reason,
		RefundedAt: res.RefundedAt,
	}, nil
}

// reversePayout claws back a seller payout that Complete made but could not
// record. Nothing happens when no payout was made.
func (c *core) reversePayout(ctx context.Context, s models.Sale, reason string) error {
	res, err := c.Payouts.ReversePayout(ctx, settlement.ReversalRequest{
		SaleID:         s.ID,
		PayoutKey:      "payout:" + s.ID,
		Reason:         reason,
		IdempotencyKey: "reversal:" + s.ID,
	})
	if err != nil {
		c.fail(ctx, models.KindSale, s.ID, err)
		return fmt.Errorf("reverse payout for sale %s: %w", s.ID, err)
	}
	if res.Reversed {
		c.Log.Warn("unrecorded payout reversed", zap.String("sale_id", s.ID), zap.String("reversal", res.ReversalRef))
	}
	return nil
}

// relist is best effort: the unwind has already committed.
func (c *core) relist(ctx context.Context, bidID string) {
	bid, err := c.Store.GetBid(ctx, bidID)
	if err != nil {
		c.Log.Error("relist: bid lookup failed", zap.String("bid_id", bidID), zap.Error(err))
		return
	}
	res, err := c.Relister.Relist(ctx, bid)
	if err != nil {
		c.Log.Warn("relist failed", zap.String("bid_id", bidID), zap.Error(err))
		return
	}
	c.Log.Info("bid relisted",
		zap.String("original_bid_id", bidID), zap.String("bid_id", res.BidID), zap.Bool("matched", res.Matched))
}
