package fulfillment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/models"
	"github.com/xtrntr/resale/internal/settlement"
	"github.com/xtrntr/resale/internal/store"
)

// OrderManager owns the buyer side of a match.
type OrderManager struct {
	*core
}

// CapturePayment charges the buyer and moves the order through
// PAYMENT_COMPLETED to PREPARING. The paired sale's shipment window starts
// in the same batch. Replaying a completed capture returns the order as is.
func (m *OrderManager) CapturePayment(ctx context.Context, orderID, payerRef string) (models.Order, error) {
	unlock, o, s, err := m.acquireByOrder(ctx, orderID)
	if err != nil {
		return o, err
	}
	defer unlock()

	if o.Status != models.OrderPendingPayment {
		if o.Status.Captured() && o.Payment != nil {
			return o, nil
		}
		return o, fmt.Errorf("%w: order %s is %s", ErrWrongState, o.ID, o.Status)
	}
	if o.Halted {
		return o, fmt.Errorf("order %s: %w", o.ID, ErrHalted)
	}
	if s.Status != models.SalePendingShipment {
		m.violation(ctx, o, s, "unpaid order paired with sale in "+string(s.Status))
		return o, fmt.Errorf("%w: order %s unpaid but sale %s is %s", ErrInvariantViolation, o.ID, s.ID, s.Status)
	}

	res, err := m.Payments.Capture(ctx, settlement.CaptureRequest{
		OrderID:        o.ID,
		Amount:         o.Amount,
		PayerRef:       payerRef,
		IdempotencyKey: "capture:" + o.ID,
	})
	if err == nil && !res.Success {
		err = settlement.ErrPaymentDeclined
	}
	if err != nil {
		m.fail(ctx, models.KindOrder, o.ID, err)
		return o, fmt.Errorf("capture payment for order %s: %w", o.ID, err)
	}

	at := m.Now()
	payment := &models.Payment{
		ID:             "capture:" + o.ID,
		TransactionRef: res.TransactionRef,
		Amount:         o.Amount,
		CapturedAt:     res.CapturedAt,
	}
	err = m.apply(ctx, store.Batch{
		Orders: []store.OrderTransition{
			{OrderID: o.ID, From: models.OrderPendingPayment, To: models.OrderPaymentCompleted, Payment: payment},
			{OrderID: o.ID, From: models.OrderPaymentCompleted, To: models.OrderPreparing},
		},
		Deadlines: []store.ShipDeadline{{SaleID: s.ID, ShipBy: at.Add(m.cfg.ShipWindow)}},
		At:        at,
	})
	if err != nil {
		return o, fmt.Errorf("failed to record payment: %w", err)
	}
	m.Log.Info("payment captured",
		zap.String("order_id", o.ID), zap.String("amount", o.Amount.String()), zap.String("txn", res.TransactionRef))
	return m.Store.GetOrder(ctx, o.ID)
}

// Cancel is the buyer's explicit cancellation, allowed only before payment.
// The seller's bid is relisted when the policy allows it.
func (m *OrderManager) Cancel(ctx context.Context, orderID, reason string) (models.Order, error) {
	unlock, o, s, err := m.acquireByOrder(ctx, orderID)
	if err != nil {
		return o, err
	}
	defer unlock()

	if o.Status == models.OrderCancelled {
		return o, nil
	}
	if o.Status != models.OrderPendingPayment {
		return o, fmt.Errorf("%w: order %s is %s", ErrCancelNotAllowed, o.ID, o.Status)
	}
	if reason == "" {
		reason = "cancelled by buyer"
	}
	if err := m.unwind(ctx, o, s, reason, models.SideSell); err != nil {
		return o, err
	}
	return m.Store.GetOrder(ctx, o.ID)
}

// Compensate unwinds a match from any non-terminal state: it refunds a
// captured payment and cancels both sides. The buyer is not at fault, so
// the buyer's bid is the one relisted.
func (m *OrderManager) Compensate(ctx context.Context, orderID, reason string) (models.Order, error) {
	unlock, o, s, err := m.acquireByOrder(ctx, orderID)
	if err != nil {
		return o, err
	}
	defer unlock()

	if err := m.unwind(ctx, o, s, reason, models.SideBuy); err != nil {
		return o, err
	}
	return m.Store.GetOrder(ctx, o.ID)
}

// Complete ships the item from the warehouse to the buyer and pays the
// seller. The order and sale reach COMPLETED in one batch.
func (m *OrderManager) Complete(ctx context.Context, orderID string, receiver settlement.ReceiverInfo) (models.Order, error) {
	unlock, o, s, err := m.acquireByOrder(ctx, orderID)
	if err != nil {
		return o, err
	}
	defer unlock()

	if o.Status == models.OrderCompleted {
		return o, nil
	}
	if o.Status != models.OrderInWarehouse {
		return o, fmt.Errorf("%w: order %s is %s", ErrWrongState, o.ID, o.Status)
	}
	if o.Halted || s.Halted {
		return o, fmt.Errorf("order %s: %w", o.ID, ErrHalted)
	}
	if s.Status != models.SaleInspected {
		m.violation(ctx, o, s, "order in warehouse but sale is "+string(s.Status))
		return o, fmt.Errorf("%w: order %s in warehouse, sale %s is %s", ErrInvariantViolation, o.ID, s.ID, s.Status)
	}

	h, err := m.Shipments.CreateInboundShipment(ctx, o.ID, receiver)
	if err != nil {
		m.fail(ctx, models.KindOrder, o.ID, err)
		return o, fmt.Errorf("ship order %s to buyer: %w", o.ID, err)
	}
	paid, err := m.Payouts.Payout(ctx, settlement.PayoutRequest{
		SaleID:         s.ID,
		PayeeRef:       s.SellerID,
		Amount:         s.Amount,
		IdempotencyKey: "payout:" + s.ID,
	})
	if err != nil {
		m.fail(ctx, models.KindSale, s.ID, err)
		return o, fmt.Errorf("pay out sale %s: %w", s.ID, err)
	}

	err = m.apply(ctx, store.Batch{
		Orders: []store.OrderTransition{{
			OrderID: o.ID, From: models.OrderInWarehouse, To: models.OrderCompleted,
			Shipment: &models.Shipment{ID: h.ShipmentID, Carrier: h.Carrier, TrackingRef: h.TrackingRef, CreatedAt: h.CreatedAt},
		}},
		Sales: []store.SaleTransition{{
			SaleID: s.ID, From: models.SaleInspected, To: models.SaleCompleted,
			Payout: &models.Payout{ID: "payout:" + s.ID, PayoutRef: paid.PayoutRef, Amount: s.Amount, PaidAt: paid.PaidAt},
		}},
		At: m.Now(),
	})
	if err != nil {
		return o, fmt.Errorf("failed to complete order: %w", err)
	}
	m.Log.Info("order completed", zap.String("order_id", o.ID), zap.String("sale_id", s.ID))
	return m.Store.GetOrder(ctx, o.ID)
}

// Resume clears the halted flag on an order and its paired sale after
// manual review.
func (m *OrderManager) Resume(ctx context.Context, orderID string) (models.Order, error) {
	o, err := m.Store.GetOrder(ctx, orderID)
	if err != nil {
		return o, fmt.Errorf("failed to get order: %w", err)
	}
	unlock := m.locks.LockAll(orderKey(o.ID), saleKey(o.SaleID))
	defer unlock()

	if err := m.Store.ClearHalt(ctx, models.KindOrder, o.ID); err != nil {
		return o, fmt.Errorf("failed to resume order: %w", err)
	}
	if err := m.Store.ClearHalt(ctx, models.KindSale, o.SaleID); err != nil {
		return o, fmt.Errorf("failed to resume sale: %w", err)
	}
	m.Log.Info("order resumed", zap.String("order_id", o.ID))
	return m.Store.GetOrder(ctx, o.ID)
}

// Expire cancels an order whose payment window lapsed. The state and the
// deadline are re-checked under the lock, so a payment that raced the
// sweeper wins.
func (m *OrderManager) Expire(ctx context.Context, orderID string) (bool, error) {
	unlock, o, s, err := m.acquireByOrder(ctx, orderID)
	if err != nil {
		return false, err
	}
	defer unlock()

	if o.Status != models.OrderPendingPayment || o.Halted || !m.Now().After(o.PayBy) {
		return false, nil
	}
	if err := m.unwind(ctx, o, s, "payment window expired", models.SideSell); err != nil {
		return false, err
	}
	return true, nil
}
