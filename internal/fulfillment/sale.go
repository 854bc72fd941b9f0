package fulfillment

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/models"
	"github.com/xtrntr/resale/internal/store"
)

// SaleManager owns the seller side of a match.
type SaleManager struct {
	*core
}

// Ship records the seller's outbound shipment to the warehouse. The paired
// order must be paid and preparing.
func (m *SaleManager) Ship(ctx context.Context, saleID, carrier, trackingRef string) (models.Sale, error) {
	if strings.TrimSpace(trackingRef) == "" {
		return models.Sale{}, ErrTrackingRequired
	}
	unlock, o, s, err := m.acquireBySale(ctx, saleID)
	if err != nil {
		return s, err
	}
	defer unlock()

	if s.Status != models.SalePendingShipment {
		if s.Shipment != nil && !s.Status.Terminal() {
			return s, nil
		}
		return s, fmt.Errorf("%w: sale %s is %s", ErrWrongState, s.ID, s.Status)
	}
	if s.Halted {
		return s, fmt.Errorf("sale %s: %w", s.ID, ErrHalted)
	}
	if o.Status != models.OrderPreparing {
		return s, fmt.Errorf("%w: order %s is %s", ErrOrderNotPaid, o.ID, o.Status)
	}

	h, err := m.Shipments.CreateOutboundShipment(ctx, s.ID, carrier, trackingRef)
	if err != nil {
		m.fail(ctx, models.KindSale, s.ID, err)
		return s, fmt.Errorf("ship sale %s: %w", s.ID, err)
	}
	at := m.Now()
	err = m.apply(ctx, store.Batch{
		Sales: []store.SaleTransition{{
			SaleID: s.ID, From: models.SalePendingShipment, To: models.SaleInTransit,
			Shipment:  &models.Shipment{ID: h.ShipmentID, Carrier: h.Carrier, TrackingRef: h.TrackingRef, CreatedAt: h.CreatedAt},
			ReceiveBy: at.Add(m.cfg.ReceiveWindow),
		}},
		At: at,
	})
	if err != nil {
		return s, fmt.Errorf("failed to record shipment: %w", err)
	}
	m.Log.Info("sale shipped", zap.String("sale_id", s.ID), zap.String("carrier", carrier), zap.String("tracking", trackingRef))
	return m.Store.GetSale(ctx, s.ID)
}

// ConfirmIntake records the warehouse receiving the item. The order moves to
// IN_WAREHOUSE and the sale to INSPECTED in one batch. INSPECTED is the
// sale's received state; it reaches COMPLETED when Complete pays the seller.
func (m *SaleManager) ConfirmIntake(ctx context.Context, saleID string) (models.Sale, error) {
	unlock, o, s, err := m.acquireBySale(ctx, saleID)
	if err != nil {
		return s, err
	}
	defer unlock()

	if s.Status != models.SaleInTransit {
		if o.Storage != nil && (s.Status == models.SaleInspected || s.Status == models.SaleCompleted) {
			return s, nil
		}
		return s, fmt.Errorf("%w: sale %s is %s", ErrWrongState, s.ID, s.Status)
	}
	if s.Halted || o.Halted {
		return s, fmt.Errorf("sale %s: %w", s.ID, ErrHalted)
	}
	if o.Status != models.OrderPreparing {
		m.violation(ctx, o, s, "sale in transit but order is "+string(o.Status))
		return s, fmt.Errorf("%w: sale %s in transit, order %s is %s", ErrInvariantViolation, s.ID, o.ID, o.Status)
	}

	c, err := m.Warehouse.RecordIntake(ctx, o.ID)
	if err != nil {
		m.fail(ctx, models.KindSale, s.ID, err)
		return s, fmt.Errorf("intake sale %s: %w", s.ID, err)
	}
	err = m.apply(ctx, store.Batch{
		Orders: []store.OrderTransition{{
			OrderID: o.ID, From: models.OrderPreparing, To: models.OrderInWarehouse,
			Storage: &models.WarehouseStorage{ID: "intake:" + o.ID, ConfirmationRef: c.ConfirmationRef, Location: c.Location, ReceivedAt: c.ReceivedAt},
		}},
		Sales: []store.SaleTransition{{SaleID: s.ID, From: models.SaleInTransit, To: models.SaleInspected}},
		At:    m.Now(),
	})
	if err != nil {
		return s, fmt.Errorf("failed to record intake: %w", err)
	}
	m.Log.Info("intake confirmed", zap.String("sale_id", s.ID), zap.String("order_id", o.ID), zap.String("location", c.Location))
	return m.Store.GetSale(ctx, s.ID)
}

// Cancel is the seller backing out before shipment. A captured payment is
// refunded and the buyer's bid relisted.
func (m *SaleManager) Cancel(ctx context.Context, saleID, reason string) (models.Sale, error) {
	unlock, o, s, err := m.acquireBySale(ctx, saleID)
	if err != nil {
		return s, err
	}
	defer unlock()

	if s.Status == models.SaleCancelled {
		return s, nil
	}
	if s.Status != models.SalePendingShipment {
		return s, fmt.Errorf("%w: sale %s is %s", ErrCancelNotAllowed, s.ID, s.Status)
	}
	if reason == "" {
		reason = "cancelled by seller"
	}
	if err := m.unwind(ctx, o, s, reason, models.SideBuy); err != nil {
		return s, err
	}
	return m.Store.GetSale(ctx, s.ID)
}

// Expire cancels a sale that missed its shipment or receipt window. The
// seller is at fault, so the buyer's bid is relisted.
func (m *SaleManager) Expire(ctx context.Context, saleID string) (bool, error) {
	unlock, o, s, err := m.acquireBySale(ctx, saleID)
	if err != nil {
		return false, err
	}
	defer unlock()

	if s.Halted {
		return false, nil
	}
	now := m.Now()
	var reason string
	switch {
	case s.Status == models.SalePendingShipment && !s.ShipBy.IsZero() && now.After(s.ShipBy):
		reason = "shipment window expired"
	case s.Status == models.SaleInTransit && !s.ReceiveBy.IsZero() && now.After(s.ReceiveBy):
		reason = "receipt window expired"
	default:
		return false, nil
	}
	if err := m.unwind(ctx, o, s, reason, models.SideBuy); err != nil {
		return false, err
	}
	return true, nil
}
