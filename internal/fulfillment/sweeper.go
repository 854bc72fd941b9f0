package fulfillment

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically cancels orders and sales whose SLA windows lapsed.
type Sweeper struct {
	orders   *OrderManager
	sales    *SaleManager
	interval time.Duration
}

func NewSweeper(orders *OrderManager, sales *SaleManager, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{orders: orders, sales: sales, interval: interval}
}

// Run sweeps on every tick until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.orders.Log.Error("sla sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one pass and returns how many matches it unwound. A failure
// on one entity is logged and does not stop the pass.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := w.orders.Now()
	log := w.orders.Log
	n := 0

	orders, err := w.orders.Store.ExpiredOrders(ctx, now)
	if err != nil {
		return n, err
	}
	for _, o := range orders {
		ok, err := w.orders.Expire(ctx, o.ID)
		if err != nil {
			log.Warn("failed to expire order", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}

	sales, err := w.sales.Store.ExpiredSales(ctx, now)
	if err != nil {
		return n, err
	}
	for _, s := range sales {
		ok, err := w.sales.Expire(ctx, s.ID)
		if err != nil {
			log.Warn("failed to expire sale", zap.String("sale_id", s.ID), zap.Error(err))
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		log.Info("sla sweep", zap.Int("unwound", n))
	}
	return n, nil
}
