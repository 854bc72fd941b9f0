package models

type OrderStatus string

const (
	OrderPendingPayment   OrderStatus = "PENDING_PAYMENT"
	OrderPaymentCompleted OrderStatus = "PAYMENT_COMPLETED"
	OrderPreparing        OrderStatus = "PREPARING"
	OrderInWarehouse      OrderStatus = "IN_WAREHOUSE"
	OrderCompleted        OrderStatus = "COMPLETED"
	OrderCancelled        OrderStatus = "CANCELLED"
)

var orderNext = map[OrderStatus]map[OrderStatus]bool{
	OrderPendingPayment:   {OrderPaymentCompleted: true, OrderCancelled: true},
	OrderPaymentCompleted: {OrderPreparing: true, OrderCancelled: true},
	OrderPreparing:        {OrderInWarehouse: true, OrderCancelled: true},
	OrderInWarehouse:      {OrderCompleted: true, OrderCancelled: true},
	OrderCompleted:        {},
	OrderCancelled:        {},
}

// CanTransition reports whether an order may move from s to next.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	return orderNext[s][next]
}

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// Captured reports whether a payment exists in this state.
func (s OrderStatus) Captured() bool {
	switch s {
	case OrderPaymentCompleted, OrderPreparing, OrderInWarehouse, OrderCompleted:
		return true
	}
	return false
}

type SaleStatus string

const (
	SalePendingShipment SaleStatus = "PENDING_SHIPMENT"
	SaleInTransit       SaleStatus = "IN_TRANSIT"
	SaleInspected       SaleStatus = "INSPECTED"
	SaleCompleted       SaleStatus = "COMPLETED"
	SaleCancelled       SaleStatus = "CANCELLED"
)

var saleNext = map[SaleStatus]map[SaleStatus]bool{
	SalePendingShipment: {SaleInTransit: true, SaleCancelled: true},
	SaleInTransit:       {SaleInspected: true, SaleCancelled: true},
	SaleInspected:       {SaleCompleted: true, SaleCancelled: true},
	SaleCompleted:       {},
	SaleCancelled:       {},
}

// CanTransition reports whether a sale may move from s to next.
func (s SaleStatus) CanTransition(next SaleStatus) bool {
	return saleNext[s][next]
}

func (s SaleStatus) Terminal() bool {
	return s == SaleCompleted || s == SaleCancelled
}
