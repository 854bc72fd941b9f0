// Package settlement is the narrow boundary to the payment, shipping,
// warehouse and payout providers. Every request carries an idempotency key;
// providers must return the original result when a key is replayed.
package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPaymentDeclined        = errors.New("payment declined")
	ErrPaymentGateway         = errors.New("payment gateway error")
	ErrRefundFailed           = errors.New("refund failed")
	ErrShipmentCreationFailed = errors.New("shipment creation failed")
	ErrIntakeMismatch         = errors.New("warehouse intake mismatch")
	ErrPayoutFailed           = errors.New("payout failed")
	ErrReversalFailed         = errors.New("payout reversal failed")
)

type CaptureRequest struct {
	OrderID        string
	Amount         decimal.Decimal
	PayerRef       string
	IdempotencyKey string
}

type CaptureResult struct {
	Success        bool
	TransactionRef string
	CapturedAt     time.Time
}

// RefundRequest reverses the capture made under CaptureKey. TransactionRef
// is set when the ledger recorded the capture and empty when it did not.
type RefundRequest struct {
	OrderID        string
	CaptureKey     string
	TransactionRef string
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
}

// RefundResult reports Refunded false when nothing was captured under the
// request's CaptureKey.
type RefundResult struct {
	Refunded   bool
	RefundRef  string
	RefundedAt time.Time
}

// PaymentGateway captures buyer payments and refunds them. A capture that
// executed but was never recorded can still be refunded by its key.
type PaymentGateway interface {
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}

// ReceiverInfo is where the warehouse delivers to the buyer
type ReceiverInfo struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

type ShipmentHandle struct {
	ShipmentID  string
	Carrier     string
	TrackingRef string
	CreatedAt   time.Time
}

// ShipmentService registers seller shipments to the warehouse (outbound
// from the seller) and warehouse deliveries to the buyer (inbound to them).
type ShipmentService interface {
	CreateOutboundShipment(ctx context.Context, saleID, carrier, trackingRef string) (ShipmentHandle, error)
	CreateInboundShipment(ctx context.Context, orderID string, receiver ReceiverInfo) (ShipmentHandle, error)
}

type IntakeConfirmation struct {
	ConfirmationRef string
	Location        string
	ReceivedAt      time.Time
}

// Warehouse confirms that the item behind an order was received and verified
type Warehouse interface {
	RecordIntake(ctx context.Context, orderID string) (IntakeConfirmation, error)
}

type PayoutRequest struct {
	SaleID         string
	PayeeRef       string
	Amount         decimal.Decimal
	IdempotencyKey string
}

type PayoutResult struct {
	PayoutRef string
	PaidAt    time.Time
}

// ReversalRequest claws back the payout made under PayoutKey
type ReversalRequest struct {
	SaleID         string
	PayoutKey      string
	Reason         string
	IdempotencyKey string
}

// ReversalResult reports Reversed false when nothing was paid under the
// request's PayoutKey.
type ReversalResult struct {
	Reversed    bool
	ReversalRef string
	ReversedAt  time.Time
}

// PayoutService settles the seller once the buyer side completes
type PayoutService interface {
	Payout(ctx context.Context, req PayoutRequest) (PayoutResult, error)
	ReversePayout(ctx context.Context, req ReversalRequest) (ReversalResult, error)
}
