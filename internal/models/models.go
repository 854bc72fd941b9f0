package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a registered buyer or seller
type User struct {
	ID           string
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Variant is a sellable size/color variant of a product. Bids reference it by ID.
type Variant struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Size      string    `json:"size"`
	Color     string    `json:"color"`
	Sellable  bool      `json:"sellable"`
	CreatedAt time.Time `json:"created_at"`
}

// Side of a bid: BUY bids are order bids, SELL bids are sale bids.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the side a bid on s matches against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type BidStatus string

const (
	BidPending   BidStatus = "PENDING"
	BidMatched   BidStatus = "MATCHED"
	BidCancelled BidStatus = "CANCELLED"
)

// Bid is a standing offer to buy or sell one unit of a variant
type Bid struct {
	ID           string          `json:"id"`
	Side         Side            `json:"side"`
	VariantID    string          `json:"variant_id"`
	BidderID     string          `json:"bidder_id"`
	Price        decimal.Decimal `json:"price"`
	Status       BidStatus       `json:"status"`
	Seq          int64           `json:"seq"`        // Ledger sequence, FIFO tie-break
	CreatedAt    time.Time       `json:"created_at"` // Used for time priority
	OrderID      string          `json:"order_id,omitempty"`
	SaleID       string          `json:"sale_id,omitempty"`
	CounterBidID string          `json:"counter_bid_id,omitempty"`
	RelistedFrom string          `json:"relisted_from,omitempty"`
}

// Ahead reports whether b has priority over o on the same side of a book:
// better price first, then earlier creation, then lower sequence.
func (b Bid) Ahead(o Bid) bool {
	if !b.Price.Equal(o.Price) {
		if b.Side == SideBuy {
			return b.Price.GreaterThan(o.Price)
		}
		return b.Price.LessThan(o.Price)
	}
	if !b.CreatedAt.Equal(o.CreatedAt) {
		return b.CreatedAt.Before(o.CreatedAt)
	}
	return b.Seq < o.Seq
}

// Crosses reports whether b and a resting counter bid agree on price.
func (b Bid) Crosses(resting Bid) bool {
	if b.Side == SideBuy {
		return resting.Price.LessThanOrEqual(b.Price)
	}
	return resting.Price.GreaterThanOrEqual(b.Price)
}

// Payment is a captured buyer payment
type Payment struct {
	ID             string          `json:"id"`
	TransactionRef string          `json:"transaction_ref"`
	Amount         decimal.Decimal `json:"amount"`
	CapturedAt     time.Time       `json:"captured_at"`
}

// Refund compensates a captured payment
type Refund struct {
	ID         string          `json:"id"`
	RefundRef  string          `json:"refund_ref"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	RefundedAt time.Time       `json:"refunded_at"`
}

// Shipment is a carrier shipment, seller to warehouse or warehouse to buyer
type Shipment struct {
	ID          string    `json:"id"`
	Carrier     string    `json:"carrier"`
	TrackingRef string    `json:"tracking_ref"`
	CreatedAt   time.Time `json:"created_at"`
}

// WarehouseStorage records the warehouse intake of the item behind an order
type WarehouseStorage struct {
	ID              string    `json:"id"`
	ConfirmationRef string    `json:"confirmation_ref"`
	Location        string    `json:"location"`
	ReceivedAt      time.Time `json:"received_at"`
}

// Payout is the seller's settlement
type Payout struct {
	ID        string          `json:"id"`
	PayoutRef string          `json:"payout_ref"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    time.Time       `json:"paid_at"`
}

// Order is the buyer side of a match
type Order struct {
	ID            string            `json:"id"`
	BuyerID       string            `json:"buyer_id"`
	BidID         string            `json:"bid_id"`
	SaleID        string            `json:"sale_id"`
	VariantID     string            `json:"variant_id"`
	Amount        decimal.Decimal   `json:"amount"`
	Status        OrderStatus       `json:"status"`
	Payment       *Payment          `json:"payment,omitempty"`
	Shipment      *Shipment         `json:"shipment,omitempty"`
	Storage       *WarehouseStorage `json:"storage,omitempty"`
	Refund        *Refund           `json:"refund,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	FailureCount  int               `json:"failure_count"`
	Halted        bool              `json:"halted"`
	PayBy         time.Time         `json:"pay_by"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Sale is the seller side of a match
type Sale struct {
	ID            string          `json:"id"`
	SellerID      string          `json:"seller_id"`
	BidID         string          `json:"bid_id"`
	OrderID       string          `json:"order_id"`
	VariantID     string          `json:"variant_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        SaleStatus      `json:"status"`
	Shipment      *Shipment       `json:"shipment,omitempty"`
	Payout        *Payout         `json:"payout,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	FailureCount  int             `json:"failure_count"`
	Halted        bool            `json:"halted"`
	ShipBy        time.Time       `json:"ship_by"`
	ReceiveBy     time.Time       `json:"receive_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Kind names the aggregate a transition or event belongs to
type Kind string

const (
	KindBid   Kind = "bid"
	KindOrder Kind = "order"
	KindSale  Kind = "sale"
)

// Event is an outbox record emitted once per state transition
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	AggregateKind Kind      `json:"aggregate_kind"`
	AggregateID   string    `json:"aggregate_id"`
	From          string    `json:"from,omitempty"`
	To            string    `json:"to"`
	OccurredAt    time.Time `json:"occurred_at"`
	Payload       []byte    `json:"payload,omitempty"`
}
