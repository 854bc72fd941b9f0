package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/resale/internal/keylock"
	"github.com/xtrntr/resale/internal/models"
	"github.com/xtrntr/resale/internal/store"
)

var (
	ErrInvalidVariant     = errors.New("invalid variant")
	ErrInvalidPrice       = errors.New("price must be positive, in whole cents and below 10^16")
	ErrInvalidSide        = errors.New("side must be BUY or SELL")
	ErrInvalidBidder      = errors.New("bidder required")
	ErrMatchingConflict   = errors.New("matching conflict, retry later")
	ErrBidNotCancellable  = errors.New("bid is not pending")
	ErrNotOwner           = errors.New("bid not owned by bidder")
	ErrInvariantViolation = errors.New("matching invariant violated")
)

// Config tunes the matching engine
type Config struct {
	MaxAttempts   int           // commit attempts before ErrMatchingConflict
	PaymentWindow time.Duration // buyer must pay within this window of the match
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, PaymentWindow: 24 * time.Hour}
}

// BidRequest is a buyer or seller submitting a bid
type BidRequest struct {
	Side         models.Side
	VariantID    string
	BidderID     string
	Price        decimal.Decimal
	RelistedFrom string
}

// BidResult reports what happened to a submitted bid
type BidResult struct {
	BidID        string           `json:"bid_id"`
	Status       models.BidStatus `json:"status"`
	Matched      bool             `json:"matched"`
	CounterBidID string           `json:"counter_bid_id,omitempty"`
	OrderID      string           `json:"order_id,omitempty"`
	SaleID       string           `json:"sale_id,omitempty"`
	Price        decimal.Decimal  `json:"price"` // execution price when matched
}

// Option configures an Exchange
type Option func(*Exchange)

// WithClock replaces time.Now, used by tests
func WithClock(now func() time.Time) Option {
	return func(e *Exchange) { e.now = now }
}

// Exchange manages the per-variant books and the matching engine
type Exchange struct {
	store store.Store
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
	locks *keylock.Locker

	mu    sync.Mutex
	books map[string]*book
}

// NewExchange creates a new matching engine over a ledger
func NewExchange(st store.Store, cfg Config, log *zap.Logger, opts ...Option) *Exchange {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Exchange{
		store: st,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		locks: keylock.New(),
		books: make(map[string]*book),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// maxPrice is the first value the ledger's NUMERIC(18,2) cannot hold
var maxPrice = decimal.New(1, 16)

// validPrice accepts positive prices the ledger stores without rounding
func validPrice(p decimal.Decimal) bool {
	return p.IsPositive() && p.Equal(p.Round(2)) && p.LessThan(maxPrice)
}

// SubmitBid validates a bid, then matches it against the best resting
// counter-bid of its variant or rests it as PENDING.
func (e *Exchange) SubmitBid(ctx context.Context, req BidRequest) (BidResult, error) {
	if !req.Side.Valid() {
		return BidResult{}, ErrInvalidSide
	}
	if !validPrice(req.Price) {
		return BidResult{}, fmt.Errorf("%w: %s", ErrInvalidPrice, req.Price)
	}
	if req.BidderID == "" {
		return BidResult{}, ErrInvalidBidder
	}
	v, err := e.store.GetVariant(ctx, req.VariantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return BidResult{}, fmt.Errorf("%w: %s not found", ErrInvalidVariant, req.VariantID)
		}
		return BidResult{}, fmt.Errorf("failed to load variant: %w", err)
	}
	if !v.Sellable {
		return BidResult{}, fmt.Errorf("%w: %s not sellable", ErrInvalidVariant, req.VariantID)
	}

	bid := models.Bid{
		ID:           uuid.NewString(),
		Side:         req.Side,
		VariantID:    req.VariantID,
		BidderID:     req.BidderID,
		Price:        req.Price,
		Status:       models.BidPending,
		RelistedFrom: req.RelistedFrom,
	}
	return e.place(ctx, bid)
}

// Relist puts the owner of a released match back on the book at the same price.
func (e *Exchange) Relist(ctx context.Context, original models.Bid) (BidResult, error) {
	if original.Status != models.BidMatched {
		return BidResult{}, fmt.Errorf("relist bid %s in status %s: %w", original.ID, original.Status, ErrBidNotCancellable)
	}
	return e.SubmitBid(ctx, BidRequest{
		Side:         original.Side,
		VariantID:    original.VariantID,
		BidderID:     original.BidderID,
		Price:        original.Price,
		RelistedFrom: original.ID,
	})
}

func (e *Exchange) place(ctx context.Context, bid models.Bid) (BidResult, error) {
	unlock := e.locks.Lock(bid.VariantID)
	defer unlock()

	bid.CreatedAt = e.now()
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		b, err := e.bookFor(ctx, bid.VariantID)
		if err != nil {
			return BidResult{}, err
		}

		resting, ok := b.best(bid)
		if !ok {
			stored, err := e.store.InsertBid(ctx, bid)
			if errors.Is(err, store.ErrConflict) {
				// Another instance rested a crossing bid.
				e.log.Warn("book stale on insert, reloading",
					zap.String("variant_id", bid.VariantID), zap.Int("attempt", attempt), zap.Error(err))
				e.dropBook(bid.VariantID)
				continue
			}
			if err != nil {
				return BidResult{}, fmt.Errorf("failed to store bid: %w", err)
			}
			b.add(stored)
			e.log.Debug("bid resting",
				zap.String("bid_id", stored.ID),
				zap.String("variant_id", stored.VariantID),
				zap.String("side", string(stored.Side)),
				zap.String("price", stored.Price.String()))
			return BidResult{BidID: stored.ID, Status: models.BidPending}, nil
		}

		res, err := e.commit(ctx, bid, resting)
		if err == nil {
			b.remove(resting.ID)
			return res, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return BidResult{}, err
		}
		e.log.Warn("match conflict, reloading book",
			zap.String("variant_id", bid.VariantID),
			zap.String("resting_bid_id", resting.ID),
			zap.Int("attempt", attempt))
		e.dropBook(bid.VariantID)
	}
	return BidResult{}, fmt.Errorf("%w: variant %s after %d attempts", ErrMatchingConflict, bid.VariantID, e.cfg.MaxAttempts)
}

// commit turns an incoming bid and its resting counter-bid into an Order and
// a Sale. The resting bid's price is the execution price.
func (e *Exchange) commit(ctx context.Context, incoming, resting models.Bid) (BidResult, error) {
	if resting.Side != incoming.Side.Opposite() || resting.VariantID != incoming.VariantID || resting.Status != models.BidPending {
		e.log.Error("book holds an unmatchable bid",
			zap.String("incoming_bid_id", incoming.ID),
			zap.String("resting_bid_id", resting.ID),
			zap.String("resting_status", string(resting.Status)))
		return BidResult{}, fmt.Errorf("%w: resting bid %s", ErrInvariantViolation, resting.ID)
	}

	at := e.now()
	price := resting.Price
	orderID, saleID := uuid.NewString(), uuid.NewString()
	buy, sell := incoming, resting
	if incoming.Side == models.SideSell {
		buy, sell = resting, incoming
	}

	incoming.OrderID = orderID
	incoming.SaleID = saleID
	incoming.CounterBidID = resting.ID
	match := store.Match{
		Incoming:  incoming,
		RestingID: resting.ID,
		At:        at,
		Order: models.Order{
			ID:        orderID,
			BuyerID:   buy.BidderID,
			BidID:     buy.ID,
			SaleID:    saleID,
			VariantID: incoming.VariantID,
			Amount:    price,
			Status:    models.OrderPendingPayment,
			PayBy:     at.Add(e.cfg.PaymentWindow),
			CreatedAt: at,
			UpdatedAt: at,
		},
		Sale: models.Sale{
			ID:        saleID,
			SellerID:  sell.BidderID,
			BidID:     sell.ID,
			OrderID:   orderID,
			VariantID: incoming.VariantID,
			Amount:    price,
			Status:    models.SalePendingShipment,
			CreatedAt: at,
			UpdatedAt: at,
		},
	}

	stored, err := e.store.CommitMatch(ctx, match)
	if err != nil {
		return BidResult{}, fmt.Errorf("failed to commit match: %w", err)
	}
	if stored.OrderID != orderID || stored.SaleID != saleID || stored.CounterBidID != resting.ID {
		e.log.Error("match committed without linkage",
			zap.String("bid_id", stored.ID),
			zap.String("order_id", orderID),
			zap.String("sale_id", saleID))
		return BidResult{}, fmt.Errorf("%w: bid %s linkage", ErrInvariantViolation, stored.ID)
	}

	e.log.Info("bids matched",
		zap.String("variant_id", incoming.VariantID),
		zap.String("buy_bid_id", buy.ID),
		zap.String("sell_bid_id", sell.ID),
		zap.String("order_id", orderID),
		zap.String("sale_id", saleID),
		zap.String("price", price.String()))

	return BidResult{
		BidID:        stored.ID,
		Status:       models.BidMatched,
		Matched:      true,
		CounterBidID: resting.ID,
		OrderID:      orderID,
		SaleID:       saleID,
		Price:        price,
	}, nil
}

// CancelBid cancels a PENDING bid owned by bidderID. Cancelling an already
// cancelled bid is a no-op; a matched bid can only be unwound through its
// order or sale.
func (e *Exchange) CancelBid(ctx context.Context, bidID, bidderID string) (models.Bid, error) {
	bid, err := e.store.GetBid(ctx, bidID)
	if err != nil {
		return models.Bid{}, fmt.Errorf("failed to get bid: %w", err)
	}
	if bid.BidderID != bidderID {
		return models.Bid{}, ErrNotOwner
	}

	unlock := e.locks.Lock(bid.VariantID)
	defer unlock()

	cur, err := e.store.CancelBid(ctx, bidID, e.now())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			if cur.Status == models.BidCancelled {
				return cur, nil
			}
			return cur, fmt.Errorf("%w: %s is %s", ErrBidNotCancellable, bidID, cur.Status)
		}
		return models.Bid{}, fmt.Errorf("failed to cancel bid: %w", err)
	}

	e.mu.Lock()
	b, ok := e.books[bid.VariantID]
	e.mu.Unlock()
	if ok && !b.remove(bidID) {
		// Book was stale; the ledger is the source of truth.
		e.log.Warn("cancelled bid missing from book", zap.String("bid_id", bidID))
		e.dropBook(bid.VariantID)
	}
	return cur, nil
}

// Book returns the PENDING bids of a variant, best first on each side
func (e *Exchange) Book(ctx context.Context, variantID string) ([]models.Bid, []models.Bid, error) {
	unlock := e.locks.Lock(variantID)
	defer unlock()
	b, err := e.bookFor(ctx, variantID)
	if err != nil {
		return nil, nil, err
	}
	buys, sells := b.snapshot()
	return buys, sells, nil
}

// bookFor returns the variant's book, loading it from the ledger on first
// use. Caller holds the variant lock.
func (e *Exchange) bookFor(ctx context.Context, variantID string) (*book, error) {
	e.mu.Lock()
	b, ok := e.books[variantID]
	e.mu.Unlock()
	if ok {
		return b, nil
	}

	pending, err := e.store.PendingBids(ctx, variantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load book: %w", err)
	}
	b = newBook(pending)

	e.mu.Lock()
	e.books[variantID] = b
	e.mu.Unlock()
	return b, nil
}

func (e *Exchange) dropBook(variantID string) {
	e.mu.Lock()
	delete(e.books, variantID)
	e.mu.Unlock()
}
