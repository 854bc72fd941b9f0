package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/resale/internal/models"
	"github.com/xtrntr/resale/internal/store"
)

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestExchange(t *testing.T) (*Exchange, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, st.CreateVariant(ctx, models.Variant{ID: "V1", ProductID: "jordan-1", Size: "270", Color: "black", Sellable: true}))
	require.NoError(t, st.CreateVariant(ctx, models.Variant{ID: "V2", ProductID: "jordan-1", Size: "280", Color: "black", Sellable: true}))
	require.NoError(t, st.CreateVariant(ctx, models.Variant{ID: "RETIRED", ProductID: "jordan-1", Size: "290", Color: "red", Sellable: false}))
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewExchange(st, DefaultConfig(), nil, WithClock(clock.Now)), st
}

func bid(side models.Side, variant, bidder string, price int64) BidRequest {
	return BidRequest{Side: side, VariantID: variant, BidderID: bidder, Price: decimal.NewFromInt(price)}
}

func pricedBid(side models.Side, bidder, price string) BidRequest {
	return BidRequest{Side: side, VariantID: "V1", BidderID: bidder, Price: decimal.RequireFromString(price)}
}

func TestExchange_SubmitBidValidation(t *testing.T) {
	ex, st := newTestExchange(t)
	ctx := context.Background()

	tests := []struct {
		name      string
		req       BidRequest
		expectErr error
	}{
		{name: "ZeroPrice", req: bid(models.SideBuy, "V1", "alice", 0), expectErr: ErrInvalidPrice},
		{name: "NegativePrice", req: bid(models.SideSell, "V1", "alice", -5), expectErr: ErrInvalidPrice},
		{name: "SubCentPrice", req: pricedBid(models.SideBuy, "alice", "0.001"), expectErr: ErrInvalidPrice},
		{name: "FractionalCentPrice", req: pricedBid(models.SideSell, "alice", "100.005"), expectErr: ErrInvalidPrice},
		{name: "PriceTooLarge", req: pricedBid(models.SideSell, "alice", "10000000000000000"), expectErr: ErrInvalidPrice},
		{name: "UnknownSide", req: bid("HOLD", "V1", "alice", 100), expectErr: ErrInvalidSide},
		{name: "UnknownVariant", req: bid(models.SideBuy, "V404", "alice", 100), expectErr: ErrInvalidVariant},
		{name: "UnsellableVariant", req: bid(models.SideBuy, "RETIRED", "alice", 100), expectErr: ErrInvalidVariant},
		{name: "MissingBidder", req: bid(models.SideBuy, "V1", "", 100), expectErr: ErrInvalidBidder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ex.SubmitBid(ctx, tt.req)
			assert.ErrorIs(t, err, tt.expectErr)
		})
	}

	for _, v := range []string{"V1", "V404", "RETIRED"} {
		pending, err := st.PendingBids(ctx, v)
		require.NoError(t, err)
		assert.Empty(t, pending, "rejected bids must not be persisted")
	}
}

func TestExchange_AcceptsWholeCentPrices(t *testing.T) {
	ex, _ := newTestExchange(t)
	ctx := context.Background()

	for _, price := range []string{"0.01", "249.99", "100.500", "9999999999999999.99"} {
		_, err := ex.SubmitBid(ctx, pricedBid(models.SideSell, "bob", price))
		assert.NoError(t, err, price)
	}
}

func TestExchange_PriceTimePriority(t *testing.T) {
	ex, _ := newTestExchange(t)
	ctx := context.Background()

	first, err := ex.SubmitBid(ctx, bid(models.SideSell, "V1", "seller-a", 100))
	require.NoError(t, err)
	_, err = ex.SubmitBid(ctx, bid(models.SideSell, "V1", "seller-b", 105))
	require.NoError(t, err)

	res, err := ex.SubmitBid(ctx, bid(models.SideBuy, "V1", "buyer", 110))
	require.NoError(t, err)

	assert.True(t, res.Matched)
	assert.Equal(t, first.BidID, res.CounterBidID)
	assert.True(t, decimal.NewFromInt(100).Equal(res.Price), "executes at the resting price, got %s", res.Price)

	_, sells, err := ex.Book(ctx, "V1")
	require.NoError(t, err)
	require.Len(t, sells, 1)
	assert.True(t, decimal.NewFromInt(105).Equal(sells[0].Price))
}

func TestExchange_FIFOAmongEqualPrices(t *testing.T) {
	ex, _ := newTestExchange(t)
	ctx := context.Background()

	var ids []string
	for _, buyer := range []string{"b1", "b2", "b3"} {
		res, err := ex.SubmitBid(ctx, bid(models.SideBuy, "V1", buyer, 200))
		require.NoError(t, err)
		ids = append(ids, res.BidID)
	}

	for i := range ids {
		res, err := ex.SubmitBid(ctx, bid(models.SideSell, "V1", "seller", 150))
		require.NoError(t, err)
		assert.True(t, res.Matched)
		assert.Equal(t, ids[i], res.CounterBidID, "match %d out of FIFO order", i)
		assert.True(t, decimal.NewFromInt(200).Equal(res.Price))
	}
}

func TestExchange_IncompatiblePricesStayPending(t *testing.T) {
	ex, st := newTestExchange(t)
	ctx := context.Background()

	buy, err := ex.SubmitBid(ctx, bid(models.SideBuy, "V1", "buyer", 90))
	require.NoError(t, err)
	sell, err := ex.SubmitBid(ctx, bid(models.SideSell, "V1", "seller", 100))
	require.NoError(t, err)

	assert.False(t, buy.Matched)
	assert.False(t, sell.Matched)
	for _, id := range []string{buy.BidID, sell.BidID} {
		b, err := st.GetBid(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.BidPending, b.Status)
	}
}

func TestExchange_MatchCreatesLinkedOrderAndSale(t *testing.T) {
	tests := []struct {
		name  string
		first BidRequest
		then  BidRequest
		price int64
	}{
		{name: "BuyRestsFirst", first: bid(models.SideBuy, "V1", "buyer", 150), then: bid(models.SideSell, "V1", "seller", 140), price: 150},
		{name: "SellRestsFirst", first: bid(models.SideSell, "V1", "seller", 140), then: bid(models.SideBuy, "V1", "buyer", 150), price: 140},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, st := newTestExchange(t)
			ctx := context.Background()

			resting, err := ex.SubmitBid(ctx, tt.first)
			require.NoError(t, err)
			res, err := ex.SubmitBid(ctx, tt.then)
			require.NoError(t, err)
			require.True(t, res.Matched)

			order, err := st.GetOrder(ctx, res.OrderID)
			require.NoError(t, err)
			sale, err := st.GetSale(ctx, res.SaleID)
			require.NoError(t, err)

			assert.Equal(t, models.OrderPendingPayment, order.Status)
			assert.Equal(t, models.SalePendingShipment, sale.Status)
			assert.Equal(t, "buyer", order.BuyerID)
			assert.Equal(t, "seller", sale.SellerID)
			assert.Equal(t, sale.ID, order.SaleID)
			assert.Equal(t, order.ID, sale.OrderID)
			assert.True(t, decimal.NewFromInt(tt.price).Equal(order.Amount))
			assert.True(t, order.Amount.Equal(sale.Amount))

			buyBid, err := st.GetBid(ctx, order.BidID)
			require.NoError(t, err)
			sellBid, err := st.GetBid(ctx, sale.BidID)
			require.NoError(t, err)
			for _, b := range []models.Bid{buyBid, sellBid} {
				assert.Equal(t, models.BidMatched, b.Status)
				assert.Equal(t, order.ID, b.OrderID)
				assert.Equal(t, sale.ID, b.SaleID)
			}
			assert.Equal(t, sellBid.ID, buyBid.CounterBidID)
			assert.Equal(t, buyBid.ID, sellBid.CounterBidID)
			assert.Contains(t, []string{buyBid.ID, sellBid.ID}, resting.BidID)
		})
	}
}

func TestExchange_ConcurrentSubmissionsNoDoubleSpend(t *testing.T) {
	ex, st := newTestExchange(t)
	ctx := context.Background()
	const n = 200

	var wg sync.WaitGroup
	results := make([]BidResult, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := bid(models.SideBuy, "V1", fmt.Sprintf("buyer-%d", i), 120)
			if i%2 == 1 {
				req = bid(models.SideSell, "V1", fmt.Sprintf("seller-%d", i), 100)
			}
			results[i], errs[i] = ex.SubmitBid(ctx, req)
		}(i)
	}
	wg.Wait()

	orders := make(map[string]bool)
	counterUse := make(map[string]int)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if results[i].Matched {
			assert.False(t, orders[results[i].OrderID], "order reported twice")
			orders[results[i].OrderID] = true
			counterUse[results[i].CounterBidID]++
		}
	}
	assert.Len(t, orders, n/2)
	for id, uses := range counterUse {
		assert.Equal(t, 1, uses, "resting bid %s matched %d times", id, uses)
	}

	pending, err := st.PendingBids(ctx, "V1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExchange_DifferentVariantsDoNotMatch(t *testing.T) {
	ex, _ := newTestExchange(t)
	ctx := context.Background()

	_, err := ex.SubmitBid(ctx, bid(models.SideSell, "V1", "seller", 100))
	require.NoError(t, err)
	res, err := ex.SubmitBid(ctx, bid(models.SideBuy, "V2", "buyer", 200))
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestExchange_CancelBid(t *testing.T) {
	ex, _ := newTestExchange(t)
	ctx := context.Background()

	pending, err := ex.SubmitBid(ctx, bid(models.SideBuy, "V1", "alice", 100))
	require.NoError(t, err)
	resting, err := ex.SubmitBid(ctx, bid(models.SideSell, "V1", "bob", 300))
	require.NoError(t, err)
	matched, err := ex.SubmitBid(ctx, bid(models.SideBuy, "V1", "carol", 300))
	require.NoError(t, err)
	require.True(t, matched.Matched)

	tests := []struct {
		name      string
		bidID     string
		bidderID  string
		expectErr error
	}{
		{name: "NotOwner", bidID: pending.BidID, bidderID: "mallory", expectErr: ErrNotOwner},
		{name: "Pending", bidID: pending.BidID, bidderID: "alice"},
		{name: "AlreadyCancelled", bidID: pending.BidID, bidderID: "alice"},
		{name: "Matched", bidID: resting.BidID, bidderID: "bob", expectErr: ErrBidNotCancellable},
		{name: "Unknown", bidID: "nope", bidderID: "alice", expectErr: store.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ex.CancelBid(ctx, tt.bidID, tt.bidderID)
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				return
			}
			assert.NoError(t, err)
		})
	}

	buys, _, err := ex.Book(ctx, "V1")
	require.NoError(t, err)
	assert.Empty(t, buys)

	// A cancelled bid no longer matches.
	res, err := ex.SubmitBid(ctx, bid(models.SideSell, "V1", "dave", 50))
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestExchange_CancelRacesMatch(t *testing.T) {
	for i := 0; i < 50; i++ {
		ex, st := newTestExchange(t)
		ctx := context.Background()

		resting, err := ex.SubmitBid(ctx, bid(models.SideSell, "V1", "seller", 100))
		require.NoError(t, err)

		var wg sync.WaitGroup
		var cancelErr error
		var res BidResult
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = ex.CancelBid(ctx, resting.BidID, "seller")
		}()
		go func() {
			defer wg.Done()
			res, _ = ex.SubmitBid(ctx, bid(models.SideBuy, "V1", "buyer", 100))
		}()
		wg.Wait()

		b, err := st.GetBid(ctx, resting.BidID)
		require.NoError(t, err)
		if res.Matched {
			assert.Equal(t, models.BidMatched, b.Status)
			assert.ErrorIs(t, cancelErr, ErrBidNotCancellable)
		} else {
			assert.Equal(t, models.BidCancelled, b.Status)
			assert.NoError(t, cancelErr)
		}
	}
}

// conflictStore fails the first n commits as if another instance had
// matched the resting bid first.
type conflictStore struct {
	*store.Memory
	mu        sync.Mutex
	conflicts int
}

func (c *conflictStore) CommitMatch(ctx context.Context, m store.Match) (models.Bid, error) {
	c.mu.Lock()
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return models.Bid{}, fmt.Errorf("simulated: %w", store.ErrConflict)
	}
	c.mu.Unlock()
	return c.Memory.CommitMatch(ctx, m)
}

func TestExchange_ConflictRetry(t *testing.T) {
	tests := []struct {
		name      string
		conflicts int
		expectErr error
	}{
		{name: "RecoversWithinBudget", conflicts: 2},
		{name: "ExhaustsBudget", conflicts: 5, expectErr: ErrMatchingConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			ctx := context.Background()
			require.NoError(t, mem.CreateVariant(ctx, models.Variant{ID: "V1", Sellable: true}))
			st := &conflictStore{Memory: mem, conflicts: tt.conflicts}
			ex := NewExchange(st, DefaultConfig(), nil)

			_, err := ex.SubmitBid(ctx, bid(models.SideSell, "V1", "seller", 100))
			require.NoError(t, err)
			res, err := ex.SubmitBid(ctx, bid(models.SideBuy, "V1", "buyer", 100))
			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				assert.True(t, errors.Is(err, ErrMatchingConflict))
				return
			}
			require.NoError(t, err)
			assert.True(t, res.Matched)
		})
	}
}

func TestExchange_StaleBookAcrossInstances(t *testing.T) {
	first, st := newTestExchange(t)
	second := NewExchange(st, DefaultConfig(), nil)
	ctx := context.Background()

	// first caches an empty book, then second rests a sell it never sees.
	buys, sells, err := first.Book(ctx, "V1")
	require.NoError(t, err)
	require.Empty(t, buys)
	require.Empty(t, sells)
	sell, err := second.SubmitBid(ctx, bid(models.SideSell, "V1", "seller", 100))
	require.NoError(t, err)

	res, err := first.SubmitBid(ctx, bid(models.SideBuy, "V1", "buyer", 120))
	require.NoError(t, err)
	assert.True(t, res.Matched, "crossing bid must not rest beside its counter")
	assert.Equal(t, sell.BidID, res.CounterBidID)
	assert.True(t, res.Price.Equal(decimal.NewFromInt(100)))

	pending, err := st.PendingBids(ctx, "V1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestExchange_Relist(t *testing.T) {
	ex, st := newTestExchange(t)
	ctx := context.Background()

	_, err := ex.SubmitBid(ctx, bid(models.SideSell, "V1", "seller", 100))
	require.NoError(t, err)
	res, err := ex.SubmitBid(ctx, bid(models.SideBuy, "V1", "buyer", 100))
	require.NoError(t, err)

	buyBid, err := st.GetBid(ctx, res.BidID)
	require.NoError(t, err)

	relisted, err := ex.Relist(ctx, buyBid)
	require.NoError(t, err)
	assert.False(t, relisted.Matched)

	b, err := st.GetBid(ctx, relisted.BidID)
	require.NoError(t, err)
	assert.Equal(t, buyBid.ID, b.RelistedFrom)
	assert.Equal(t, models.BidPending, b.Status)
	assert.True(t, buyBid.Price.Equal(b.Price))

	_, err = ex.Relist(ctx, b)
	assert.ErrorIs(t, err, ErrBidNotCancellable)
}
