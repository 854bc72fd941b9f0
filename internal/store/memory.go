package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xtrntr/resale/internal/models"
)

// Memory is an in-process Store. Each entity type lives in its own arena
// keyed by ID; entities refer to each other only through IDs.
type Memory struct {
	mu          sync.Mutex
	seq         int64
	users       map[string]*models.User // by username
	variants    map[string]models.Variant
	bids        map[string]models.Bid
	orders      map[string]models.Order
	sales       map[string]models.Sale
	transitions map[string]time.Time
	outbox      []models.Event
	dispatched  map[string]bool
}

// NewMemory creates an empty in-memory ledger
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]*models.User),
		variants:    make(map[string]models.Variant),
		bids:        make(map[string]models.Bid),
		orders:      make(map[string]models.Order),
		sales:       make(map[string]models.Sale),
		transitions: make(map[string]time.Time),
		dispatched:  make(map[string]bool),
	}
}

func (m *Memory) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return nil, fmt.Errorf("user %q: %w", username, ErrDuplicate)
	}
	u := &models.User{ID: uuid.NewString(), Username: username, PasswordHash: passwordHash, CreatedAt: time.Now()}
	m.users[username] = u
	cp := *u
	return &cp, nil
}

func (m *Memory) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) CreateVariant(ctx context.Context, v models.Variant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.variants[v.ID]; ok {
		return fmt.Errorf("variant %s: %w", v.ID, ErrDuplicate)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	m.variants[v.ID] = v
	return nil
}

func (m *Memory) GetVariant(ctx context.Context, id string) (models.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.variants[id]
	if !ok {
		return models.Variant{}, fmt.Errorf("variant %s: %w", id, ErrNotFound)
	}
	return v, nil
}

func (m *Memory) ListVariants(ctx context.Context) ([]models.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Variant, 0, len(m.variants))
	for _, v := range m.variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PendingBids(ctx context.Context, variantID string) ([]models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Bid
	for _, b := range m.bids {
		if b.VariantID == variantID && b.Status == models.BidPending {
			out = append(out, b)
		}
	}
	sortBySeq(out)
	return out, nil
}

func (m *Memory) InsertBid(ctx context.Context, bid models.Bid) (models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bids[bid.ID]; ok {
		return models.Bid{}, fmt.Errorf("bid %s: %w", bid.ID, ErrDuplicate)
	}
	for _, b := range m.bids {
		if b.VariantID == bid.VariantID && b.Status == models.BidPending && b.Side == bid.Side.Opposite() && bid.Crosses(b) {
			return models.Bid{}, fmt.Errorf("bid %s crosses pending bid %s: %w", bid.ID, b.ID, ErrConflict)
		}
	}
	m.seq++
	bid.Seq = m.seq
	bid.Status = models.BidPending
	m.bids[bid.ID] = bid
	m.outbox = append(m.outbox, NewEvent(models.KindBid, bid.ID, "", string(models.BidPending), bid.CreatedAt, bid))
	return bid, nil
}

func (m *Memory) GetBid(ctx context.Context, id string) (models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return models.Bid{}, fmt.Errorf("bid %s: %w", id, ErrNotFound)
	}
	return b, nil
}

func (m *Memory) ListBidsByBidder(ctx context.Context, bidderID string) ([]models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Bid
	for _, b := range m.bids {
		if b.BidderID == bidderID {
			out = append(out, b)
		}
	}
	sortBySeq(out)
	return out, nil
}

func (m *Memory) CancelBid(ctx context.Context, id string, at time.Time) (models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return models.Bid{}, fmt.Errorf("bid %s: %w", id, ErrNotFound)
	}
	if b.Status != models.BidPending {
		return b, fmt.Errorf("bid %s is %s: %w", id, b.Status, ErrConflict)
	}
	b.Status = models.BidCancelled
	m.bids[id] = b
	m.outbox = append(m.outbox, NewEvent(models.KindBid, id, string(models.BidPending), string(models.BidCancelled), at, b))
	return b, nil
}

func (m *Memory) CommitMatch(ctx context.Context, mt Match) (models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resting, ok := m.bids[mt.RestingID]
	if !ok {
		return models.Bid{}, fmt.Errorf("resting bid %s: %w", mt.RestingID, ErrNotFound)
	}
	if resting.Status != models.BidPending {
		return models.Bid{}, fmt.Errorf("resting bid %s is %s: %w", resting.ID, resting.Status, ErrConflict)
	}
	if _, ok := m.bids[mt.Incoming.ID]; ok {
		return models.Bid{}, fmt.Errorf("bid %s: %w", mt.Incoming.ID, ErrDuplicate)
	}
	if _, ok := m.orders[mt.Order.ID]; ok {
		return models.Bid{}, fmt.Errorf("order %s: %w", mt.Order.ID, ErrDuplicate)
	}
	if _, ok := m.sales[mt.Sale.ID]; ok {
		return models.Bid{}, fmt.Errorf("sale %s: %w", mt.Sale.ID, ErrDuplicate)
	}

	m.seq++
	incoming := mt.Incoming
	incoming.Seq = m.seq
	incoming.Status = models.BidMatched

	resting.Status = models.BidMatched
	resting.CounterBidID = incoming.ID
	resting.OrderID, resting.SaleID = mt.Order.ID, mt.Sale.ID

	m.bids[incoming.ID] = incoming
	m.bids[resting.ID] = resting
	m.orders[mt.Order.ID] = mt.Order
	m.sales[mt.Sale.ID] = mt.Sale
	m.transitions[TransitionKey(models.KindOrder, mt.Order.ID, string(mt.Order.Status))] = mt.At
	m.transitions[TransitionKey(models.KindSale, mt.Sale.ID, string(mt.Sale.Status))] = mt.At
	m.outbox = append(m.outbox,
		NewEvent(models.KindBid, resting.ID, string(models.BidPending), string(models.BidMatched), mt.At, resting),
		NewEvent(models.KindBid, incoming.ID, "", string(models.BidMatched), mt.At, incoming),
		NewEvent(models.KindOrder, mt.Order.ID, "", string(mt.Order.Status), mt.At, mt.Order),
		NewEvent(models.KindSale, mt.Sale.ID, "", string(mt.Sale.Status), mt.At, mt.Sale),
	)
	return incoming, nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return models.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o, nil
}

func (m *Memory) GetSale(ctx context.Context, id string) (models.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sales[id]
	if !ok {
		return models.Sale{}, fmt.Errorf("sale %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *Memory) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.BuyerID == buyerID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListSalesBySeller(ctx context.Context, sellerID string) ([]models.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sale
	for _, s := range m.sales {
		if s.SellerID == sellerID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ApplyTransitions(ctx context.Context, b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make(map[string]models.Order)
	sales := make(map[string]models.Sale)
	var keys []string
	var events []models.Event

	for _, t := range b.Orders {
		key := TransitionKey(models.KindOrder, t.OrderID, string(t.To))
		if _, done := m.transitions[key]; done {
			return fmt.Errorf("%s: %w", key, ErrAlreadyApplied)
		}
		o, ok := orders[t.OrderID]
		if !ok {
			if o, ok = m.orders[t.OrderID]; !ok {
				return fmt.Errorf("order %s: %w", t.OrderID, ErrNotFound)
			}
		}
		next, err := ApplyOrder(o, t, b.At)
		if err != nil {
			return err
		}
		orders[next.ID] = next
		keys = append(keys, key)
		events = append(events, NewEvent(models.KindOrder, next.ID, string(t.From), string(t.To), b.At, next))
	}
	for _, t := range b.Sales {
		key := TransitionKey(models.KindSale, t.SaleID, string(t.To))
		if _, done := m.transitions[key]; done {
			return fmt.Errorf("%s: %w", key, ErrAlreadyApplied)
		}
		s, ok := sales[t.SaleID]
		if !ok {
			if s, ok = m.sales[t.SaleID]; !ok {
				return fmt.Errorf("sale %s: %w", t.SaleID, ErrNotFound)
			}
		}
		next, err := ApplySale(s, t, b.At)
		if err != nil {
			return err
		}
		sales[next.ID] = next
		keys = append(keys, key)
		events = append(events, NewEvent(models.KindSale, next.ID, string(t.From), string(t.To), b.At, next))
	}
	bids := make(map[string]models.Bid)
	for _, t := range b.Bids {
		key := TransitionKey(models.KindBid, t.BidID, string(t.To))
		if _, done := m.transitions[key]; done {
			return fmt.Errorf("%s: %w", key, ErrAlreadyApplied)
		}
		cur, ok := m.bids[t.BidID]
		if !ok {
			return fmt.Errorf("bid %s: %w", t.BidID, ErrNotFound)
		}
		next, err := ApplyBid(cur, t)
		if err != nil {
			return err
		}
		bids[next.ID] = next
		keys = append(keys, key)
		events = append(events, NewEvent(models.KindBid, next.ID, string(t.From), string(t.To), b.At, next))
	}
	for _, d := range b.Deadlines {
		s, ok := sales[d.SaleID]
		if !ok {
			if s, ok = m.sales[d.SaleID]; !ok {
				return fmt.Errorf("sale %s: %w", d.SaleID, ErrNotFound)
			}
		}
		s.ShipBy = d.ShipBy
		sales[s.ID] = s
	}

	for id, o := range orders {
		m.orders[id] = o
	}
	for id, s := range sales {
		m.sales[id] = s
	}
	for id, bid := range bids {
		m.bids[id] = bid
	}
	for _, k := range keys {
		m.transitions[k] = b.At
	}
	m.outbox = append(m.outbox, events...)
	return nil
}

func (m *Memory) RecordFailure(ctx context.Context, f Failure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch f.Kind {
	case models.KindOrder:
		o, ok := m.orders[f.ID]
		if !ok {
			return fmt.Errorf("order %s: %w", f.ID, ErrNotFound)
		}
		o.FailureReason = f.Reason
		o.FailureCount++
		o.Halted = o.Halted || f.Halt
		o.UpdatedAt = f.At
		m.orders[f.ID] = o
	case models.KindSale:
		s, ok := m.sales[f.ID]
		if !ok {
			return fmt.Errorf("sale %s: %w", f.ID, ErrNotFound)
		}
		s.FailureReason = f.Reason
		s.FailureCount++
		s.Halted = s.Halted || f.Halt
		s.UpdatedAt = f.At
		m.sales[f.ID] = s
	default:
		return fmt.Errorf("record failure on %q: %w", f.Kind, ErrNotFound)
	}
	return nil
}

func (m *Memory) ClearHalt(ctx context.Context, kind models.Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch kind {
	case models.KindOrder:
		o, ok := m.orders[id]
		if !ok {
			return fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		o.Halted = false
		m.orders[id] = o
	case models.KindSale:
		s, ok := m.sales[id]
		if !ok {
			return fmt.Errorf("sale %s: %w", id, ErrNotFound)
		}
		s.Halted = false
		m.sales[id] = s
	default:
		return fmt.Errorf("clear halt on %q: %w", kind, ErrNotFound)
	}
	return nil
}

func (m *Memory) ExpiredOrders(ctx context.Context, now time.Time) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.Status == models.OrderPendingPayment && !o.Halted && !o.PayBy.IsZero() && o.PayBy.Before(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PayBy.Before(out[j].PayBy) })
	return out, nil
}

func (m *Memory) ExpiredSales(ctx context.Context, now time.Time) ([]models.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sale
	for _, s := range m.sales {
		if s.Halted {
			continue
		}
		switch {
		case s.Status == models.SalePendingShipment && !s.ShipBy.IsZero() && s.ShipBy.Before(now):
			out = append(out, s)
		case s.Status == models.SaleInTransit && !s.ReceiveBy.IsZero() && s.ReceiveBy.Before(now):
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) PendingEvents(ctx context.Context, limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, e := range m.outbox {
		if m.dispatched[e.ID] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkDispatched(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.dispatched[id] = true
	}
	// Compact once everything in front has been dispatched.
	i := 0
	for i < len(m.outbox) && m.dispatched[m.outbox[i].ID] {
		delete(m.dispatched, m.outbox[i].ID)
		i++
	}
	m.outbox = m.outbox[i:]
	return nil
}

func sortBySeq(bids []models.Bid) {
	sort.Slice(bids, func(i, j int) bool { return bids[i].Seq < bids[j].Seq })
}
