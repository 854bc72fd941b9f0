package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xtrntr/resale/internal/models"
	"github.com/xtrntr/resale/internal/store"
)

// DB wraps a PostgreSQL connection pool and implements store.Store
type DB struct {
	Pool *pgxpool.Pool
}

var _ store.Store = (*DB)(nil)

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (id, username, password_hash) VALUES ($1, $2, $3) RETURNING id, username, password_hash, created_at",
		uuid.NewString(), username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("user %q: %w", username, store.ErrDuplicate)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", username, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (db *DB) CreateVariant(ctx context.Context, v models.Variant) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO variants (id, product_id, size, color, sellable, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
		v.ID, v.ProductID, v.Size, v.Color, v.Sellable, v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("variant %s: %w", v.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to create variant: %w", err)
	}
	return nil
}

const variantColumns = "id, product_id, size, color, sellable, created_at"

func scanVariant(row scanner) (models.Variant, error) {
	var v models.Variant
	err := row.Scan(&v.ID, &v.ProductID, &v.Size, &v.Color, &v.Sellable, &v.CreatedAt)
	return v, err
}

func (db *DB) GetVariant(ctx context.Context, id string) (models.Variant, error) {
	v, err := scanVariant(db.Pool.QueryRow(ctx, "SELECT "+variantColumns+" FROM variants WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return v, fmt.Errorf("variant %s: %w", id, store.ErrNotFound)
		}
		return v, fmt.Errorf("failed to get variant: %w", err)
	}
	return v, nil
}

func (db *DB) ListVariants(ctx context.Context) ([]models.Variant, error) {
	rows, err := db.Pool.Query(ctx, "SELECT "+variantColumns+" FROM variants ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list variants: %w", err)
	}
	defer rows.Close()

	var out []models.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const bidColumns = "id, side, variant_id, bidder_id, price, status, seq, created_at, order_id, sale_id, counter_bid_id, relisted_from"

func scanBid(row scanner) (models.Bid, error) {
	var b models.Bid
	err := row.Scan(&b.ID, &b.Side, &b.VariantID, &b.BidderID, &b.Price, &b.Status, &b.Seq, &b.CreatedAt,
		&b.OrderID, &b.SaleID, &b.CounterBidID, &b.RelistedFrom)
	return b, err
}

func (db *DB) queryBids(ctx context.Context, sql string, args ...any) ([]models.Bid, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bids: %w", err)
	}
	defer rows.Close()

	var out []models.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (db *DB) PendingBids(ctx context.Context, variantID string) ([]models.Bid, error) {
	return db.queryBids(ctx,
		"SELECT "+bidColumns+" FROM bids WHERE variant_id = $1 AND status = 'PENDING' ORDER BY seq", variantID)
}

func (db *DB) ListBidsByBidder(ctx context.Context, bidderID string) ([]models.Bid, error) {
	return db.queryBids(ctx, "SELECT "+bidColumns+" FROM bids WHERE bidder_id = $1 ORDER BY seq", bidderID)
}

func (db *DB) GetBid(ctx context.Context, id string) (models.Bid, error) {
	b, err := scanBid(db.Pool.QueryRow(ctx, "SELECT "+bidColumns+" FROM bids WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return b, fmt.Errorf("bid %s: %w", id, store.ErrNotFound)
		}
		return b, fmt.Errorf("failed to get bid: %w", err)
	}
	return b, nil
}

// InsertBid stores a PENDING bid and its outbox event in one transaction.
// It takes the same variant advisory lock as CommitMatch and refuses a bid
// that a PENDING counter-bid already crosses, which is how an instance with
// a stale book finds out.
func (db *DB) InsertBid(ctx context.Context, bid models.Bid) (models.Bid, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return models.Bid{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", bid.VariantID); err != nil {
		return models.Bid{}, fmt.Errorf("failed to lock variant: %w", err)
	}
	cmp := ">="
	if bid.Side == models.SideBuy {
		cmp = "<="
	}
	var crossing string
	err = tx.QueryRow(ctx,
		"SELECT id FROM bids WHERE variant_id = $1 AND side = $2 AND status = 'PENDING' AND price "+cmp+" $3 LIMIT 1",
		bid.VariantID, bid.Side.Opposite(), bid.Price).Scan(&crossing)
	switch {
	case err == nil:
		return models.Bid{}, fmt.Errorf("bid %s crosses pending bid %s: %w", bid.ID, crossing, store.ErrConflict)
	case !errors.Is(err, pgx.ErrNoRows):
		return models.Bid{}, fmt.Errorf("failed to check book: %w", err)
	}

	bid.Status = models.BidPending
	if err := insertBid(ctx, tx, &bid); err != nil {
		return models.Bid{}, err
	}
	ev := store.NewEvent(models.KindBid, bid.ID, "", string(models.BidPending), bid.CreatedAt, bid)
	if err := insertEvents(ctx, tx, ev); err != nil {
		return models.Bid{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Bid{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return bid, nil
}

func insertBid(ctx context.Context, tx pgx.Tx, bid *models.Bid) error {
	err := tx.QueryRow(ctx,
		`INSERT INTO bids (id, side, variant_id, bidder_id, price, status, seq, created_at, order_id, sale_id, counter_bid_id, relisted_from)
		 VALUES ($1, $2, $3, $4, $5, $6, nextval('ledger_seq'), $7, $8, $9, $10, $11) RETURNING seq`,
		bid.ID, bid.Side, bid.VariantID, bid.BidderID, bid.Price, bid.Status, bid.CreatedAt,
		bid.OrderID, bid.SaleID, bid.CounterBidID, bid.RelistedFrom).Scan(&bid.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("bid %s: %w", bid.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert bid: %w", err)
	}
	return nil
}

// CancelBid moves a PENDING bid to CANCELLED with a conditional update
func (db *DB) CancelBid(ctx context.Context, id string, at time.Time) (models.Bid, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return models.Bid{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	b, err := scanBid(tx.QueryRow(ctx,
		"UPDATE bids SET status = 'CANCELLED' WHERE id = $1 AND status = 'PENDING' RETURNING "+bidColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		cur, gerr := scanBid(tx.QueryRow(ctx, "SELECT "+bidColumns+" FROM bids WHERE id = $1", id))
		if errors.Is(gerr, pgx.ErrNoRows) {
			return models.Bid{}, fmt.Errorf("bid %s: %w", id, store.ErrNotFound)
		}
		if gerr != nil {
			return models.Bid{}, fmt.Errorf("failed to get bid: %w", gerr)
		}
		return cur, fmt.Errorf("bid %s is %s: %w", id, cur.Status, store.ErrConflict)
	}
	if err != nil {
		return models.Bid{}, fmt.Errorf("failed to cancel bid: %w", err)
	}

	ev := store.NewEvent(models.KindBid, b.ID, string(models.BidPending), string(models.BidCancelled), at, b)
	if err := insertEvents(ctx, tx, ev); err != nil {
		return models.Bid{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Bid{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return b, nil
}

// CommitMatch writes a match in one transaction. Matches on the same variant
// are serialized across instances by a transaction-scoped advisory lock, and
// the resting bid is claimed with a conditional update.
func (db *DB) CommitMatch(ctx context.Context, m store.Match) (models.Bid, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return models.Bid{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", m.Incoming.VariantID); err != nil {
		return models.Bid{}, fmt.Errorf("failed to lock variant: %w", err)
	}

	resting, err := scanBid(tx.QueryRow(ctx,
		`UPDATE bids SET status = 'MATCHED', counter_bid_id = $2, order_id = $3, sale_id = $4
		 WHERE id = $1 AND status = 'PENDING' RETURNING `+bidColumns,
		m.RestingID, m.Incoming.ID, m.Order.ID, m.Sale.ID))
	if errors.Is(err, pgx.ErrNoRows) {
		var status string
		serr := tx.QueryRow(ctx, "SELECT status FROM bids WHERE id = $1", m.RestingID).Scan(&status)
		if errors.Is(serr, pgx.ErrNoRows) {
			return models.Bid{}, fmt.Errorf("resting bid %s: %w", m.RestingID, store.ErrNotFound)
		}
		return models.Bid{}, fmt.Errorf("resting bid %s is %s: %w", m.RestingID, status, store.ErrConflict)
	}
	if err != nil {
		return models.Bid{}, fmt.Errorf("failed to claim resting bid: %w", err)
	}

	incoming := m.Incoming
	incoming.Status = models.BidMatched
	if err := insertBid(ctx, tx, &incoming); err != nil {
		return models.Bid{}, err
	}
	if err := insertOrder(ctx, tx, m.Order); err != nil {
		return models.Bid{}, err
	}
	if err := insertSale(ctx, tx, m.Sale); err != nil {
		return models.Bid{}, err
	}
	for _, key := range []struct {
		kind   models.Kind
		id, to string
	}{
		{models.KindOrder, m.Order.ID, string(m.Order.Status)},
		{models.KindSale, m.Sale.ID, string(m.Sale.Status)},
	} {
		if _, err := claimTransition(ctx, tx, key.kind, key.id, key.to, m.At); err != nil {
			return models.Bid{}, err
		}
	}
	err = insertEvents(ctx, tx,
		store.NewEvent(models.KindBid, resting.ID, string(models.BidPending), string(models.BidMatched), m.At, resting),
		store.NewEvent(models.KindBid, incoming.ID, "", string(models.BidMatched), m.At, incoming),
		store.NewEvent(models.KindOrder, m.Order.ID, "", string(m.Order.Status), m.At, m.Order),
		store.NewEvent(models.KindSale, m.Sale.ID, "", string(m.Sale.Status), m.At, m.Sale),
	)
	if err != nil {
		return models.Bid{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Bid{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return incoming, nil
}

// claimTransition records a transition-once key. It reports false when the
// key already exists.
func claimTransition(ctx context.Context, tx pgx.Tx, kind models.Kind, id, to string, at time.Time) (bool, error) {
	tag, err := tx.Exec(ctx,
		"INSERT INTO transitions (kind, entity_id, to_status, applied_at) VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING",
		kind, id, to, at)
	if err != nil {
		return false, fmt.Errorf("failed to record transition: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, events ...models.Event) error {
	for _, e := range events {
		_, err := tx.Exec(ctx,
			`INSERT INTO outbox (id, type, aggregate_kind, aggregate_id, from_status, to_status, occurred_at, payload)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			e.ID, e.Type, e.AggregateKind, e.AggregateID, e.From, e.To, e.OccurredAt, e.Payload)
		if err != nil {
			return fmt.Errorf("failed to write outbox event: %w", err)
		}
	}
	return nil
}

// jsonb encodes an optional artifact. A nil artifact is stored as NULL.
func jsonb[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func fromJSONB[T any](raw []byte) (*T, error) {
	if raw == nil {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

const orderColumns = `id, buyer_id, bid_id, sale_id, variant_id, amount, status, payment, shipment, storage, refund,
	failure_reason, failure_count, halted, pay_by, created_at, updated_at`

func scanOrder(row scanner) (models.Order, error) {
	var (
		o                                  models.Order
		payment, shipment, storage, refund []byte
		payBy                              *time.Time
	)
	err := row.Scan(&o.ID, &o.BuyerID, &o.BidID, &o.SaleID, &o.VariantID, &o.Amount, &o.Status,
		&payment, &shipment, &storage, &refund,
		&o.FailureReason, &o.FailureCount, &o.Halted, &payBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	o.PayBy = timeOrZero(payBy)
	if o.Payment, err = fromJSONB[models.Payment](payment); err != nil {
		return o, fmt.Errorf("decode payment: %w", err)
	}
	if o.Shipment, err = fromJSONB[models.Shipment](shipment); err != nil {
		return o, fmt.Errorf("decode shipment: %w", err)
	}
	if o.Storage, err = fromJSONB[models.WarehouseStorage](storage); err != nil {
		return o, fmt.Errorf("decode storage: %w", err)
	}
	if o.Refund, err = fromJSONB[models.Refund](refund); err != nil {
		return o, fmt.Errorf("decode refund: %w", err)
	}
	return o, nil
}

type orderArtifacts struct {
	payment, shipment, storage, refund []byte
}

func encodeOrder(o models.Order) (orderArtifacts, error) {
	var a orderArtifacts
	var err error
	if a.payment, err = jsonb(o.Payment); err != nil {
		return a, err
	}
	if a.shipment, err = jsonb(o.Shipment); err != nil {
		return a, err
	}
	if a.storage, err = jsonb(o.Storage); err != nil {
		return a, err
	}
	a.refund, err = jsonb(o.Refund)
	return a, err
}

func insertOrder(ctx context.Context, tx pgx.Tx, o models.Order) error {
	a, err := encodeOrder(o)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	_, err = tx.Exec(ctx, "INSERT INTO orders ("+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.BuyerID, o.BidID, o.SaleID, o.VariantID, o.Amount, o.Status,
		a.payment, a.shipment, a.storage, a.refund,
		o.FailureReason, o.FailureCount, o.Halted, nullTime(o.PayBy), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", o.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// updateOrder writes o only if the stored status is still from.
func updateOrder(ctx context.Context, tx pgx.Tx, o models.Order, from models.OrderStatus) error {
	a, err := encodeOrder(o)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE orders SET status = $2, payment = $3, shipment = $4, storage = $5, refund = $6,
		 failure_reason = $7, updated_at = $8 WHERE id = $1 AND status = $9`,
		o.ID, o.Status, a.payment, a.shipment, a.storage, a.refund, o.FailureReason, o.UpdatedAt, from)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s left %s: %w", o.ID, from, store.ErrConflict)
	}
	return nil
}

const saleColumns = `id, seller_id, bid_id, order_id, variant_id, amount, status, shipment, payout,
	failure_reason, failure_count, halted, ship_by, receive_by, created_at, updated_at`

func scanSale(row scanner) (models.Sale, error) {
	var (
		s                 models.Sale
		shipment, payout  []byte
		shipBy, receiveBy *time.Time
	)
	err := row.Scan(&s.ID, &s.SellerID, &s.BidID, &s.OrderID, &s.VariantID, &s.Amount, &s.Status,
		&shipment, &payout, &s.FailureReason, &s.FailureCount, &s.Halted, &shipBy, &receiveBy, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.ShipBy, s.ReceiveBy = timeOrZero(shipBy), timeOrZero(receiveBy)
	if s.Shipment, err = fromJSONB[models.Shipment](shipment); err != nil {
		return s, fmt.Errorf("decode shipment: %w", err)
	}
	if s.Payout, err = fromJSONB[models.Payout](payout); err != nil {
		return s, fmt.Errorf("decode payout: %w", err)
	}
	return s, nil
}

func insertSale(ctx context.Context, tx pgx.Tx, s models.Sale) error {
	shipment, err := jsonb(s.Shipment)
	if err != nil {
		return fmt.Errorf("failed to encode sale: %w", err)
	}
	payout, err := jsonb(s.Payout)
	if err != nil {
		return fmt.Errorf("failed to encode sale: %w", err)
	}
	_, err = tx.Exec(ctx, "INSERT INTO sales ("+saleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		s.ID, s.SellerID, s.BidID, s.OrderID, s.VariantID, s.Amount, s.Status, shipment, payout,
		s.FailureReason, s.FailureCount, s.Halted, nullTime(s.ShipBy), nullTime(s.ReceiveBy), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sale %s: %w", s.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("failed to insert sale: %w", err)
	}
	return nil
}

func updateSale(ctx context.Context, tx pgx.Tx, s models.Sale, from models.SaleStatus) error {
	shipment, err := jsonb(s.Shipment)
	if err != nil {
		return fmt.Errorf("failed to encode sale: %w", err)
	}
	payout, err := jsonb(s.Payout)
	if err != nil {
		return fmt.Errorf("failed to encode sale: %w", err)
	}
	tag, err := tx.Exec(ctx,
		`UPDATE sales SET status = $2, shipment = $3, payout = $4, receive_by = $5,
		 failure_reason = $6, updated_at = $7 WHERE id = $1 AND status = $8`,
		s.ID, s.Status, shipment, payout, nullTime(s.ReceiveBy), s.FailureReason, s.UpdatedAt, from)
	if err != nil {
		return fmt.Errorf("failed to update sale: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("sale %s left %s: %w", s.ID, from, store.ErrConflict)
	}
	return nil
}

func (db *DB) GetOrder(ctx context.Context, id string) (models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return o, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
		}
		return o, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (db *DB) GetSale(ctx context.Context, id string) (models.Sale, error) {
	s, err := scanSale(db.Pool.QueryRow(ctx, "SELECT "+saleColumns+" FROM sales WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s, fmt.Errorf("sale %s: %w", id, store.ErrNotFound)
		}
		return s, fmt.Errorf("failed to get sale: %w", err)
	}
	return s, nil
}

func (db *DB) queryOrders(ctx context.Context, sql string, args ...any) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (db *DB) querySales(ctx context.Context, sql string, args ...any) ([]models.Sale, error) {
	rows, err := db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sales: %w", err)
	}
	defer rows.Close()

	var out []models.Sale
	for rows.Next() {
		s, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sale: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (db *DB) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]models.Order, error) {
	return db.queryOrders(ctx, "SELECT "+orderColumns+" FROM orders WHERE buyer_id = $1 ORDER BY created_at", buyerID)
}

func (db *DB) ListSalesBySeller(ctx context.Context, sellerID string) ([]models.Sale, error) {
	return db.querySales(ctx, "SELECT "+saleColumns+" FROM sales WHERE seller_id = $1 ORDER BY created_at", sellerID)
}

// ApplyTransitions applies a batch in one transaction. Each entity row is
// locked before it is validated, and every write is conditional on the
// status it was validated against.
func (db *DB) ApplyTransitions(ctx context.Context, b store.Batch) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var events []models.Event
	for _, t := range b.Orders {
		ok, err := claimTransition(ctx, tx, models.KindOrder, t.OrderID, string(t.To), b.At)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", store.TransitionKey(models.KindOrder, t.OrderID, string(t.To)), store.ErrAlreadyApplied)
		}
		o, err := scanOrder(tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", t.OrderID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("order %s: %w", t.OrderID, store.ErrNotFound)
			}
			return fmt.Errorf("failed to get order: %w", err)
		}
		next, err := store.ApplyOrder(o, t, b.At)
		if err != nil {
			return err
		}
		if err := updateOrder(ctx, tx, next, t.From); err != nil {
			return err
		}
		events = append(events, store.NewEvent(models.KindOrder, next.ID, string(t.From), string(t.To), b.At, next))
	}
	for _, t := range b.Sales {
		ok, err := claimTransition(ctx, tx, models.KindSale, t.SaleID, string(t.To), b.At)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", store.TransitionKey(models.KindSale, t.SaleID, string(t.To)), store.ErrAlreadyApplied)
		}
		s, err := scanSale(tx.QueryRow(ctx, "SELECT "+saleColumns+" FROM sales WHERE id = $1 FOR UPDATE", t.SaleID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("sale %s: %w", t.SaleID, store.ErrNotFound)
			}
			return fmt.Errorf("failed to get sale: %w", err)
		}
		next, err := store.ApplySale(s, t, b.At)
		if err != nil {
			return err
		}
		if err := updateSale(ctx, tx, next, t.From); err != nil {
			return err
		}
		events = append(events, store.NewEvent(models.KindSale, next.ID, string(t.From), string(t.To), b.At, next))
	}
	for _, t := range b.Bids {
		ok, err := claimTransition(ctx, tx, models.KindBid, t.BidID, string(t.To), b.At)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: %w", store.TransitionKey(models.KindBid, t.BidID, string(t.To)), store.ErrAlreadyApplied)
		}
		cur, err := scanBid(tx.QueryRow(ctx, "SELECT "+bidColumns+" FROM bids WHERE id = $1 FOR UPDATE", t.BidID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("bid %s: %w", t.BidID, store.ErrNotFound)
			}
			return fmt.Errorf("failed to get bid: %w", err)
		}
		next, err := store.ApplyBid(cur, t)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, "UPDATE bids SET status = $2 WHERE id = $1", next.ID, next.Status); err != nil {
			return fmt.Errorf("failed to update bid: %w", err)
		}
		events = append(events, store.NewEvent(models.KindBid, next.ID, string(t.From), string(t.To), b.At, next))
	}
	for _, d := range b.Deadlines {
		tag, err := tx.Exec(ctx, "UPDATE sales SET ship_by = $2 WHERE id = $1", d.SaleID, d.ShipBy)
		if err != nil {
			return fmt.Errorf("failed to set ship deadline: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("sale %s: %w", d.SaleID, store.ErrNotFound)
		}
	}
	if err := insertEvents(ctx, tx, events...); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *DB) RecordFailure(ctx context.Context, f store.Failure) error {
	var table string
	switch f.Kind {
	case models.KindOrder:
		table = "orders"
	case models.KindSale:
		table = "sales"
	default:
		return fmt.Errorf("record failure on %q: %w", f.Kind, store.ErrNotFound)
	}
	tag, err := db.Pool.Exec(ctx,
		"UPDATE "+table+` SET failure_reason = $2, failure_count = failure_count + 1,
		 halted = halted OR $3, updated_at = $4 WHERE id = $1`,
		f.ID, f.Reason, f.Halt, f.At)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", f.Kind, f.ID, store.ErrNotFound)
	}
	return nil
}

func (db *DB) ClearHalt(ctx context.Context, kind models.Kind, id string) error {
	var table string
	switch kind {
	case models.KindOrder:
		table = "orders"
	case models.KindSale:
		table = "sales"
	default:
		return fmt.Errorf("clear halt on %q: %w", kind, store.ErrNotFound)
	}
	tag, err := db.Pool.Exec(ctx, "UPDATE "+table+" SET halted = FALSE WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to clear halt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, store.ErrNotFound)
	}
	return nil
}

func (db *DB) ExpiredOrders(ctx context.Context, now time.Time) ([]models.Order, error) {
	return db.queryOrders(ctx, "SELECT "+orderColumns+` FROM orders
		WHERE status = 'PENDING_PAYMENT' AND NOT halted AND pay_by < $1 ORDER BY pay_by`, now)
}

func (db *DB) ExpiredSales(ctx context.Context, now time.Time) ([]models.Sale, error) {
	return db.querySales(ctx, "SELECT "+saleColumns+` FROM sales
		WHERE NOT halted AND (
			(status = 'PENDING_SHIPMENT' AND ship_by < $1) OR
			(status = 'IN_TRANSIT' AND receive_by < $1))
		ORDER BY created_at`, now)
}

// PendingEvents returns undispatched outbox events in write order. A limit
// of zero returns all of them.
func (db *DB) PendingEvents(ctx context.Context, limit int) ([]models.Event, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, type, aggregate_kind, aggregate_id, from_status, to_status, occurred_at, payload
		 FROM outbox WHERE dispatched_at IS NULL ORDER BY seq LIMIT NULLIF($1::int, 0)`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.AggregateKind, &e.AggregateID, &e.From, &e.To, &e.OccurredAt, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (db *DB) MarkDispatched(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.Pool.Exec(ctx, "UPDATE outbox SET dispatched_at = now() WHERE id = ANY($1)", ids)
	if err != nil {
		return fmt.Errorf("failed to mark events dispatched: %w", err)
	}
	return nil
}
