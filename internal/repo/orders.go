package repo

import (
	"context"
	"database/sql"
	"fmt"

	"omen-backend/internal/apperr"
	"omen-backend/pkg/types"
)

// Orders maps the orders table.
type Orders struct {
	db *sql.DB
}

// NewOrders creates the order repository.
func NewOrders(db *sql.DB) *Orders {
	return &Orders{db: db}
}

const orderCols = `id, seq, user_id, user_address, pair_id, side, kind, status,
	price::text, quantity::text, filled_quantity::text, avg_fill_price::text,
	time_in_force, metadata, created_at, updated_at`

func scanOrder(s interface{ Scan(...any) error }) (*types.Order, error) {
	var (
		o        types.Order
		price    sql.NullString
		qty      string
		filled   string
		avg      string
		metadata []byte
	)
	err := s.Scan(&o.ID, &o.Seq, &o.UserID, &o.UserAddress, &o.PairID, &o.Side,
		&o.Kind, &o.Status, &price, &qty, &filled, &avg, &o.TimeInForce,
		&metadata, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if o.Price, err = scanNullAmount(price); err != nil {
		return nil, err
	}
	if o.Quantity, err = scanAmount(qty); err != nil {
		return nil, err
	}
	if o.FilledQuantity, err = scanAmount(filled); err != nil {
		return nil, err
	}
	if o.AvgFillPrice, err = scanAmount(avg); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &o.Metadata); err != nil {
		return nil, fmt.Errorf("order metadata: %w", err)
	}
	return &o, nil
}

// Create persists a new order and fills in its sequence number.
func (r *Orders) Create(ctx context.Context, o *types.Order) error {
	metadata, err := jsonArg(o.Metadata)
	if err != nil {
		return err
	}
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO orders (id, user_id, user_address, pair_id, side, kind, status,
			price, quantity, time_in_force, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10, $11)
		RETURNING seq, created_at, updated_at`,
		o.ID, o.UserID, o.UserAddress, o.PairID, string(o.Side), string(o.Kind),
		string(o.Status), amountArg(o.Price), amountArg(o.Quantity),
		string(o.TimeInForce), metadata).
		Scan(&o.Seq, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Get returns one order.
func (r *Orders) Get(ctx context.Context, id string) (*types.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeOrderNotFound, "order %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// SetStatus transitions the order between statuses, guarded by the expected
// current status. Returns invalid_status when the guard fails.
func (r *Orders) SetStatus(ctx context.Context, id string, from, to types.OrderStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("set order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Newf(apperr.CodeInvalidStatus, "order %s is not %s", id, from)
	}
	return nil
}

// OpenBySide returns resting OPEN/PARTIAL orders for one side of a pair in
// price-time priority: BUY descending by price, SELL ascending, ties by
// creation time ascending. This is the authoritative read behind the
// order-book cache.
func (r *Orders) OpenBySide(ctx context.Context, pairID string, side types.Side, limit int) ([]*types.Order, error) {
	dir := "ASC"
	if side == types.BUY {
		dir = "DESC"
	}
	query := fmt.Sprintf(`
		SELECT `+orderCols+` FROM orders
		WHERE pair_id = $1 AND side = $2 AND status IN ('OPEN','PARTIAL')
		ORDER BY price %s, created_at ASC
		LIMIT $3`, dir)
	rows, err := r.db.QueryContext(ctx, query, pairID, string(side), limit)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListByUser returns a user's orders, newest first, optionally filtered by
// status.
func (r *Orders) ListByUser(ctx context.Context, userID string, status types.OrderStatus, limit int) ([]*types.Order, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + orderCols + ` FROM orders WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []*types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
