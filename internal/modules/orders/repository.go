package orders

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

// Querier is satisfied by both *sql.DB and *sql.Tx. Order-state mutations must
// run on a *sql.Tx so the transition log commits atomically with the new state.
type Querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// ordersColumns avoids SELECT * which breaks when the schema changes.
// Column order must match scanOrder.
const ordersColumns = `id, idempotency_key, strategy_id, broker_id, exchange, symbol, side,
	order_type, validity, product, quantity, price, trigger_price, group_id, parent_id,
	broker_order_id, state, filled_quantity, avg_fill_price, status_reason, created_at, updated_at`

// Repository handles order, transition and fill persistence on trading.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new order repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// DB exposes the underlying connection for transaction scoping by callers.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Create inserts a new order row. The caller decides the transaction scope;
// creating the row with a non-null idempotency key is what reserves the key
// (unique index), so creation and reservation commit or roll back together.
func (r *Repository) Create(q Querier, o *domain.Order) error {
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	query := `
		INSERT INTO orders
		(id, idempotency_key, strategy_id, broker_id, exchange, symbol, side,
		 order_type, validity, product, quantity, price, trigger_price, group_id,
		 parent_id, broker_order_id, state, filled_quantity, avg_fill_price,
		 status_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.Exec(query,
		o.ID,
		nullString(o.IdempotencyKey),
		o.StrategyID,
		o.BrokerID,
		o.Exchange,
		strings.ToUpper(strings.TrimSpace(o.Symbol)),
		string(o.Side),
		string(o.Type),
		string(o.Validity),
		string(o.Product),
		o.Quantity,
		int64(o.Price),
		int64(o.TriggerPrice),
		o.GroupID,
		o.ParentID,
		o.BrokerOrderID,
		string(o.State),
		o.FilledQuantity,
		int64(o.AvgFillPrice),
		o.StatusReason,
		o.CreatedAt.Unix(),
		o.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create order %s: %w", o.ID, err)
	}
	return nil
}

// Get retrieves an order by its id.
func (r *Repository) Get(q Querier, id string) (*domain.Order, error) {
	row := q.QueryRow("SELECT "+ordersColumns+" FROM orders WHERE id = ?", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.ErrNotFound, "order %s not found", id)
	}
	return o, err
}

// GetByIdempotencyKey retrieves the order holding the given key, or nil when
// the key is unreserved.
func (r *Repository) GetByIdempotencyKey(q Querier, key string) (*domain.Order, error) {
	row := q.QueryRow("SELECT "+ordersColumns+" FROM orders WHERE idempotency_key = ?", key)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// GetByBrokerOrderID locates the order a broker event refers to.
func (r *Repository) GetByBrokerOrderID(q Querier, brokerOrderID string) (*domain.Order, error) {
	row := q.QueryRow("SELECT "+ordersColumns+" FROM orders WHERE broker_order_id = ?", brokerOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewError(domain.ErrNotFound, "no order with broker id %s", brokerOrderID)
	}
	return o, err
}

// Transition moves the order to a new state and appends the audit-log row in
// the same statement scope. Callers pass a *sql.Tx so state and log commit
// atomically. Illegal edges return INVALID_TRANSITION; self-transitions are
// silent no-ops.
func (r *Repository) Transition(q Querier, o *domain.Order, to domain.OrderState, reason string) error {
	from := o.State
	if from == to {
		return nil
	}
	if err := ValidateTransition(o.ID, from, to); err != nil {
		return err
	}

	o.State = to
	if reason != "" {
		o.StatusReason = reason
	}
	o.UpdatedAt = time.Now()

	if err := r.update(q, o); err != nil {
		o.State = from
		return err
	}

	_, err := q.Exec(`
		INSERT INTO order_transitions (order_id, from_state, to_state, reason, at)
		VALUES (?, ?, ?, ?, ?)`,
		o.ID, string(from), string(to), reason, o.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to log transition %s -> %s for order %s: %w", from, to, o.ID, err)
	}

	r.log.Debug().
		Str("order_id", o.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Order transitioned")
	return nil
}

// update persists the mutable order fields.
func (r *Repository) update(q Querier, o *domain.Order) error {
	_, err := q.Exec(`
		UPDATE orders
		SET broker_order_id = ?, state = ?, filled_quantity = ?, avg_fill_price = ?,
		    status_reason = ?, updated_at = ?
		WHERE id = ?`,
		o.BrokerOrderID,
		string(o.State),
		o.FilledQuantity,
		int64(o.AvgFillPrice),
		o.StatusReason,
		o.UpdatedAt.Unix(),
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	return nil
}

// SetBrokerOrderID backfills the broker-issued id after submission (or during
// reconciliation on terminal orders, the one mutation terminality allows).
func (r *Repository) SetBrokerOrderID(q Querier, o *domain.Order, brokerOrderID string) error {
	o.BrokerOrderID = brokerOrderID
	o.UpdatedAt = time.Now()
	return r.update(q, o)
}

// UpdateFillAggregates persists filled_quantity and avg_fill_price after
// Order.ApplyFill folded an execution in.
func (r *Repository) UpdateFillAggregates(q Querier, o *domain.Order) error {
	o.UpdatedAt = time.Now()
	return r.update(q, o)
}

// AppendFill records one broker execution.
func (r *Repository) AppendFill(q Querier, f *domain.Fill) error {
	res, err := q.Exec(`
		INSERT INTO fills (order_id, broker_fill_id, quantity, price, product, side, sequence, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID,
		f.BrokerFillID,
		f.Quantity,
		int64(f.Price),
		string(f.Product),
		string(f.Side),
		f.Sequence,
		f.ExecutedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append fill for order %s: %w", f.OrderID, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		f.ID = id
	}
	return nil
}

// ListByState returns orders currently in the given state.
func (r *Repository) ListByState(q Querier, state domain.OrderState) ([]domain.Order, error) {
	return r.list(q, "SELECT "+ordersColumns+" FROM orders WHERE state = ? ORDER BY created_at", string(state))
}

// ListOpen returns all orders in a non-terminal state.
func (r *Repository) ListOpen(q Querier) ([]domain.Order, error) {
	return r.list(q, "SELECT "+ordersColumns+` FROM orders
		WHERE state NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'EXPIRED')
		ORDER BY created_at`)
}

// ListByGroup returns all members of an OCO/bracket group.
func (r *Repository) ListByGroup(q Querier, groupID string) ([]domain.Order, error) {
	return r.list(q, "SELECT "+ordersColumns+" FROM orders WHERE group_id = ? ORDER BY created_at", groupID)
}

// ListByParent returns iceberg children (or bracket exits) in creation order.
func (r *Repository) ListByParent(q Querier, parentID string) ([]domain.Order, error) {
	return r.list(q, "SELECT "+ordersColumns+" FROM orders WHERE parent_id = ? ORDER BY created_at, id", parentID)
}

// Transitions returns the persisted audit trail for an order, oldest first.
func (r *Repository) Transitions(q Querier, orderID string) ([]domain.Transition, error) {
	rows, err := q.Query(`
		SELECT id, order_id, from_state, to_state, reason, at
		FROM order_transitions WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions for %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []domain.Transition
	for rows.Next() {
		var t domain.Transition
		var from, to string
		var at int64
		if err := rows.Scan(&t.ID, &t.OrderID, &from, &to, &t.Reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		t.From = domain.OrderState(from)
		t.To = domain.OrderState(to)
		t.At = time.Unix(at, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Fills returns the recorded executions for an order, oldest first.
func (r *Repository) Fills(q Querier, orderID string) ([]domain.Fill, error) {
	rows, err := q.Query(`
		SELECT id, order_id, broker_fill_id, quantity, price, product, side, sequence, executed_at
		FROM fills WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills for %s: %w", orderID, err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var price int64
		var product, side string
		var executedAt int64
		if err := rows.Scan(&f.ID, &f.OrderID, &f.BrokerFillID, &f.Quantity, &price, &product, &side, &f.Sequence, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Price = domain.Money(price)
		f.Product = domain.ProductType(product)
		f.Side = domain.Side(side)
		f.ExecutedAt = time.Unix(executedAt, 0)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *Repository) list(q Querier, query string, args ...interface{}) ([]domain.Order, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrderFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row *sql.Row) (*domain.Order, error) {
	return scanOrderFrom(row)
}

func scanOrderFromRows(rows *sql.Rows) (*domain.Order, error) {
	return scanOrderFrom(rows)
}

func scanOrderFrom(s rowScanner) (*domain.Order, error) {
	var o domain.Order
	var idempotencyKey sql.NullString
	var side, orderType, validity, product, state string
	var price, triggerPrice, avgFillPrice int64
	var createdAt, updatedAt int64

	err := s.Scan(
		&o.ID, &idempotencyKey, &o.StrategyID, &o.BrokerID, &o.Exchange, &o.Symbol,
		&side, &orderType, &validity, &product, &o.Quantity, &price, &triggerPrice,
		&o.GroupID, &o.ParentID, &o.BrokerOrderID, &state, &o.FilledQuantity,
		&avgFillPrice, &o.StatusReason, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan order: %w", err)
	}

	o.IdempotencyKey = idempotencyKey.String
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(orderType)
	o.Validity = domain.Validity(validity)
	o.Product = domain.ProductType(product)
	o.State = domain.OrderState(state)
	o.Price = domain.Money(price)
	o.TriggerPrice = domain.Money(triggerPrice)
	o.AvgFillPrice = domain.Money(avgFillPrice)
	o.CreatedAt = time.Unix(createdAt, 0)
	o.UpdatedAt = time.Unix(updatedAt, 0)
	return &o, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
