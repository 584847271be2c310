// Package portfolio maintains positions and holdings: the repositories over
// the portfolio database and the reducer that folds fills into them.
package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

const positionColumns = `id, broker_id, exchange, symbol, product,
	buy_quantity, buy_avg_price, sell_quantity, sell_avg_price,
	net_quantity, realized_pnl, unrealized_pnl, updated_at`

const holdingColumns = `id, broker_id, exchange, symbol, quantity, avg_cost, last_traded_price, updated_at`

// Repository handles position and holding persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new portfolio repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "portfolio").Logger(),
	}
}

// GetPosition returns the position for the identity, or nil when none exists.
func (r *Repository) GetPosition(q Querier, brokerID, exchange, symbol string, product domain.ProductType) (*domain.Position, error) {
	row := q.QueryRow(`
		SELECT `+positionColumns+` FROM positions
		WHERE broker_id = ? AND exchange = ? AND symbol = ? AND product = ?`,
		brokerID, exchange, symbol, string(product),
	)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}
	return p, nil
}

// SavePosition inserts or replaces the position row for its identity.
func (r *Repository) SavePosition(q Querier, p *domain.Position) error {
	p.UpdatedAt = time.Now()

	res, err := q.Exec(`
		INSERT INTO positions (broker_id, exchange, symbol, product,
			buy_quantity, buy_avg_price, sell_quantity, sell_avg_price,
			net_quantity, realized_pnl, unrealized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (broker_id, exchange, symbol, product) DO UPDATE SET
			buy_quantity = excluded.buy_quantity,
			buy_avg_price = excluded.buy_avg_price,
			sell_quantity = excluded.sell_quantity,
			sell_avg_price = excluded.sell_avg_price,
			net_quantity = excluded.net_quantity,
			realized_pnl = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			updated_at = excluded.updated_at`,
		p.BrokerID, p.Exchange, p.Symbol, string(p.Product),
		p.BuyQuantity, int64(p.BuyAvgPrice), p.SellQuantity, int64(p.SellAvgPrice),
		p.NetQuantity, int64(p.RealizedPnL), int64(p.UnrealizedPnL), p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	if p.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			p.ID = id
		}
	}
	return nil
}

// ListPositions returns all positions for a broker, open ones first.
func (r *Repository) ListPositions(q Querier, brokerID string) ([]*domain.Position, error) {
	rows, err := q.Query(`
		SELECT `+positionColumns+` FROM positions
		WHERE broker_id = ?
		ORDER BY net_quantity = 0, exchange, symbol`,
		brokerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListAllPositions returns every position across brokers.
func (r *Repository) ListAllPositions(q Querier) ([]*domain.Position, error) {
	rows, err := q.Query(`
		SELECT ` + positionColumns + ` FROM positions
		ORDER BY broker_id, exchange, symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetHolding returns the holding for the identity, or nil when none exists.
func (r *Repository) GetHolding(q Querier, brokerID, exchange, symbol string) (*domain.Holding, error) {
	row := q.QueryRow(`
		SELECT `+holdingColumns+` FROM holdings
		WHERE broker_id = ? AND exchange = ? AND symbol = ?`,
		brokerID, exchange, symbol,
	)
	h, err := scanHolding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get holding: %w", err)
	}
	return h, nil
}

// SaveHolding inserts or replaces the holding row for its identity.
func (r *Repository) SaveHolding(q Querier, h *domain.Holding) error {
	h.UpdatedAt = time.Now()

	res, err := q.Exec(`
		INSERT INTO holdings (broker_id, exchange, symbol, quantity, avg_cost, last_traded_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (broker_id, exchange, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_cost = excluded.avg_cost,
			last_traded_price = excluded.last_traded_price,
			updated_at = excluded.updated_at`,
		h.BrokerID, h.Exchange, h.Symbol,
		h.Quantity, int64(h.AvgCost), int64(h.LastTradedPrice), h.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save holding: %w", err)
	}
	if h.ID == 0 {
		if id, err := res.LastInsertId(); err == nil {
			h.ID = id
		}
	}
	return nil
}

// ListHoldings returns all holdings for a broker ordered by instrument.
func (r *Repository) ListHoldings(q Querier, brokerID string) ([]*domain.Holding, error) {
	rows, err := q.Query(`
		SELECT `+holdingColumns+` FROM holdings
		WHERE broker_id = ?
		ORDER BY exchange, symbol`,
		brokerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var out []*domain.Holding
	for rows.Next() {
		h, err := scanHolding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var product string
	var buyAvg, sellAvg, realized, unrealized, updatedAt int64
	err := row.Scan(&p.ID, &p.BrokerID, &p.Exchange, &p.Symbol, &product,
		&p.BuyQuantity, &buyAvg, &p.SellQuantity, &sellAvg,
		&p.NetQuantity, &realized, &unrealized, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.Product = domain.ProductType(product)
	p.BuyAvgPrice = domain.Money(buyAvg)
	p.SellAvgPrice = domain.Money(sellAvg)
	p.RealizedPnL = domain.Money(realized)
	p.UnrealizedPnL = domain.Money(unrealized)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

func scanHolding(row rowScanner) (*domain.Holding, error) {
	var h domain.Holding
	var avgCost, ltp, updatedAt int64
	err := row.Scan(&h.ID, &h.BrokerID, &h.Exchange, &h.Symbol,
		&h.Quantity, &avgCost, &ltp, &updatedAt)
	if err != nil {
		return nil, err
	}
	h.AvgCost = domain.Money(avgCost)
	h.LastTradedPrice = domain.Money(ltp)
	h.UpdatedAt = time.Unix(updatedAt, 0)
	return &h, nil
}
