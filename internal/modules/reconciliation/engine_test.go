package reconciliation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/modules/orders"
	"github.com/openquant/tradecore/internal/modules/portfolio"
)

func newTradingDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE orders (
			id TEXT PRIMARY KEY,
			idempotency_key TEXT,
			strategy_id TEXT NOT NULL DEFAULT '',
			broker_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			validity TEXT NOT NULL DEFAULT 'DAY',
			product TEXT NOT NULL DEFAULT 'INTRADAY',
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			price INTEGER NOT NULL DEFAULT 0,
			trigger_price INTEGER NOT NULL DEFAULT 0,
			group_id TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			broker_order_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'PENDING',
			filled_quantity INTEGER NOT NULL DEFAULT 0 CHECK (filled_quantity <= quantity),
			avg_fill_price INTEGER NOT NULL DEFAULT 0,
			status_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE order_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			at INTEGER NOT NULL
		);
		CREATE TABLE fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			broker_fill_id TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL,
			price INTEGER NOT NULL,
			product TEXT NOT NULL,
			side TEXT NOT NULL,
			sequence INTEGER NOT NULL DEFAULT 0,
			executed_at INTEGER NOT NULL
		);
		CREATE TABLE reconciliation_runs (
			id TEXT PRIMARY KEY,
			broker_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'running',
			items_checked INTEGER NOT NULL DEFAULT 0,
			mismatches_found INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			error TEXT NOT NULL DEFAULT ''
		);
		CREATE TABLE reconciliation_items (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			item_type TEXT NOT NULL,
			item_id TEXT NOT NULL DEFAULT '',
			broker_ref_id TEXT NOT NULL DEFAULT '',
			system_snapshot TEXT NOT NULL DEFAULT '',
			broker_snapshot TEXT NOT NULL DEFAULT '',
			discrepancy TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'mismatch',
			created_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

func newPortfolioDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			broker_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			product TEXT NOT NULL,
			buy_quantity INTEGER NOT NULL DEFAULT 0,
			buy_avg_price INTEGER NOT NULL DEFAULT 0,
			sell_quantity INTEGER NOT NULL DEFAULT 0,
			sell_avg_price INTEGER NOT NULL DEFAULT 0,
			net_quantity INTEGER NOT NULL DEFAULT 0,
			realized_pnl INTEGER NOT NULL DEFAULT 0,
			unrealized_pnl INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			UNIQUE (broker_id, exchange, symbol, product)
		);
		CREATE TABLE holdings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			broker_id TEXT NOT NULL,
			exchange TEXT NOT NULL,
			symbol TEXT NOT NULL,
			quantity INTEGER NOT NULL DEFAULT 0 CHECK (quantity >= 0),
			avg_cost INTEGER NOT NULL DEFAULT 0,
			last_traded_price INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			UNIQUE (broker_id, exchange, symbol)
		);
	`)
	require.NoError(t, err)
	return db
}

// snapshotAdapter serves canned broker snapshots for reconciliation tests.
type snapshotAdapter struct {
	id        string
	orders    []domain.BrokerOrderSnapshot
	positions []domain.BrokerPositionSnapshot
	holdings  []domain.BrokerHoldingSnapshot
	fetchErr  error
}

func (a *snapshotAdapter) ID() string { return a.id }
func (a *snapshotAdapter) Place(context.Context, *domain.Order) (*domain.PlacedOrder, error) {
	return nil, errors.New("not implemented")
}
func (a *snapshotAdapter) Modify(context.Context, string, domain.Money, int64) error {
	return errors.New("not implemented")
}
func (a *snapshotAdapter) Cancel(context.Context, string) error {
	return errors.New("not implemented")
}
func (a *snapshotAdapter) FetchOpenOrders(context.Context) ([]domain.BrokerOrderSnapshot, error) {
	return a.orders, a.fetchErr
}
func (a *snapshotAdapter) FetchPositions(context.Context) ([]domain.BrokerPositionSnapshot, error) {
	return a.positions, a.fetchErr
}
func (a *snapshotAdapter) FetchHoldings(context.Context) ([]domain.BrokerHoldingSnapshot, error) {
	return a.holdings, a.fetchErr
}
func (a *snapshotAdapter) FetchInstruments(context.Context) ([]domain.BrokerInstrument, error) {
	return nil, nil
}
func (a *snapshotAdapter) SubscribeEvents(context.Context) (<-chan domain.BrokerEvent, error) {
	return nil, errors.New("not implemented")
}
func (a *snapshotAdapter) Close() error { return nil }

type fixture struct {
	engine      *Engine
	repo        *Repository
	orders      *orders.Repository
	portfolio   *portfolio.Repository
	tradingDB   *sql.DB
	portfolioDB *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tradingDB := newTradingDB(t)
	portfolioDB := newPortfolioDB(t)
	repo := NewRepository(tradingDB, zerolog.Nop())
	ordersRepo := orders.NewRepository(tradingDB, zerolog.Nop())
	portfolioRepo := portfolio.NewRepository(portfolioDB, zerolog.Nop())
	return &fixture{
		engine:      NewEngine(repo, ordersRepo, portfolioRepo, tradingDB, portfolioDB, zerolog.Nop()),
		repo:        repo,
		orders:      ordersRepo,
		portfolio:   portfolioRepo,
		tradingDB:   tradingDB,
		portfolioDB: portfolioDB,
	}
}

func submittedOrder(t *testing.T, f *fixture, id, brokerOrderID string) *domain.Order {
	t.Helper()
	o := &domain.Order{
		ID:       id,
		BrokerID: "b2",
		Exchange: "NSE",
		Symbol:   "RELIANCE",
		Side:     domain.SideBuy,
		Type:     domain.OrderTypeLimit,
		Validity: domain.ValidityDay,
		Product:  domain.ProductIntraday,
		Quantity: 10,
		Price:    domain.MoneyFromRupees(100),
		State:    domain.StatePending,
	}
	require.NoError(t, f.orders.Create(f.tradingDB, o))
	require.NoError(t, f.orders.Transition(f.tradingDB, o, domain.StateQueued, ""))
	require.NoError(t, f.orders.Transition(f.tradingDB, o, domain.StateSubmitted, ""))
	require.NoError(t, f.orders.SetBrokerOrderID(f.tradingDB, o, brokerOrderID))
	return o
}

func TestRun_CleanStateCompletes(t *testing.T) {
	f := newFixture(t)
	o := submittedOrder(t, f, "o1", "B1")

	adapter := &snapshotAdapter{id: "b2", orders: []domain.BrokerOrderSnapshot{{
		BrokerOrderID: "B1", Exchange: "NSE", Symbol: "RELIANCE",
		State: domain.StateSubmitted, Quantity: o.Quantity,
	}}}

	run, err := f.engine.Run(context.Background(), adapter, domain.ReconOrders)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconCompleted, run.Status)
	assert.Equal(t, 1, run.ItemsChecked)
	assert.Zero(t, run.MismatchesFound)
	assert.NotNil(t, run.FinishedAt)
}

func TestRun_StateDriftRecordsMismatch(t *testing.T) {
	f := newFixture(t)
	submittedOrder(t, f, "o1", "B2")

	// Broker reports the order fully filled at average 101.
	adapter := &snapshotAdapter{id: "b2", orders: []domain.BrokerOrderSnapshot{{
		BrokerOrderID: "B2", Exchange: "NSE", Symbol: "RELIANCE",
		State: domain.StateFilled, Quantity: 10, FilledQuantity: 10,
		AvgFillPrice: domain.MoneyFromRupees(101),
		UpdatedAt:    time.Now(),
	}}}

	run, err := f.engine.Run(context.Background(), adapter, domain.ReconOrders)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconCompletedWithErrors, run.Status)
	assert.Equal(t, 1, run.MismatchesFound)

	items, err := f.repo.Items(f.tradingDB, run.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "o1", items[0].ItemID)
	assert.Equal(t, "B2", items[0].BrokerRefID)
	assert.Equal(t, domain.ReconMismatch, items[0].Status)

	var diff map[string]fieldDiff
	require.NoError(t, json.Unmarshal([]byte(items[0].Discrepancy), &diff))
	assert.Equal(t, "SUBMITTED", diff["state"].Local)
	assert.Equal(t, "FILLED", diff["state"].Broker)
	assert.Contains(t, diff, "avg_price")
	assert.Contains(t, diff, "filled_quantity")
}

func TestRun_GhostOrder(t *testing.T) {
	f := newFixture(t)
	submittedOrder(t, f, "o1", "B3")

	// Broker has no record of the order at all.
	adapter := &snapshotAdapter{id: "b2"}

	run, err := f.engine.Run(context.Background(), adapter, domain.ReconOrders)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconCompletedWithErrors, run.Status)

	items, err := f.repo.Items(f.tradingDB, run.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var diff map[string]fieldDiff
	require.NoError(t, json.Unmarshal([]byte(items[0].Discrepancy), &diff))
	assert.Equal(t, "present", diff["presence"].Local)
	assert.Equal(t, "missing", diff["presence"].Broker)
}

func TestRun_OrphanOrder(t *testing.T) {
	f := newFixture(t)

	// Broker has a live order we never recorded.
	adapter := &snapshotAdapter{id: "b2", orders: []domain.BrokerOrderSnapshot{{
		BrokerOrderID: "B9", Exchange: "NSE", Symbol: "TCS",
		State: domain.StateSubmitted, Quantity: 5,
	}}}

	run, err := f.engine.Run(context.Background(), adapter, domain.ReconOrders)
	require.NoError(t, err)
	assert.Equal(t, 1, run.MismatchesFound)

	items, err := f.repo.Items(f.tradingDB, run.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Empty(t, items[0].ItemID)
	assert.Equal(t, "B9", items[0].BrokerRefID)
}

func TestRun_PositionQuantityDrift(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.portfolio.SavePosition(f.portfolioDB, &domain.Position{
		BrokerID: "b2", Exchange: "NSE", Symbol: "INFY", Product: domain.ProductIntraday,
		BuyQuantity: 100, NetQuantity: 100, BuyAvgPrice: domain.MoneyFromRupees(50),
	}))

	adapter := &snapshotAdapter{id: "b2", positions: []domain.BrokerPositionSnapshot{{
		Exchange: "NSE", Symbol: "INFY", Product: domain.ProductIntraday,
		BuyQuantity: 90, NetQuantity: 90,
	}}}

	run, err := f.engine.Run(context.Background(), adapter, domain.ReconPositions)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconCompletedWithErrors, run.Status)

	items, err := f.repo.Items(f.tradingDB, run.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var diff map[string]fieldDiff
	require.NoError(t, json.Unmarshal([]byte(items[0].Discrepancy), &diff))
	assert.Contains(t, diff, "net_quantity")
	assert.Contains(t, diff, "buy_quantity")
}

func TestRun_FlatLocalPositionMissingAtBrokerIsNotDrift(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.portfolio.SavePosition(f.portfolioDB, &domain.Position{
		BrokerID: "b2", Exchange: "NSE", Symbol: "INFY", Product: domain.ProductIntraday,
		BuyQuantity: 10, SellQuantity: 10, NetQuantity: 0,
	}))

	run, err := f.engine.Run(context.Background(), &snapshotAdapter{id: "b2"}, domain.ReconPositions)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconCompleted, run.Status)
}

func TestRun_HoldingDrift(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.portfolio.SaveHolding(f.portfolioDB, &domain.Holding{
		BrokerID: "b2", Exchange: "NSE", Symbol: "ITC",
		Quantity: 100, AvgCost: domain.MoneyFromRupees(400),
	}))

	adapter := &snapshotAdapter{id: "b2", holdings: []domain.BrokerHoldingSnapshot{{
		Exchange: "NSE", Symbol: "ITC", Quantity: 95, AvgCost: domain.MoneyFromRupees(400),
	}}}

	run, err := f.engine.Run(context.Background(), adapter, domain.ReconHoldings)
	require.NoError(t, err)
	assert.Equal(t, 1, run.MismatchesFound)
}

func TestRun_AllScopeFansOut(t *testing.T) {
	f := newFixture(t)
	submittedOrder(t, f, "o1", "B1")
	require.NoError(t, f.portfolio.SavePosition(f.portfolioDB, &domain.Position{
		BrokerID: "b2", Exchange: "NSE", Symbol: "INFY", Product: domain.ProductIntraday,
		BuyQuantity: 10, NetQuantity: 10,
	}))
	require.NoError(t, f.portfolio.SaveHolding(f.portfolioDB, &domain.Holding{
		BrokerID: "b2", Exchange: "NSE", Symbol: "ITC", Quantity: 5,
	}))

	adapter := &snapshotAdapter{
		id: "b2",
		orders: []domain.BrokerOrderSnapshot{{
			BrokerOrderID: "B1", State: domain.StateSubmitted, Quantity: 10,
		}},
		positions: []domain.BrokerPositionSnapshot{{
			Exchange: "NSE", Symbol: "INFY", Product: domain.ProductIntraday,
			BuyQuantity: 10, NetQuantity: 10,
		}},
		holdings: []domain.BrokerHoldingSnapshot{{
			Exchange: "NSE", Symbol: "ITC", Quantity: 5,
		}},
	}

	run, err := f.engine.Run(context.Background(), adapter, domain.ReconAll)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconCompleted, run.Status)
	assert.Equal(t, 3, run.ItemsChecked)
}

func TestRun_FetchFailureMarksRunFailed(t *testing.T) {
	f := newFixture(t)

	adapter := &snapshotAdapter{id: "b2", fetchErr: errors.New("gateway timeout")}
	run, err := f.engine.Run(context.Background(), adapter, domain.ReconOrders)
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.ReconFailed, run.Status)

	stored, err := f.repo.GetRun(f.tradingDB, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconFailed, stored.Status)
	assert.Contains(t, stored.Error, "gateway timeout")
}

func TestRun_InvalidScope(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Run(context.Background(), &snapshotAdapter{id: "b2"}, domain.ReconScope("bogus"))
	require.Error(t, err)
	assert.Equal(t, domain.ErrValidation, domain.KindOf(err))
}

func TestResolveItem(t *testing.T) {
	f := newFixture(t)
	submittedOrder(t, f, "o1", "B3")

	run, err := f.engine.Run(context.Background(), &snapshotAdapter{id: "b2"}, domain.ReconOrders)
	require.NoError(t, err)

	items, err := f.repo.Items(f.tradingDB, run.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, f.repo.ResolveItem(f.tradingDB, items[0].ID, domain.ReconResolved))
	items, err = f.repo.Items(f.tradingDB, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconResolved, items[0].Status)

	err = f.repo.ResolveItem(f.tradingDB, 9999, domain.ReconIgnored)
	require.Error(t, err)
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))
}
