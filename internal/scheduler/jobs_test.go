package scheduler

import (
	"database/sql"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/tradecore/internal/brokers/paper"
	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/modules/orders"
	"github.com/openquant/tradecore/internal/modules/portfolio"
	"github.com/openquant/tradecore/internal/modules/reconciliation"
)

func newReconFixture(t *testing.T) (*reconciliation.Engine, *LockStore) {
	t.Helper()
	log := zerolog.Nop()

	tradingDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { tradingDB.Close() })
	_, err = tradingDB.Exec(`
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
			quantity INTEGER NOT NULL,
			price INTEGER NOT NULL DEFAULT 0,
			trigger_price INTEGER NOT NULL DEFAULT 0,
			group_id TEXT NOT NULL DEFAULT '',
			parent_id TEXT NOT NULL DEFAULT '',
			broker_order_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'PENDING',
			filled_quantity INTEGER NOT NULL DEFAULT 0,
			avg_fill_price INTEGER NOT NULL DEFAULT 0,
			status_reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
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
		CREATE TABLE work_locks (
			key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			acquired_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)

	portfolioDB, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { portfolioDB.Close() })
	_, err = portfolioDB.Exec(`
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
			quantity INTEGER NOT NULL DEFAULT 0,
			avg_cost INTEGER NOT NULL DEFAULT 0,
			last_traded_price INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL,
			UNIQUE (broker_id, exchange, symbol)
		);
	`)
	require.NoError(t, err)

	engine := reconciliation.NewEngine(
		reconciliation.NewRepository(tradingDB, log),
		orders.NewRepository(tradingDB, log),
		portfolio.NewRepository(portfolioDB, log),
		tradingDB, portfolioDB, log,
	)
	return engine, NewLockStore(tradingDB, log)
}

func TestReconciliationJob_RunsCleanSweep(t *testing.T) {
	engine, locks := newReconFixture(t)
	adapter := paper.New("paper", paper.FillNone, zerolog.Nop())
	t.Cleanup(func() { adapter.Close() })

	job := NewReconciliationJob(engine, adapter, domain.ReconOrders, locks, time.Minute, zerolog.Nop())
	assert.Equal(t, "recon:paper:orders", job.Name())
	require.NoError(t, job.Run())

	// The lease must be released so the next sweep can start.
	ok, err := locks.Acquire(job.Name(), "next-sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReconciliationJob_SkipsWhileLeaseHeld(t *testing.T) {
	engine, locks := newReconFixture(t)
	adapter := paper.New("paper", paper.FillNone, zerolog.Nop())
	t.Cleanup(func() { adapter.Close() })

	job := NewReconciliationJob(engine, adapter, domain.ReconOrders, locks, time.Minute, zerolog.Nop())

	ok, err := locks.Acquire(job.Name(), "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, job.Run(), "a held lease skips silently")
}

type countingJob struct {
	runs int32
}

func (j *countingJob) Name() string { return "counting" }
func (j *countingJob) Run() error {
	atomic.AddInt32(&j.runs, 1)
	return nil
}

func TestScheduler_RunsJobOnSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.AddJob("@every 10ms", job))

	s.Start()
	t.Cleanup(s.Stop)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&job.runs) >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_RequiresSixFieldExpressions(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}

	// Seconds are enabled, so the documented weekday example carries six
	// fields; the five-field form must be rejected at registration.
	require.NoError(t, s.AddJob("0 0 9 * * MON-FRI", job))
	require.Error(t, s.AddJob("0 9 * * MON-FRI", job))
}

func TestScheduler_RunNowExecutesImmediately(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int32(1), atomic.LoadInt32(&job.runs))
}
