package orders

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/tradecore/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
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
		CREATE UNIQUE INDEX idx_orders_idempotency_key
			ON orders(idempotency_key) WHERE idempotency_key IS NOT NULL;
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
	`)
	require.NoError(t, err)
	return db
}

func testOrder(id string) *domain.Order {
	return &domain.Order{
		ID:       id,
		BrokerID: "paper",
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
}

func TestRepository_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	o := testOrder("o-1")
	o.IdempotencyKey = "k1"
	require.NoError(t, repo.Create(db, o))

	got, err := repo.Get(db, "o-1")
	require.NoError(t, err)
	assert.Equal(t, "k1", got.IdempotencyKey)
	assert.Equal(t, domain.StatePending, got.State)
	assert.Equal(t, domain.MoneyFromRupees(100), got.Price)
	assert.Equal(t, int64(10), got.Quantity)
}

func TestRepository_GetMissingReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	_, err := repo.Get(db, "nope")
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))
}

func TestRepository_TransitionWritesAuditLog(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	o := testOrder("o-1")
	require.NoError(t, repo.Create(db, o))

	require.NoError(t, repo.Transition(db, o, domain.StateQueued, ""))
	require.NoError(t, repo.Transition(db, o, domain.StateSubmitted, "broker ack"))

	transitions, err := repo.Transitions(db, "o-1")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, domain.StatePending, transitions[0].From)
	assert.Equal(t, domain.StateQueued, transitions[0].To)
	assert.Equal(t, domain.StateQueued, transitions[1].From)
	assert.Equal(t, domain.StateSubmitted, transitions[1].To)
	assert.Equal(t, "broker ack", transitions[1].Reason)
}

func TestRepository_TransitionRejectsIllegalEdge(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	o := testOrder("o-1")
	require.NoError(t, repo.Create(db, o))

	err := repo.Transition(db, o, domain.StateFilled, "")
	assert.Equal(t, domain.ErrInvalidTransition, domain.KindOf(err))
	// State unchanged in memory and on disk
	assert.Equal(t, domain.StatePending, o.State)
	got, err2 := repo.Get(db, "o-1")
	require.NoError(t, err2)
	assert.Equal(t, domain.StatePending, got.State)
}

func TestRepository_SelfTransitionIsNoOp(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	o := testOrder("o-1")
	require.NoError(t, repo.Create(db, o))
	require.NoError(t, repo.Transition(db, o, domain.StateQueued, ""))
	require.NoError(t, repo.Transition(db, o, domain.StateQueued, "duplicate event"))

	transitions, err := repo.Transitions(db, "o-1")
	require.NoError(t, err)
	assert.Len(t, transitions, 1, "self-transition must not append to the audit log")
}

func TestRepository_FillsRoundTrip(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	o := testOrder("o-1")
	o.Quantity = 100
	require.NoError(t, repo.Create(db, o))

	f := &domain.Fill{
		OrderID:      "o-1",
		BrokerFillID: "f-1",
		Quantity:     40,
		Price:        domain.MoneyFromRupees(500),
		Product:      domain.ProductIntraday,
		Side:         domain.SideBuy,
		Sequence:     1,
		ExecutedAt:   time.Now(),
	}
	require.NoError(t, repo.AppendFill(db, f))
	assert.NotZero(t, f.ID)

	fills, err := repo.Fills(db, "o-1")
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, int64(40), fills[0].Quantity)
	assert.Equal(t, domain.MoneyFromRupees(500), fills[0].Price)
}

func TestRepository_ListByParentPreservesCreationOrder(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		o := testOrder(id)
		o.ParentID = "parent"
		require.NoError(t, repo.Create(db, o))
	}

	children, err := repo.ListByParent(db, "parent")
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.Equal(t, "c-1", children[0].ID)
	assert.Equal(t, "c-3", children[2].ID)
}

func TestIdempotencyStore_ReserveFreshAndExisting(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())
	store := NewIdempotencyStore(repo, zerolog.Nop())

	existing, err := store.Reserve(db, "k1")
	require.NoError(t, err)
	assert.Nil(t, existing, "fresh key must not resolve to an order")

	o := testOrder("o-1")
	o.IdempotencyKey = "k1"
	require.NoError(t, repo.Create(db, o))

	existing, err = store.Reserve(db, "k1")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, "o-1", existing.ID)
}

func TestIdempotencyStore_EmptyKeyNeverReserved(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())
	store := NewIdempotencyStore(repo, zerolog.Nop())

	o1 := testOrder("o-1")
	o2 := testOrder("o-2")
	require.NoError(t, repo.Create(db, o1))
	require.NoError(t, repo.Create(db, o2))

	existing, err := store.Reserve(db, "")
	require.NoError(t, err)
	assert.Nil(t, existing)
}

func TestIdempotencyStore_ResolveConflict(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())
	store := NewIdempotencyStore(repo, zerolog.Nop())

	winner := testOrder("o-1")
	winner.IdempotencyKey = "k1"
	require.NoError(t, repo.Create(db, winner))

	loser := testOrder("o-2")
	loser.IdempotencyKey = "k1"
	insertErr := repo.Create(db, loser)
	require.Error(t, insertErr)

	resolved, err := store.ResolveConflict(db, "k1", insertErr)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, "o-1", resolved.ID)
}
