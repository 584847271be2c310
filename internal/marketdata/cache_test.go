package marketdata

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

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE market_snapshots (
			key TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)
	return NewCache(db, zerolog.Nop())
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	cache := newTestCache(t)

	require.NoError(t, cache.Put(&Snapshot{
		Exchange:  "nse",
		Symbol:    "reliance",
		LastPrice: domain.MoneyFromRupees(2500),
		Volume:    123456,
	}))

	snap, err := cache.Get("NSE", "RELIANCE")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, domain.MoneyFromRupees(2500), snap.LastPrice)
	assert.Equal(t, int64(123456), snap.Volume)
	assert.NotZero(t, snap.At)
}

func TestCache_GetMissingReturnsNil(t *testing.T) {
	cache := newTestCache(t)

	snap, err := cache.Get("NSE", "MISSING")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestCache_PutReplacesExisting(t *testing.T) {
	cache := newTestCache(t)

	require.NoError(t, cache.Put(&Snapshot{Exchange: "NSE", Symbol: "TCS", LastPrice: domain.MoneyFromRupees(3000)}))
	require.NoError(t, cache.Put(&Snapshot{Exchange: "NSE", Symbol: "TCS", LastPrice: domain.MoneyFromRupees(3010)}))

	price, err := cache.LastPrice("NSE", "TCS")
	require.NoError(t, err)
	assert.Equal(t, domain.MoneyFromRupees(3010), price)
}

func TestCache_GetFreshHonorsMaxAge(t *testing.T) {
	cache := newTestCache(t)

	stale := &Snapshot{
		Exchange:  "NSE",
		Symbol:    "OLD",
		LastPrice: domain.MoneyFromRupees(100),
		At:        time.Now().Add(-time.Hour).Unix(),
	}
	require.NoError(t, cache.Put(stale))

	snap, err := cache.GetFresh("NSE", "OLD", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, snap)

	snap, err = cache.GetFresh("NSE", "OLD", 2*time.Hour)
	require.NoError(t, err)
	assert.NotNil(t, snap)
}

func TestCache_LastPriceZeroWhenAbsent(t *testing.T) {
	cache := newTestCache(t)

	price, err := cache.LastPrice("NSE", "NONE")
	require.NoError(t, err)
	assert.Zero(t, price)
}

func TestCache_Purge(t *testing.T) {
	cache := newTestCache(t)

	require.NoError(t, cache.Put(&Snapshot{Exchange: "NSE", Symbol: "KEEP", LastPrice: domain.MoneyFromRupees(10)}))

	// Backdate one row past the retention window.
	_, err := cache.db.Exec(`
		INSERT INTO market_snapshots (key, payload, updated_at) VALUES ('NSE:OLD', x'00', ?)`,
		time.Now().Add(-48*time.Hour).Unix())
	require.NoError(t, err)

	removed, err := cache.Purge(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	snap, err := cache.Get("NSE", "KEEP")
	require.NoError(t, err)
	assert.NotNil(t, snap)
}
