// Package marketdata caches last-trade snapshots in the cache database.
// Payloads are msgpack blobs keyed by "EXCHANGE:SYMBOL"; the cache is
// advisory and consumers decide how much staleness they tolerate.
package marketdata

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/openquant/tradecore/internal/domain"
)

// Snapshot is one cached market observation.
type Snapshot struct {
	Exchange       string       `msgpack:"exchange"`
	Symbol         string       `msgpack:"symbol"`
	LastPrice      domain.Money `msgpack:"last_price"`
	PrevClosePrice domain.Money `msgpack:"prev_close_price"`
	Volume         int64        `msgpack:"volume"`
	At             int64        `msgpack:"at"` // Unix seconds
}

// Key returns the cache key for the snapshot's instrument.
func (s *Snapshot) Key() string {
	return strings.ToUpper(s.Exchange) + ":" + strings.ToUpper(s.Symbol)
}

// Cache stores and serves snapshots.
type Cache struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCache creates a new market data cache
func NewCache(db *sql.DB, log zerolog.Logger) *Cache {
	return &Cache{
		db:  db,
		log: log.With().Str("component", "marketdata").Logger(),
	}
}

// Put upserts a snapshot.
func (c *Cache) Put(snap *Snapshot) error {
	if snap.At == 0 {
		snap.At = time.Now().Unix()
	}
	payload, err := msgpack.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = c.db.Exec(`
		INSERT OR REPLACE INTO market_snapshots (key, payload, updated_at)
		VALUES (?, ?, ?)`,
		snap.Key(), payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", snap.Key(), err)
	}
	return nil
}

// Get returns the snapshot for an instrument regardless of age, or nil when
// none is cached.
func (c *Cache) Get(exchange, symbol string) (*Snapshot, error) {
	key := strings.ToUpper(exchange) + ":" + strings.ToUpper(symbol)

	var payload []byte
	err := c.db.QueryRow(`SELECT payload FROM market_snapshots WHERE key = ?`, key).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", key, err)
	}

	var snap Snapshot
	if err := msgpack.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot %s: %w", key, err)
	}
	return &snap, nil
}

// GetFresh returns the snapshot only when it is younger than maxAge.
// Stale or missing entries return nil.
func (c *Cache) GetFresh(exchange, symbol string, maxAge time.Duration) (*Snapshot, error) {
	snap, err := c.Get(exchange, symbol)
	if err != nil || snap == nil {
		return nil, err
	}
	if time.Since(time.Unix(snap.At, 0)) > maxAge {
		return nil, nil
	}
	return snap, nil
}

// LastPrice is a convenience lookup for margin and P&L consumers; it returns
// zero when no snapshot exists.
func (c *Cache) LastPrice(exchange, symbol string) (domain.Money, error) {
	snap, err := c.Get(exchange, symbol)
	if err != nil || snap == nil {
		return 0, err
	}
	return snap.LastPrice, nil
}

// Purge deletes entries older than the retention window and returns the
// number removed.
func (c *Cache) Purge(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).Unix()
	res, err := c.db.Exec(`DELETE FROM market_snapshots WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.log.Debug().Int64("removed", n).Msg("Purged stale market snapshots")
	}
	return n, nil
}
