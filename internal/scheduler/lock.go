package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LockStore hands out single-flight leases backed by the work_locks table.
// Acquisition is compare-and-set: one INSERT wins, everyone else sees the row.
// Leases expire so a crashed holder never wedges the key.
type LockStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLockStore creates a lock store over the cache database.
func NewLockStore(db *sql.DB, log zerolog.Logger) *LockStore {
	return &LockStore{
		db:  db,
		log: log.With().Str("component", "work_locks").Logger(),
	}
}

// Acquire takes the lease for key, returning false when another holder has a
// live lease. Expired leases are reaped first.
func (s *LockStore) Acquire(key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	if _, err := s.db.Exec(`DELETE FROM work_locks WHERE key = ? AND expires_at < ?`, key, now.Unix()); err != nil {
		return false, fmt.Errorf("failed to reap expired lock: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO work_locks (key, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)`,
		key, holder, now.Unix(), now.Add(ttl).Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		s.log.Debug().Str("key", key).Msg("Lock held elsewhere")
		return false, nil
	}
	return true, nil
}

// Release drops the lease if this holder still owns it.
func (s *LockStore) Release(key, holder string) error {
	_, err := s.db.Exec(`DELETE FROM work_locks WHERE key = ? AND holder = ?`, key, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}
