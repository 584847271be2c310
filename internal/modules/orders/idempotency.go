package orders

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
)

// IdempotencyStore deduplicates client order intents by idempotency key.
//
// Reservation rides the unique partial index on orders.idempotency_key: the
// key is reserved by inserting the order row itself, so reservation commits or
// rolls back atomically with order creation. Rolling back the enclosing
// transaction is the release. Under concurrent retries one writer wins the
// index and the loser re-reads the winner's order id.
type IdempotencyStore struct {
	repo *Repository
	log  zerolog.Logger
}

// NewIdempotencyStore creates a new idempotency store over the order repository.
func NewIdempotencyStore(repo *Repository, log zerolog.Logger) *IdempotencyStore {
	return &IdempotencyStore{
		repo: repo,
		log:  log.With().Str("component", "idempotency").Logger(),
	}
}

// Reserve checks whether the key already owns an order. It returns the
// existing order when the key is taken, or nil when the key is fresh and the
// caller may insert the order row carrying it. Empty keys are never reserved.
func (s *IdempotencyStore) Reserve(q Querier, key string) (*domain.Order, error) {
	if key == "" {
		return nil, nil
	}

	existing, err := s.repo.GetByIdempotencyKey(q, key)
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if existing != nil {
		s.log.Debug().
			Str("key", key).
			Str("order_id", existing.ID).
			Msg("Idempotency key already reserved")
	}
	return existing, nil
}

// ResolveConflict handles the race where two submissions with the same key
// pass Reserve concurrently and one insert loses the unique index. It maps the
// constraint violation back to the winning order.
func (s *IdempotencyStore) ResolveConflict(q Querier, key string, insertErr error) (*domain.Order, error) {
	if key == "" || !isUniqueViolation(insertErr) {
		return nil, insertErr
	}
	winner, err := s.repo.GetByIdempotencyKey(q, key)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve idempotency conflict: %w", err)
	}
	if winner == nil {
		// Violation on some other constraint
		return nil, insertErr
	}
	return winner, nil
}

// isUniqueViolation detects a sqlite unique-constraint failure.
// Both modernc.org/sqlite and mattn/go-sqlite3 include this text.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: orders.idempotency_key")
}
