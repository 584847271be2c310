package instruments

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/database"
	"github.com/openquant/tradecore/internal/domain"
)

// Service refreshes the instrument master from broker dumps and answers
// instrument lookups for the rest of the engine.
type Service struct {
	db   *sql.DB
	repo *Repository
	log  zerolog.Logger
}

// NewService creates a new instrument service
func NewService(db *sql.DB, repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		db:   db,
		repo: repo,
		log:  log.With().Str("service", "instruments").Logger(),
	}
}

// Lookup returns the instrument for (exchange, symbol).
func (s *Service) Lookup(exchange, symbol string) (*domain.Instrument, error) {
	return s.repo.Get(s.db, exchange, symbol)
}

// Refresh pulls the broker's instrument dump and upserts every row in one
// transaction. Rows absent from the dump are left untouched; the exchange
// master is additive and delisted instruments arrive flagged untradable.
func (s *Service) Refresh(ctx context.Context, adapter domain.BrokerAdapter) (int, error) {
	dump, err := adapter.FetchInstruments(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch instrument dump from %s: %w", adapter.ID(), err)
	}

	count := 0
	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		for i := range dump {
			row := &dump[i]
			inst := &domain.Instrument{
				Exchange:   row.Exchange,
				Symbol:     row.Symbol,
				Name:       row.Name,
				Type:       row.Type,
				Segment:    row.Segment,
				LotSize:    row.LotSize,
				TickSize:   row.TickSize,
				Expiry:     row.Expiry,
				Strike:     row.Strike,
				OptionType: row.OptionType,
				Tradable:   row.Tradable,
			}
			if err := s.repo.Upsert(tx, inst); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.log.Info().
		Str("broker_id", adapter.ID()).
		Int("instruments", count).
		Msg("Refreshed instrument master")
	return count, nil
}
