package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/marketdata"
	"github.com/openquant/tradecore/internal/modules/instruments"
	"github.com/openquant/tradecore/internal/modules/reconciliation"
)

// ReconciliationJob sweeps one (broker, scope) pair against broker truth.
// The lease key serializes runs: a second trigger while a run is live is a
// silent no-op.
type ReconciliationJob struct {
	engine  *reconciliation.Engine
	adapter domain.BrokerAdapter
	scope   domain.ReconScope
	locks   *LockStore
	timeout time.Duration
	log     zerolog.Logger
}

// NewReconciliationJob creates a reconciliation sweep job.
func NewReconciliationJob(engine *reconciliation.Engine, adapter domain.BrokerAdapter,
	scope domain.ReconScope, locks *LockStore, timeout time.Duration, log zerolog.Logger) *ReconciliationJob {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ReconciliationJob{
		engine:  engine,
		adapter: adapter,
		scope:   scope,
		locks:   locks,
		timeout: timeout,
		log:     log.With().Str("component", "recon_job").Logger(),
	}
}

// Name implements Job.
func (j *ReconciliationJob) Name() string {
	return fmt.Sprintf("recon:%s:%s", j.adapter.ID(), j.scope)
}

// Run implements Job.
func (j *ReconciliationJob) Run() error {
	holder := uuid.NewString()
	ok, err := j.locks.Acquire(j.Name(), holder, j.timeout)
	if err != nil {
		return err
	}
	if !ok {
		j.log.Debug().Str("key", j.Name()).Msg("Previous run still active, skipping")
		return nil
	}
	defer func() {
		if err := j.locks.Release(j.Name(), holder); err != nil {
			j.log.Error().Err(err).Str("key", j.Name()).Msg("Failed to release lock")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	run, err := j.engine.Run(ctx, j.adapter, j.scope)
	if err != nil {
		return err
	}
	j.log.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int("mismatches", run.MismatchesFound).
		Msg("Reconciliation sweep finished")
	return nil
}

// InstrumentSyncJob refreshes the instrument master from one broker's dump.
type InstrumentSyncJob struct {
	service *instruments.Service
	adapter domain.BrokerAdapter
	timeout time.Duration
	log     zerolog.Logger
}

// NewInstrumentSyncJob creates an instrument refresh job.
func NewInstrumentSyncJob(service *instruments.Service, adapter domain.BrokerAdapter,
	timeout time.Duration, log zerolog.Logger) *InstrumentSyncJob {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &InstrumentSyncJob{
		service: service,
		adapter: adapter,
		timeout: timeout,
		log:     log.With().Str("component", "instrument_sync_job").Logger(),
	}
}

// Name implements Job.
func (j *InstrumentSyncJob) Name() string {
	return "instruments:" + j.adapter.ID()
}

// Run implements Job.
func (j *InstrumentSyncJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	n, err := j.service.Refresh(ctx, j.adapter)
	if err != nil {
		return err
	}
	j.log.Info().Int("instruments", n).Str("broker", j.adapter.ID()).Msg("Instrument master refreshed")
	return nil
}

// CachePurgeJob evicts stale market snapshots.
type CachePurgeJob struct {
	cache     *marketdata.Cache
	retention time.Duration
	log       zerolog.Logger
}

// NewCachePurgeJob creates a market cache maintenance job.
func NewCachePurgeJob(cache *marketdata.Cache, retention time.Duration, log zerolog.Logger) *CachePurgeJob {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &CachePurgeJob{
		cache:     cache,
		retention: retention,
		log:       log.With().Str("component", "cache_purge_job").Logger(),
	}
}

// Name implements Job.
func (j *CachePurgeJob) Name() string { return "marketdata:purge" }

// Run implements Job.
func (j *CachePurgeJob) Run() error {
	n, err := j.cache.Purge(j.retention)
	if err != nil {
		return err
	}
	if n > 0 {
		j.log.Info().Int64("evicted", n).Msg("Purged stale market snapshots")
	}
	return nil
}
