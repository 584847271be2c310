// Package reconciliation diffs local engine state against broker truth and
// records the drift for operator resolution.
package reconciliation

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

// Repository handles reconciliation run and item persistence.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new reconciliation repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "reconciliation").Logger(),
	}
}

// CreateRun inserts the run header in its initial running state.
func (r *Repository) CreateRun(q Querier, run *domain.ReconciliationRun) error {
	run.Status = domain.ReconRunning
	run.StartedAt = time.Now()

	_, err := q.Exec(`
		INSERT INTO reconciliation_runs (id, broker_id, scope, status, items_checked, mismatches_found, started_at, error)
		VALUES (?, ?, ?, ?, 0, 0, ?, '')`,
		run.ID, run.BrokerID, string(run.Scope), string(run.Status), run.StartedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create reconciliation run: %w", err)
	}
	return nil
}

// FinishRun records the final status and counters of a run.
func (r *Repository) FinishRun(q Querier, run *domain.ReconciliationRun) error {
	now := time.Now()
	run.FinishedAt = &now

	_, err := q.Exec(`
		UPDATE reconciliation_runs
		SET status = ?, items_checked = ?, mismatches_found = ?, finished_at = ?, error = ?
		WHERE id = ?`,
		string(run.Status), run.ItemsChecked, run.MismatchesFound, now.Unix(), run.Error, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish reconciliation run: %w", err)
	}
	return nil
}

// GetRun returns a run header by ID.
func (r *Repository) GetRun(q Querier, id string) (*domain.ReconciliationRun, error) {
	row := q.QueryRow(`
		SELECT id, broker_id, scope, status, items_checked, mismatches_found, started_at, finished_at, error
		FROM reconciliation_runs WHERE id = ?`, id)

	var run domain.ReconciliationRun
	var scope, status string
	var startedAt int64
	var finishedAt sql.NullInt64
	err := row.Scan(&run.ID, &run.BrokerID, &scope, &status,
		&run.ItemsChecked, &run.MismatchesFound, &startedAt, &finishedAt, &run.Error)
	if err == sql.ErrNoRows {
		return nil, domain.NewError(domain.ErrNotFound, "reconciliation run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reconciliation run: %w", err)
	}
	run.Scope = domain.ReconScope(scope)
	run.Status = domain.ReconRunStatus(status)
	run.StartedAt = time.Unix(startedAt, 0)
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		run.FinishedAt = &t
	}
	return &run, nil
}

// AppendItem records one discrepancy under a run.
func (r *Repository) AppendItem(q Querier, item *domain.ReconciliationItem) error {
	if item.Status == "" {
		item.Status = domain.ReconMismatch
	}
	item.CreatedAt = time.Now()

	res, err := q.Exec(`
		INSERT INTO reconciliation_items (run_id, item_type, item_id, broker_ref_id,
			system_snapshot, broker_snapshot, discrepancy, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.RunID, string(item.ItemType), item.ItemID, item.BrokerRefID,
		item.SystemSnapshot, item.BrokerSnapshot, item.Discrepancy,
		string(item.Status), item.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to append reconciliation item: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		item.ID = id
	}
	return nil
}

// Items returns all discrepancies recorded under a run.
func (r *Repository) Items(q Querier, runID string) ([]domain.ReconciliationItem, error) {
	rows, err := q.Query(`
		SELECT id, run_id, item_type, item_id, broker_ref_id,
			system_snapshot, broker_snapshot, discrepancy, status, created_at
		FROM reconciliation_items
		WHERE run_id = ?
		ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reconciliation items: %w", err)
	}
	defer rows.Close()

	var out []domain.ReconciliationItem
	for rows.Next() {
		var item domain.ReconciliationItem
		var itemType, status string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.RunID, &itemType, &item.ItemID, &item.BrokerRefID,
			&item.SystemSnapshot, &item.BrokerSnapshot, &item.Discrepancy, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan reconciliation item: %w", err)
		}
		item.ItemType = domain.ReconScope(itemType)
		item.Status = domain.ReconItemStatus(status)
		item.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, item)
	}
	return out, rows.Err()
}

// ResolveItem applies an operator disposition to a recorded discrepancy.
func (r *Repository) ResolveItem(q Querier, itemID int64, status domain.ReconItemStatus) error {
	res, err := q.Exec(`UPDATE reconciliation_items SET status = ? WHERE id = ?`,
		string(status), itemID)
	if err != nil {
		return fmt.Errorf("failed to resolve reconciliation item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewError(domain.ErrNotFound, "reconciliation item %d not found", itemID)
	}
	return nil
}
