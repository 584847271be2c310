package domain

import "time"

// ReconScope selects what a reconciliation run compares.
type ReconScope string

const (
	ReconOrders    ReconScope = "orders"
	ReconPositions ReconScope = "positions"
	ReconHoldings  ReconScope = "holdings"
	ReconAll       ReconScope = "all"
)

// Valid reports whether the scope is canonical.
func (s ReconScope) Valid() bool {
	switch s {
	case ReconOrders, ReconPositions, ReconHoldings, ReconAll:
		return true
	}
	return false
}

// ReconRunStatus is the lifecycle status of a reconciliation run.
type ReconRunStatus string

const (
	ReconRunning             ReconRunStatus = "running"
	ReconCompleted           ReconRunStatus = "completed"
	ReconFailed              ReconRunStatus = "failed"
	ReconCompletedWithErrors ReconRunStatus = "completed_with_errors"
)

// ReconItemStatus tracks operator resolution of a recorded discrepancy.
type ReconItemStatus string

const (
	ReconMismatch           ReconItemStatus = "mismatch"
	ReconResolved           ReconItemStatus = "resolved"
	ReconIgnored            ReconItemStatus = "ignored"
	ReconManualIntervention ReconItemStatus = "manual_intervention"
)

// ReconciliationRun is the header row of one reconciliation pass.
type ReconciliationRun struct {
	ID              string
	BrokerID        string
	Scope           ReconScope
	Status          ReconRunStatus
	ItemsChecked    int
	MismatchesFound int
	StartedAt       time.Time
	FinishedAt      *time.Time
	Error           string
}

// ReconciliationItem records one discrepancy between local and broker state.
// SystemSnapshot and BrokerSnapshot are JSON documents; Discrepancy is the
// JSON field-by-field diff.
type ReconciliationItem struct {
	ID             int64
	RunID          string
	ItemType       ReconScope // orders | positions | holdings
	ItemID         string     // Local identifier; empty for orphans
	BrokerRefID    string     // Broker identifier; empty for ghosts
	SystemSnapshot string
	BrokerSnapshot string
	Discrepancy    string
	Status         ReconItemStatus
	CreatedAt      time.Time
}
