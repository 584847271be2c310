package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquant/tradecore/internal/domain"
)

var hundredDecimal = decimal.NewFromInt(100)

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// PnLTracker accumulates realized P&L for the current session and tracks the
// equity high-water mark. It feeds the daily-loss and drawdown checks; the
// portfolio reducer reports realized deltas into it as fills land.
type PnLTracker struct {
	mu          sync.Mutex
	day         time.Time
	realized    domain.Money
	equity      domain.Money
	peakEquity  domain.Money
	baseEquity  domain.Money
}

// NewPnLTracker creates a tracker seeded with the account's opening equity.
func NewPnLTracker(openingEquity domain.Money) *PnLTracker {
	return &PnLTracker{
		day:        today(),
		equity:     openingEquity,
		peakEquity: openingEquity,
		baseEquity: openingEquity,
	}
}

// RecordRealized folds a realized P&L delta into today's total.
// A date rollover resets the session.
func (t *PnLTracker) RecordRealized(delta domain.Money) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	t.realized += delta
	t.equity = t.baseEquity + t.realized
	if t.equity > t.peakEquity {
		t.peakEquity = t.equity
	}
}

// Snapshot returns today's realized P&L, current equity and the session peak.
func (t *PnLTracker) Snapshot() (realized, equity, peak domain.Money) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.realized, t.equity, t.peakEquity
}

// rollover resets the session on date change. Caller holds the lock.
func (t *PnLTracker) rollover() {
	if now := today(); !now.Equal(t.day) {
		t.day = now
		t.baseEquity = t.equity
		t.realized = 0
		t.peakEquity = t.equity
	}
}

func today() time.Time {
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
}
