package reconciliation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/modules/orders"
	"github.com/openquant/tradecore/internal/modules/portfolio"
)

// Engine runs reconciliation passes: it fetches broker snapshots, diffs them
// against local state and records discrepancies. Resolution is advisory; the
// engine never mutates orders or positions.
type Engine struct {
	repo        *Repository
	orders      *orders.Repository
	portfolio   *portfolio.Repository
	tradingDB   *sql.DB
	portfolioDB *sql.DB
	log         zerolog.Logger
}

// NewEngine creates a new reconciliation engine
func NewEngine(repo *Repository, ordersRepo *orders.Repository, portfolioRepo *portfolio.Repository,
	tradingDB, portfolioDB *sql.DB, log zerolog.Logger) *Engine {
	return &Engine{
		repo:        repo,
		orders:      ordersRepo,
		portfolio:   portfolioRepo,
		tradingDB:   tradingDB,
		portfolioDB: portfolioDB,
		log:         log.With().Str("service", "reconciliation").Logger(),
	}
}

// fieldDiff is one differing attribute in a discrepancy record.
type fieldDiff struct {
	Local  interface{} `json:"local"`
	Broker interface{} `json:"broker"`
}

// Run executes one reconciliation pass against a broker. Scope "all" fans
// out over orders, positions and holdings concurrently. The returned run
// carries final counters and status.
func (e *Engine) Run(ctx context.Context, adapter domain.BrokerAdapter, scope domain.ReconScope) (*domain.ReconciliationRun, error) {
	if !scope.Valid() {
		return nil, domain.NewError(domain.ErrValidation, "invalid reconciliation scope %q", scope)
	}

	run := &domain.ReconciliationRun{
		ID:       uuid.NewString(),
		BrokerID: adapter.ID(),
		Scope:    scope,
	}
	if err := e.repo.CreateRun(e.tradingDB, run); err != nil {
		return nil, err
	}

	scopes := []domain.ReconScope{scope}
	if scope == domain.ReconAll {
		scopes = []domain.ReconScope{domain.ReconOrders, domain.ReconPositions, domain.ReconHoldings}
	}

	var mu sync.Mutex
	var items []domain.ReconciliationItem
	checked := 0

	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range scopes {
		sc := sc
		g.Go(func() error {
			var scopeItems []domain.ReconciliationItem
			var scopeChecked int
			var err error
			switch sc {
			case domain.ReconOrders:
				scopeItems, scopeChecked, err = e.diffOrders(gctx, adapter)
			case domain.ReconPositions:
				scopeItems, scopeChecked, err = e.diffPositions(gctx, adapter)
			case domain.ReconHoldings:
				scopeItems, scopeChecked, err = e.diffHoldings(gctx, adapter)
			}
			if err != nil {
				return fmt.Errorf("%s scope: %w", sc, err)
			}
			mu.Lock()
			items = append(items, scopeItems...)
			checked += scopeChecked
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		run.Status = domain.ReconFailed
		run.Error = err.Error()
		if ferr := e.repo.FinishRun(e.tradingDB, run); ferr != nil {
			e.log.Error().Err(ferr).Str("run_id", run.ID).Msg("Failed to record failed run")
		}
		return run, err
	}

	for i := range items {
		items[i].RunID = run.ID
		if err := e.repo.AppendItem(e.tradingDB, &items[i]); err != nil {
			return nil, err
		}
	}

	run.ItemsChecked = checked
	run.MismatchesFound = len(items)
	run.Status = domain.ReconCompleted
	if run.MismatchesFound > 0 {
		run.Status = domain.ReconCompletedWithErrors
	}
	if err := e.repo.FinishRun(e.tradingDB, run); err != nil {
		return nil, err
	}

	e.log.Info().
		Str("run_id", run.ID).
		Str("broker_id", run.BrokerID).
		Str("scope", string(scope)).
		Int("items_checked", run.ItemsChecked).
		Int("mismatches", run.MismatchesFound).
		Msg("Reconciliation run finished")
	return run, nil
}

// diffOrders compares local open orders against the broker's order book.
func (e *Engine) diffOrders(ctx context.Context, adapter domain.BrokerAdapter) ([]domain.ReconciliationItem, int, error) {
	brokerOrders, err := adapter.FetchOpenOrders(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch broker orders: %w", err)
	}
	local, err := e.orders.ListOpen(e.tradingDB)
	if err != nil {
		return nil, 0, err
	}

	brokerByID := make(map[string]*domain.BrokerOrderSnapshot, len(brokerOrders))
	for i := range brokerOrders {
		brokerByID[brokerOrders[i].BrokerOrderID] = &brokerOrders[i]
	}

	var items []domain.ReconciliationItem
	checked := 0
	seen := make(map[string]bool)

	for i := range local {
		o := &local[i]
		if o.BrokerID != adapter.ID() || o.BrokerOrderID == "" {
			continue
		}
		checked++
		seen[o.BrokerOrderID] = true

		remote, ok := brokerByID[o.BrokerOrderID]
		if !ok {
			// Ghost: we believe the order is live, the broker has no record.
			items = append(items, domain.ReconciliationItem{
				ItemType:       domain.ReconOrders,
				ItemID:         o.ID,
				BrokerRefID:    o.BrokerOrderID,
				SystemSnapshot: marshalJSON(orderSnapshot(o)),
				Discrepancy:    marshalJSON(map[string]fieldDiff{"presence": {Local: "present", Broker: "missing"}}),
			})
			continue
		}

		diff := make(map[string]fieldDiff)
		if o.State != remote.State {
			diff["state"] = fieldDiff{Local: string(o.State), Broker: string(remote.State)}
		}
		if o.FilledQuantity != remote.FilledQuantity {
			diff["filled_quantity"] = fieldDiff{Local: o.FilledQuantity, Broker: remote.FilledQuantity}
		}
		if o.AvgFillPrice != remote.AvgFillPrice {
			diff["avg_price"] = fieldDiff{Local: o.AvgFillPrice.String(), Broker: remote.AvgFillPrice.String()}
		}
		if o.Quantity != remote.Quantity {
			diff["quantity"] = fieldDiff{Local: o.Quantity, Broker: remote.Quantity}
		}
		if len(diff) > 0 {
			items = append(items, domain.ReconciliationItem{
				ItemType:       domain.ReconOrders,
				ItemID:         o.ID,
				BrokerRefID:    o.BrokerOrderID,
				SystemSnapshot: marshalJSON(orderSnapshot(o)),
				BrokerSnapshot: marshalJSON(remote),
				Discrepancy:    marshalJSON(diff),
			})
		}
	}

	// Orphans: live at the broker with no local record.
	for i := range brokerOrders {
		remote := &brokerOrders[i]
		if seen[remote.BrokerOrderID] {
			continue
		}
		if _, err := e.orders.GetByBrokerOrderID(e.tradingDB, remote.BrokerOrderID); err == nil {
			// A terminal local order fell out of ListOpen; not an orphan.
			continue
		}
		checked++
		items = append(items, domain.ReconciliationItem{
			ItemType:       domain.ReconOrders,
			BrokerRefID:    remote.BrokerOrderID,
			BrokerSnapshot: marshalJSON(remote),
			Discrepancy:    marshalJSON(map[string]fieldDiff{"presence": {Local: "missing", Broker: "present"}}),
		})
	}

	return items, checked, nil
}

// diffPositions compares local positions against the broker's position book.
func (e *Engine) diffPositions(ctx context.Context, adapter domain.BrokerAdapter) ([]domain.ReconciliationItem, int, error) {
	brokerPositions, err := adapter.FetchPositions(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch broker positions: %w", err)
	}
	local, err := e.portfolio.ListPositions(e.portfolioDB, adapter.ID())
	if err != nil {
		return nil, 0, err
	}

	key := func(exchange, symbol string, product domain.ProductType) string {
		return exchange + ":" + symbol + ":" + string(product)
	}
	brokerByKey := make(map[string]*domain.BrokerPositionSnapshot, len(brokerPositions))
	for i := range brokerPositions {
		p := &brokerPositions[i]
		brokerByKey[key(p.Exchange, p.Symbol, p.Product)] = p
	}

	var items []domain.ReconciliationItem
	checked := 0
	seen := make(map[string]bool)

	for _, p := range local {
		k := key(p.Exchange, p.Symbol, p.Product)
		checked++
		seen[k] = true

		remote, ok := brokerByKey[k]
		if !ok {
			if p.NetQuantity == 0 {
				// Brokers drop flat positions from the book; not drift.
				continue
			}
			items = append(items, domain.ReconciliationItem{
				ItemType:       domain.ReconPositions,
				ItemID:         k,
				SystemSnapshot: marshalJSON(p),
				Discrepancy:    marshalJSON(map[string]fieldDiff{"presence": {Local: "present", Broker: "missing"}}),
			})
			continue
		}

		diff := make(map[string]fieldDiff)
		if p.NetQuantity != remote.NetQuantity {
			diff["net_quantity"] = fieldDiff{Local: p.NetQuantity, Broker: remote.NetQuantity}
		}
		if p.BuyQuantity != remote.BuyQuantity {
			diff["buy_quantity"] = fieldDiff{Local: p.BuyQuantity, Broker: remote.BuyQuantity}
		}
		if p.SellQuantity != remote.SellQuantity {
			diff["sell_quantity"] = fieldDiff{Local: p.SellQuantity, Broker: remote.SellQuantity}
		}
		if len(diff) > 0 {
			items = append(items, domain.ReconciliationItem{
				ItemType:       domain.ReconPositions,
				ItemID:         k,
				SystemSnapshot: marshalJSON(p),
				BrokerSnapshot: marshalJSON(remote),
				Discrepancy:    marshalJSON(diff),
			})
		}
	}

	for i := range brokerPositions {
		remote := &brokerPositions[i]
		k := key(remote.Exchange, remote.Symbol, remote.Product)
		if seen[k] || remote.NetQuantity == 0 {
			continue
		}
		checked++
		items = append(items, domain.ReconciliationItem{
			ItemType:       domain.ReconPositions,
			BrokerRefID:    k,
			BrokerSnapshot: marshalJSON(remote),
			Discrepancy:    marshalJSON(map[string]fieldDiff{"presence": {Local: "missing", Broker: "present"}}),
		})
	}

	return items, checked, nil
}

// diffHoldings compares local holdings against the broker's demat statement.
func (e *Engine) diffHoldings(ctx context.Context, adapter domain.BrokerAdapter) ([]domain.ReconciliationItem, int, error) {
	brokerHoldings, err := adapter.FetchHoldings(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch broker holdings: %w", err)
	}
	local, err := e.portfolio.ListHoldings(e.portfolioDB, adapter.ID())
	if err != nil {
		return nil, 0, err
	}

	key := func(exchange, symbol string) string { return exchange + ":" + symbol }
	brokerByKey := make(map[string]*domain.BrokerHoldingSnapshot, len(brokerHoldings))
	for i := range brokerHoldings {
		h := &brokerHoldings[i]
		brokerByKey[key(h.Exchange, h.Symbol)] = h
	}

	var items []domain.ReconciliationItem
	checked := 0
	seen := make(map[string]bool)

	for _, h := range local {
		k := key(h.Exchange, h.Symbol)
		checked++
		seen[k] = true

		remote, ok := brokerByKey[k]
		if !ok {
			if h.Quantity == 0 {
				continue
			}
			items = append(items, domain.ReconciliationItem{
				ItemType:       domain.ReconHoldings,
				ItemID:         k,
				SystemSnapshot: marshalJSON(h),
				Discrepancy:    marshalJSON(map[string]fieldDiff{"presence": {Local: "present", Broker: "missing"}}),
			})
			continue
		}

		diff := make(map[string]fieldDiff)
		if h.Quantity != remote.Quantity {
			diff["quantity"] = fieldDiff{Local: h.Quantity, Broker: remote.Quantity}
		}
		if h.AvgCost != remote.AvgCost {
			diff["avg_cost"] = fieldDiff{Local: h.AvgCost.String(), Broker: remote.AvgCost.String()}
		}
		if len(diff) > 0 {
			items = append(items, domain.ReconciliationItem{
				ItemType:       domain.ReconHoldings,
				ItemID:         k,
				SystemSnapshot: marshalJSON(h),
				BrokerSnapshot: marshalJSON(remote),
				Discrepancy:    marshalJSON(diff),
			})
		}
	}

	for i := range brokerHoldings {
		remote := &brokerHoldings[i]
		k := key(remote.Exchange, remote.Symbol)
		if seen[k] || remote.Quantity == 0 {
			continue
		}
		checked++
		items = append(items, domain.ReconciliationItem{
			ItemType:       domain.ReconHoldings,
			BrokerRefID:    k,
			BrokerSnapshot: marshalJSON(remote),
			Discrepancy:    marshalJSON(map[string]fieldDiff{"presence": {Local: "missing", Broker: "present"}}),
		})
	}

	return items, checked, nil
}

// orderSnapshot trims an order to the fields reconciliation compares.
func orderSnapshot(o *domain.Order) map[string]interface{} {
	return map[string]interface{}{
		"order_id":        o.ID,
		"broker_order_id": o.BrokerOrderID,
		"state":           string(o.State),
		"quantity":        o.Quantity,
		"filled_quantity": o.FilledQuantity,
		"avg_price":       o.AvgFillPrice.String(),
	}
}

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return string(b)
}
