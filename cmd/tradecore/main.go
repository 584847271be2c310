// Package main is the tradecore command line. One binary carries the whole
// surface: order submission and cancellation, portfolio listings, instrument
// master refresh, reconciliation sweeps and the long-running engine process
// (event consumers plus scheduled jobs).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/brokers/paper"
	"github.com/openquant/tradecore/internal/brokers/rest"
	"github.com/openquant/tradecore/internal/config"
	"github.com/openquant/tradecore/internal/coordinator"
	"github.com/openquant/tradecore/internal/database"
	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/events"
	"github.com/openquant/tradecore/internal/marketdata"
	"github.com/openquant/tradecore/internal/modules/fees"
	"github.com/openquant/tradecore/internal/modules/instruments"
	"github.com/openquant/tradecore/internal/modules/margin"
	"github.com/openquant/tradecore/internal/modules/orders"
	"github.com/openquant/tradecore/internal/modules/portfolio"
	"github.com/openquant/tradecore/internal/modules/reconciliation"
	"github.com/openquant/tradecore/internal/modules/risk"
	"github.com/openquant/tradecore/internal/modules/routing"
	"github.com/openquant/tradecore/internal/scheduler"
	"github.com/openquant/tradecore/pkg/logger"
)

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: tradecore <command> [flags]

Commands:
  submit               Submit an order intent
  cancel               Cancel a live order
  orders               List open orders
  positions            List positions
  holdings             List holdings for a broker
  instruments-refresh  Refresh the instrument master from broker dumps
  reconcile            Run one reconciliation sweep
  serve                Run the engine: event consumers and scheduled jobs`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	command, args := os.Args[1], os.Args[2:]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})

	app, err := buildApp(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize engine")
	}
	defer app.Close()

	switch command {
	case "submit":
		err = app.cmdSubmit(args)
	case "cancel":
		err = app.cmdCancel(args)
	case "orders":
		err = app.cmdOrders(args)
	case "positions":
		err = app.cmdPositions(args)
	case "holdings":
		err = app.cmdHoldings(args)
	case "instruments-refresh":
		err = app.cmdInstrumentsRefresh(args)
	case "reconcile":
		err = app.cmdReconcile(args)
	case "serve":
		err = app.cmdServe()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Str("command", command).Msg("Command failed")
		os.Exit(1)
	}
}

// app wires the engine once per invocation. One-shot commands use the
// coordinator without starting the event consumers; serve starts everything.
type app struct {
	cfg   *config.Config
	rules *config.Rules
	log   zerolog.Logger

	tradingDB   *database.DB
	portfolioDB *database.DB
	cacheDB     *database.DB

	orders      *orders.Repository
	instruments *instruments.Service
	positions   *portfolio.Repository
	market      *marketdata.Cache
	events      *events.Manager
	recon       *reconciliation.Engine
	locks       *scheduler.LockStore
	adapters    map[string]domain.BrokerAdapter
	coord       *coordinator.Coordinator
}

func buildApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	rules := config.DefaultRules(cfg.DefaultBroker)
	if cfg.RulesPath != "" {
		loaded, err := config.LoadRules(cfg.RulesPath)
		if err != nil {
			return nil, err
		}
		rules = loaded
	}

	tradingDB, err := openDB(cfg, "trading", database.ProfileStandard)
	if err != nil {
		return nil, err
	}
	portfolioDB, err := openDB(cfg, "portfolio", database.ProfileLedger)
	if err != nil {
		return nil, err
	}
	cacheDB, err := openDB(cfg, "cache", database.ProfileCache)
	if err != nil {
		return nil, err
	}

	ordersRepo := orders.NewRepository(tradingDB.Conn(), log)
	idem := orders.NewIdempotencyStore(ordersRepo, log)
	instrumentsRepo := instruments.NewRepository(tradingDB.Conn(), log)
	instrumentsSvc := instruments.NewService(tradingDB.Conn(), instrumentsRepo, log)
	feesCalc := fees.NewCalculator(fees.NewRepository(tradingDB.Conn(), log), log)
	marginCalc := margin.NewCalculator(margin.NewRepository(tradingDB.Conn(), log), log)
	riskGate := risk.NewGate(risk.NewRepository(tradingDB.Conn(), log), risk.DefaultVaRConfig(), log)
	pnl := risk.NewPnLTracker(cfg.OpeningEquity)
	router := routing.NewRouter(rules.Routing, log)
	positionsRepo := portfolio.NewRepository(portfolioDB.Conn(), log)
	reducer := portfolio.NewReducer(positionsRepo, log)
	market := marketdata.NewCache(cacheDB.Conn(), log)
	eventBus := events.NewManager(log)
	reconEngine := reconciliation.NewEngine(
		reconciliation.NewRepository(tradingDB.Conn(), log),
		ordersRepo, positionsRepo, tradingDB.Conn(), portfolioDB.Conn(), log)
	locks := scheduler.NewLockStore(cacheDB.Conn(), log)

	adapters, err := buildAdapters(rules, cfg, log)
	if err != nil {
		return nil, err
	}

	coord := coordinator.New(coordinator.Deps{
		TradingDB:   tradingDB.Conn(),
		PortfolioDB: portfolioDB.Conn(),
		Orders:      ordersRepo,
		Idempotency: idem,
		Fees:        feesCalc,
		Margin:      marginCalc,
		Risk:        riskGate,
		PnL:         pnl,
		Router:      router,
		Instruments: instrumentsSvc,
		Portfolio:   reducer,
		Positions:   positionsRepo,
		Market:      market,
		Events:      eventBus,
		Adapters:    adapters,
	}, coordinator.Config{
		QueueCapacity:  cfg.QueueCapacity,
		RPCDeadline:    cfg.RPCDeadline,
		Workers:        cfg.Workers,
		AvailableFunds: func() domain.Money { return cfg.AvailableFunds },
	}, log)

	return &app{
		cfg:         cfg,
		rules:       rules,
		log:         log,
		tradingDB:   tradingDB,
		portfolioDB: portfolioDB,
		cacheDB:     cacheDB,
		orders:      ordersRepo,
		instruments: instrumentsSvc,
		positions:   positionsRepo,
		market:      market,
		events:      eventBus,
		recon:       reconEngine,
		locks:       locks,
		adapters:    adapters,
		coord:       coord,
	}, nil
}

func openDB(cfg *config.Config, name string, profile database.DatabaseProfile) (*database.DB, error) {
	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(name + ".db"),
		Profile: profile,
		Name:    name,
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate %s database: %w", name, err)
	}
	return db, nil
}

func buildAdapters(rules *config.Rules, cfg *config.Config, log zerolog.Logger) (map[string]domain.BrokerAdapter, error) {
	adapters := make(map[string]domain.BrokerAdapter, len(rules.Brokers))
	for _, b := range rules.Brokers {
		switch b.Kind {
		case "paper":
			adapters[b.ID] = paper.New(b.ID, paper.FillImmediate, log)
		case "rest":
			adapters[b.ID] = rest.New(rest.Config{
				BrokerID:          b.ID,
				BaseURL:           b.BaseURL,
				WSURL:             b.WSURL,
				APIKey:            b.APIKey(),
				APISecret:         b.APISecret(),
				RequestsPerSecond: b.RequestsPerSecond,
				Burst:             b.Burst,
				Timeout:           cfg.RPCDeadline,
				MaxRetries:        b.MaxRetries,
			}, log)
		default:
			return nil, fmt.Errorf("unknown broker kind %q for %s", b.Kind, b.ID)
		}
	}
	return adapters, nil
}

func (a *app) Close() {
	for _, adapter := range a.adapters {
		if err := adapter.Close(); err != nil {
			a.log.Warn().Err(err).Str("broker", adapter.ID()).Msg("Failed to close broker adapter")
		}
	}
	for _, db := range []*database.DB{a.cacheDB, a.portfolioDB, a.tradingDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			a.log.Warn().Err(err).Str("database", db.Name()).Msg("Failed to close database")
		}
	}
}

func (a *app) cmdSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	key := fs.String("key", "", "idempotency key (optional)")
	strategy := fs.String("strategy", "", "owning strategy id")
	broker := fs.String("broker", "", "explicit broker override")
	exchange := fs.String("exchange", "NSE", "exchange code")
	symbol := fs.String("symbol", "", "instrument symbol")
	side := fs.String("side", "", "BUY or SELL")
	orderType := fs.String("type", "LIMIT", "LIMIT, MARKET, STOP_LOSS or STOP_LOSS_MARKET")
	validity := fs.String("validity", "DAY", "DAY or IOC")
	product := fs.String("product", "INTRADAY", "INTRADAY, DELIVERY or NORMAL")
	qty := fs.Int64("qty", 0, "order quantity")
	price := fs.String("price", "0", "limit price")
	trigger := fs.String("trigger", "0", "trigger price for stop orders")
	visible := fs.Int64("visible", 0, "iceberg visible quantity (0 = no split)")
	target := fs.String("target", "0", "bracket target price")
	stop := fs.String("stop", "0", "bracket stop price")
	if err := fs.Parse(args); err != nil {
		return err
	}

	priceM, err := domain.MoneyFromString(*price)
	if err != nil {
		return err
	}
	triggerM, err := domain.MoneyFromString(*trigger)
	if err != nil {
		return err
	}
	targetM, err := domain.MoneyFromString(*target)
	if err != nil {
		return err
	}
	stopM, err := domain.MoneyFromString(*stop)
	if err != nil {
		return err
	}

	intent := &domain.OrderIntent{
		IdempotencyKey:  *key,
		StrategyID:      *strategy,
		BrokerID:        *broker,
		Exchange:        *exchange,
		Symbol:          *symbol,
		Side:            domain.Side(*side),
		Type:            domain.OrderType(*orderType),
		Validity:        domain.Validity(*validity),
		Product:         domain.ProductType(*product),
		Quantity:        *qty,
		Price:           priceM,
		TriggerPrice:    triggerM,
		VisibleQuantity: *visible,
		TargetPrice:     targetM,
		StopPrice:       stopM,
	}

	order, err := a.coord.Submit(context.Background(), intent)
	if order != nil {
		// Let the async broker dispatch land before reading back.
		a.coord.Flush()
		if latest, gerr := a.orders.Get(a.tradingDB.Conn(), order.ID); gerr == nil {
			order = latest
		}
		fmt.Printf("order %s  state=%s  broker=%s  broker_order_id=%s\n",
			order.ID, order.State, order.BrokerID, order.BrokerOrderID)
		if order.StatusReason != "" {
			fmt.Printf("reason: %s\n", order.StatusReason)
		}
	}
	return err
}

func (a *app) cmdCancel(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	id := fs.String("order", "", "order id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-order is required")
	}
	if err := a.coord.Cancel(context.Background(), *id); err != nil {
		return err
	}
	fmt.Printf("cancel requested for order %s\n", *id)
	return nil
}

func (a *app) cmdOrders(args []string) error {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	state := fs.String("state", "", "filter by state (default: open orders)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var (
		list []domain.Order
		err  error
	)
	if *state != "" {
		list, err = a.orders.ListByState(a.tradingDB.Conn(), domain.OrderState(*state))
	} else {
		list, err = a.orders.ListOpen(a.tradingDB.Conn())
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tBROKER\tINSTRUMENT\tSIDE\tTYPE\tQTY\tFILLED\tPRICE\tSTATE")
	for i := range list {
		o := &list[i]
		fmt.Fprintf(w, "%s\t%s\t%s:%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			o.ID, o.BrokerID, o.Exchange, o.Symbol, o.Side, o.Type,
			o.Quantity, o.FilledQuantity, o.Price, o.State)
	}
	return w.Flush()
}

func (a *app) cmdPositions(args []string) error {
	fs := flag.NewFlagSet("positions", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	list, err := a.positions.ListAllPositions(a.portfolioDB.Conn())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BROKER\tINSTRUMENT\tPRODUCT\tNET\tBUY_AVG\tSELL_AVG\tREALIZED")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%s:%s\t%s\t%d\t%s\t%s\t%s\n",
			p.BrokerID, p.Exchange, p.Symbol, p.Product,
			p.NetQuantity, p.BuyAvgPrice, p.SellAvgPrice, p.RealizedPnL)
	}
	return w.Flush()
}

func (a *app) cmdHoldings(args []string) error {
	fs := flag.NewFlagSet("holdings", flag.ExitOnError)
	broker := fs.String("broker", "", "broker id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *broker == "" {
		*broker = a.rules.Routing.DefaultBroker
	}
	list, err := a.positions.ListHoldings(a.portfolioDB.Conn(), *broker)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTRUMENT\tQTY\tAVG_COST\tLTP\tVALUE")
	for _, h := range list {
		fmt.Fprintf(w, "%s:%s\t%d\t%s\t%s\t%s\n",
			h.Exchange, h.Symbol, h.Quantity, h.AvgCost, h.LastTradedPrice, h.CurrentValue())
	}
	return w.Flush()
}

func (a *app) cmdInstrumentsRefresh(args []string) error {
	fs := flag.NewFlagSet("instruments-refresh", flag.ExitOnError)
	broker := fs.String("broker", "", "refresh from one broker only")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	total := 0
	for id, adapter := range a.adapters {
		if *broker != "" && id != *broker {
			continue
		}
		n, err := a.instruments.Refresh(ctx, adapter)
		if err != nil {
			return fmt.Errorf("refresh from %s: %w", id, err)
		}
		total += n
	}
	fmt.Printf("refreshed %d instruments\n", total)
	return nil
}

func (a *app) cmdReconcile(args []string) error {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	broker := fs.String("broker", "", "broker id")
	scope := fs.String("scope", "all", "orders, positions, holdings or all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *broker == "" {
		*broker = a.rules.Routing.DefaultBroker
	}
	adapter, ok := a.adapters[*broker]
	if !ok {
		return fmt.Errorf("unknown broker %q", *broker)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	run, err := a.recon.Run(ctx, adapter, domain.ReconScope(*scope))
	if err != nil {
		return err
	}
	fmt.Printf("run %s  status=%s  checked=%d  mismatches=%d\n",
		run.ID, run.Status, run.ItemsChecked, run.MismatchesFound)
	return nil
}

func (a *app) cmdServe() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.coord.Start(ctx); err != nil {
		return err
	}

	sched := scheduler.New(a.log)
	for scope, cronExpr := range a.rules.Schedules.Reconciliation {
		for _, adapter := range a.adapters {
			job := scheduler.NewReconciliationJob(
				a.recon, adapter, domain.ReconScope(scope), a.locks, 5*time.Minute, a.log)
			if err := sched.AddJob(cronExpr, job); err != nil {
				return err
			}
		}
	}
	if expr := a.rules.Schedules.InstrumentSync; expr != "" {
		for _, adapter := range a.adapters {
			job := scheduler.NewInstrumentSyncJob(a.instruments, adapter, 10*time.Minute, a.log)
			if err := sched.AddJob(expr, job); err != nil {
				return err
			}
		}
	}
	if expr := a.rules.Schedules.CachePurge; expr != "" {
		if err := sched.AddJob(expr, scheduler.NewCachePurgeJob(a.market, 24*time.Hour, a.log)); err != nil {
			return err
		}
	}
	sched.Start()

	a.log.Info().
		Int("brokers", len(a.adapters)).
		Str("default_broker", a.rules.Routing.DefaultBroker).
		Msg("Engine running")

	<-ctx.Done()
	a.log.Info().Msg("Shutting down")

	sched.Stop()
	for _, adapter := range a.adapters {
		if err := adapter.Close(); err != nil {
			a.log.Warn().Err(err).Str("broker", adapter.ID()).Msg("Failed to close broker adapter")
		}
	}
	a.coord.Wait()
	return nil
}
