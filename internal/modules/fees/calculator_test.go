package fees

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openquant/tradecore/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE fee_configurations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			broker_id TEXT NOT NULL,
			asset_class TEXT NOT NULL,
			segment TEXT NOT NULL,
			brokerage_flat INTEGER NOT NULL DEFAULT 0,
			brokerage_pct TEXT NOT NULL DEFAULT '0',
			brokerage_cap INTEGER NOT NULL DEFAULT 0,
			brokerage_min INTEGER NOT NULL DEFAULT 0,
			stt_pct TEXT NOT NULL DEFAULT '0',
			ctt_pct TEXT NOT NULL DEFAULT '0',
			exchange_tx_pct TEXT NOT NULL DEFAULT '0',
			gst_pct TEXT NOT NULL DEFAULT '0',
			sebi_pct TEXT NOT NULL DEFAULT '0',
			stamp_duty_pct TEXT NOT NULL DEFAULT '0',
			effective_from INTEGER NOT NULL,
			effective_to INTEGER
		);
		CREATE TABLE fee_calculations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id TEXT NOT NULL,
			config_id INTEGER NOT NULL,
			order_value INTEGER NOT NULL,
			brokerage INTEGER NOT NULL,
			stt INTEGER NOT NULL,
			ctt INTEGER NOT NULL,
			exchange_tx INTEGER NOT NULL,
			gst INTEGER NOT NULL,
			sebi INTEGER NOT NULL,
			stamp_duty INTEGER NOT NULL,
			total_fees INTEGER NOT NULL,
			calculated_at INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

func pct(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func equityIntradayConfig() *domain.FeeConfiguration {
	return &domain.FeeConfiguration{
		BrokerID:      "paper",
		AssetClass:    domain.AssetEquity,
		Segment:       "EQ_INTRADAY",
		BrokeragePct:  pct("0.03"),
		BrokerageCap:  domain.MoneyFromRupees(20),
		STTPct:        pct("0.025"),
		ExchangeTxPct: pct("0.00345"),
		GSTPct:        pct("18"),
		SEBIPct:       pct("0.0001"),
		StampDutyPct:  pct("0.003"),
		EffectiveFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCompute_EquityIntradayBuy(t *testing.T) {
	cfg := equityIntradayConfig()
	in := Input{
		Side:     domain.SideBuy,
		Price:    domain.MoneyFromRupees(100),
		Quantity: 100,
		LotSize:  1,
	}

	b := Compute(cfg, in)

	// order_value = 100 x 100 = 10,000
	assert.Equal(t, domain.MoneyFromRupees(10000), b.OrderValue)
	// brokerage = 0.03% of 10,000 = 3.00 (below the 20 cap)
	assert.Equal(t, "3.00", b.Brokerage.String())
	// stt = 0.025% of 10,000 = 2.50
	assert.Equal(t, "2.50", b.STT.String())
	// exchange = 0.00345% of 10,000 = 0.345 -> 0.35 half-up
	assert.Equal(t, "0.35", b.ExchangeTx.String())
	// sebi = 0.0001% of 10,000 = 0.01
	assert.Equal(t, "0.01", b.SEBI.String())
	// stamp duty (buy only) = 0.003% of 10,000 = 0.30
	assert.Equal(t, "0.30", b.StampDuty.String())
	// gst = 18% of (3.00 + 0.35 + 0.01) = 18% of 3.36 = 0.6048 -> 0.60
	assert.Equal(t, "0.60", b.GST.String())

	// Total is the sum of the rounded components
	sum := b.Brokerage + b.STT + b.CTT + b.ExchangeTx + b.GST + b.SEBI + b.StampDuty
	assert.Equal(t, sum, b.Total)
	assert.Equal(t, "6.76", b.Total.String())
}

func TestCompute_SellSideSkipsStampDuty(t *testing.T) {
	cfg := equityIntradayConfig()
	in := Input{
		Side:     domain.SideSell,
		Price:    domain.MoneyFromRupees(100),
		Quantity: 100,
		LotSize:  1,
	}

	b := Compute(cfg, in)
	assert.Equal(t, domain.Money(0), b.StampDuty)
}

func TestCompute_BrokerageCapAndFloor(t *testing.T) {
	cfg := equityIntradayConfig()
	cfg.BrokerageCap = domain.MoneyFromRupees(20)

	// Large order: 0.03% of 1,00,00,000 = 3,000 -> capped at 20
	in := Input{
		Side:     domain.SideBuy,
		Price:    domain.MoneyFromRupees(1000),
		Quantity: 10000,
		LotSize:  1,
	}
	b := Compute(cfg, in)
	assert.Equal(t, "20.00", b.Brokerage.String())

	// Floor pulls tiny brokerage up
	cfg.BrokerageMin = domain.MoneyFromRupees(5)
	in.Quantity = 10 // 0.03% of 10,000 = 3 -> floored at 5
	in.Price = domain.MoneyFromRupees(1000)
	b = Compute(cfg, in)
	assert.Equal(t, "5.00", b.Brokerage.String())
}

func TestCompute_FlatBrokerage(t *testing.T) {
	cfg := equityIntradayConfig()
	cfg.BrokeragePct = decimal.Zero
	cfg.BrokerageFlat = domain.MoneyFromRupees(15)

	in := Input{Side: domain.SideBuy, Price: domain.MoneyFromRupees(50), Quantity: 10, LotSize: 1}
	b := Compute(cfg, in)
	assert.Equal(t, "15.00", b.Brokerage.String())
}

func TestCompute_LotSizeMultipliesOrderValue(t *testing.T) {
	cfg := equityIntradayConfig()
	in := Input{
		Side:     domain.SideBuy,
		Price:    domain.MoneyFromRupees(100),
		Quantity: 2,
		LotSize:  50,
	}
	b := Compute(cfg, in)
	assert.Equal(t, domain.MoneyFromRupees(10000), b.OrderValue)
}

func TestActiveAt_SelectsByEffectiveWindow(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	old := equityIntradayConfig()
	oldEnd := time.Date(2024, 6, 30, 23, 59, 59, 0, time.UTC)
	old.EffectiveTo = &oldEnd
	require.NoError(t, repo.Insert(db, old))

	current := equityIntradayConfig()
	current.BrokeragePct = pct("0.02")
	current.EffectiveFrom = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Insert(db, current))

	got, err := repo.ActiveAt(db, "paper", domain.AssetEquity, "EQ_INTRADAY",
		time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, got.BrokeragePct.Equal(pct("0.02")))

	got, err = repo.ActiveAt(db, "paper", domain.AssetEquity, "EQ_INTRADAY",
		time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, got.BrokeragePct.Equal(pct("0.03")))
}

func TestActiveAt_OverlapPicksLatestEffectiveFrom(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	a := equityIntradayConfig()
	a.EffectiveFrom = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Insert(db, a))

	b := equityIntradayConfig()
	b.BrokeragePct = pct("0.01")
	b.EffectiveFrom = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Insert(db, b))

	got, err := repo.ActiveAt(db, "paper", domain.AssetEquity, "EQ_INTRADAY",
		time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, got.BrokeragePct.Equal(pct("0.01")), "latest effective_from must win on overlap")
}

func TestActiveAt_NoRuleReturnsNotFound(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())

	_, err := repo.ActiveAt(db, "paper", domain.AssetEquity, "EQ_INTRADAY", time.Now())
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))
}

func TestRecord_PersistsImmutableCalculation(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db, zerolog.Nop())
	calc := NewCalculator(repo, zerolog.Nop())

	cfg := equityIntradayConfig()
	require.NoError(t, repo.Insert(db, cfg))

	order := &domain.Order{ID: "o-1"}
	in := Input{
		BrokerID:   "paper",
		AssetClass: domain.AssetEquity,
		Segment:    "EQ_INTRADAY",
		Side:       domain.SideBuy,
		Price:      domain.MoneyFromRupees(100),
		Quantity:   100,
		LotSize:    1,
		TradeTime:  time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC),
	}

	fc, err := calc.Record(db, order, in)
	require.NoError(t, err)
	assert.NotZero(t, fc.ID)

	stored, err := repo.CalculationForOrder(db, "o-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, fc.Breakdown.Total, stored.Breakdown.Total)
	assert.Equal(t, fc.Breakdown.Brokerage, stored.Breakdown.Brokerage)
}
