package domain

import "time"

// InstrumentType categorizes tradable instruments.
type InstrumentType string

const (
	InstrumentEquity InstrumentType = "EQUITY"
	InstrumentFuture InstrumentType = "FUTURE"
	InstrumentOption InstrumentType = "OPTION"
	InstrumentETF    InstrumentType = "ETF"
)

// OptionKind distinguishes calls from puts.
type OptionKind string

const (
	OptionCall OptionKind = "CE"
	OptionPut  OptionKind = "PE"
)

// Instrument is exchange master data for a tradable security.
// Identity is (Exchange, Symbol). Immutable except for periodic refresh.
type Instrument struct {
	Exchange   string
	Symbol     string
	Name       string
	Type       InstrumentType
	Segment    string // e.g. "EQ", "FO", "CD"
	LotSize    int64  // >= 1
	TickSize   Money  // > 0
	Expiry     *time.Time
	Strike     Money
	OptionType OptionKind
	Tradable   bool
	UpdatedAt  time.Time
}

// Key returns the canonical identity string "EXCHANGE:SYMBOL".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.Symbol
}

// IsDerivative reports whether the instrument carries derivative margin rules.
func (i *Instrument) IsDerivative() bool {
	return i.Type == InstrumentFuture || i.Type == InstrumentOption
}

// AssetClass maps the instrument type to its fee/margin rule group.
func (i *Instrument) AssetClass() AssetClass {
	if i.IsDerivative() {
		return AssetDerivative
	}
	return AssetEquity
}

// EffectiveLotSize returns LotSize, defaulting to 1 when unset.
func (i *Instrument) EffectiveLotSize() int64 {
	if i.LotSize < 1 {
		return 1
	}
	return i.LotSize
}
