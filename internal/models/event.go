package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind identifies the feed topic an event originated from.
type EventKind string

const (
	KindTrade       EventKind = "trade"
	KindLiquidation EventKind = "liquidation"
	KindMarkPrice   EventKind = "mark_price"
)

// Side is the taker direction for trades and the position side being
// forcibly closed for liquidations.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// quoteSuffixes lists quote currencies stripped from symbols for display.
// Ordering matters: longer suffixes are tried first so USDT wins over USD.
var quoteSuffixes = []string{"FDUSD", "USDT", "USDC", "BUSD", "USD"}

// Instrument keeps both forms of a market symbol. Symbol is the full
// exchange symbol and remains the routing and storage key; Display has the
// quote-currency suffix stripped. Two markets can collide after stripping
// (e.g. SOLUSDT and SOLUSDC), so Display must never be used for lookups.
type Instrument struct {
	Symbol  string
	Display string
}

// NewInstrument normalizes an exchange symbol into an Instrument.
func NewInstrument(symbol string) Instrument {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	display := symbol
	for _, suffix := range quoteSuffixes {
		if strings.HasSuffix(symbol, suffix) && len(symbol) > len(suffix) {
			display = strings.TrimSuffix(symbol, suffix)
			break
		}
	}
	return Instrument{Symbol: symbol, Display: display}
}

// MarketEvent is the canonical event produced by a normalizer. It is a
// value type: created per wire message, folded into a bucket or classified,
// then discarded.
type MarketEvent struct {
	Instrument Instrument
	Kind       EventKind
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal

	// ExchangeTimeMs is the exchange's own event time in epoch
	// milliseconds. It is the ordering key; receipt wall-clock is never
	// used for bucketing.
	ExchangeTimeMs int64

	// SequenceID is a feed-provided identifier used for de-duplication
	// across reconnect redelivery. Empty when the feed provides none.
	SequenceID string

	// FundingRate is populated for mark-price events only.
	FundingRate decimal.Decimal
}

// NotionalUSD is always recomputed from quantity and price; pre-computed
// notional fields on the wire are not trusted.
func (e MarketEvent) NotionalUSD() decimal.Decimal {
	return e.Quantity.Mul(e.Price)
}

// YearlyFundingPct annualizes a funding rate assuming three settlements per
// day, expressed as a percentage.
func (e MarketEvent) YearlyFundingPct() decimal.Decimal {
	return e.FundingRate.Mul(decimal.NewFromInt(3 * 365 * 100))
}

// RawFeedMessage is a raw payload captured from an exchange stream together
// with routing metadata. The payload stays opaque until normalization.
type RawFeedMessage struct {
	Exchange string
	Topic    string
	Data     []byte
	Received time.Time
}
