package norm

import (
	"encoding/json"
	"fmt"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"whaleflow/internal/models"
)

const (
	binanceEventAggTrade  = "aggTrade"
	binanceEventForce     = "forceOrder"
	binanceEventMarkPrice = "markPriceUpdate"
)

// binanceNormalizer decodes Binance futures websocket payloads using the
// typed event structs from the binance-go client.
type binanceNormalizer struct {
	kind models.EventKind
}

func (n *binanceNormalizer) Normalize(raw models.RawFeedMessage) ([]models.MarketEvent, error) {
	eventType := sniffString(raw.Data, "e")
	if eventType == "" {
		// subscription acks and heartbeats carry no event type
		return nil, &NormalizationError{Exchange: "binance", Reason: "control frame without event type"}
	}

	expected := n.expectedEventType()
	if eventType != expected {
		return nil, &NormalizationError{
			Exchange: "binance",
			Field:    "e",
			Reason:   fmt.Sprintf("declares %q, subscription expects %q", eventType, expected),
		}
	}

	switch n.kind {
	case models.KindTrade:
		return n.normalizeTrade(raw.Data)
	case models.KindLiquidation:
		return n.normalizeLiquidation(raw.Data)
	case models.KindMarkPrice:
		return n.normalizeMarkPrice(raw.Data)
	default:
		return nil, &NormalizationError{Exchange: "binance", Reason: fmt.Sprintf("unsupported kind %q", n.kind)}
	}
}

func (n *binanceNormalizer) expectedEventType() string {
	switch n.kind {
	case models.KindTrade:
		return binanceEventAggTrade
	case models.KindLiquidation:
		return binanceEventForce
	case models.KindMarkPrice:
		return binanceEventMarkPrice
	}
	return ""
}

func (n *binanceNormalizer) normalizeTrade(data []byte) ([]models.MarketEvent, error) {
	var ev futures.WsAggTradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &NormalizationError{Exchange: "binance", Reason: "malformed aggTrade payload"}
	}
	if ev.Symbol == "" {
		return nil, &NormalizationError{Exchange: "binance", Field: "s", Reason: "is absent"}
	}
	if ev.TradeTime <= 0 {
		return nil, &NormalizationError{Exchange: "binance", Field: "T", Reason: "is absent"}
	}

	price, err := parsePositiveDecimal("binance", "p", ev.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parsePositiveDecimal("binance", "q", ev.Quantity)
	if err != nil {
		return nil, err
	}

	// taker direction: when the buyer is the maker, the taker sold
	side := models.SideBuy
	if ev.Maker {
		side = models.SideSell
	}

	return []models.MarketEvent{{
		Instrument:     models.NewInstrument(ev.Symbol),
		Kind:           models.KindTrade,
		Side:           side,
		Price:          price,
		Quantity:       qty,
		ExchangeTimeMs: ev.TradeTime,
		SequenceID:     fmt.Sprintf("binance:agg:%s:%d", ev.Symbol, ev.AggregateTradeID),
	}}, nil
}

func (n *binanceNormalizer) normalizeLiquidation(data []byte) ([]models.MarketEvent, error) {
	var ev futures.WsLiquidationOrderEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &NormalizationError{Exchange: "binance", Reason: "malformed forceOrder payload"}
	}
	order := ev.LiquidationOrder
	if order.Symbol == "" {
		return nil, &NormalizationError{Exchange: "binance", Field: "o.s", Reason: "is absent"}
	}
	if order.TradeTime <= 0 {
		return nil, &NormalizationError{Exchange: "binance", Field: "o.T", Reason: "is absent"}
	}

	price, err := parsePositiveDecimal("binance", "o.p", order.Price)
	if err != nil {
		return nil, err
	}
	qty, err := parsePositiveDecimal("binance", "o.q", order.OrigQuantity)
	if err != nil {
		return nil, err
	}

	// the forced order trades against the position: a SELL order closes a
	// long, so the side being liquidated is the opposite of the order side
	var side models.Side
	switch string(order.Side) {
	case "BUY":
		side = models.SideSell
	case "SELL":
		side = models.SideBuy
	default:
		return nil, &NormalizationError{Exchange: "binance", Field: "o.S", Reason: "is not a known side"}
	}

	seq := fmt.Sprintf("binance:liq:%s:%s:%d:%s:%s", order.Symbol, order.Side, order.TradeTime, order.OrigQuantity, order.Price)

	return []models.MarketEvent{{
		Instrument:     models.NewInstrument(order.Symbol),
		Kind:           models.KindLiquidation,
		Side:           side,
		Price:          price,
		Quantity:       qty,
		ExchangeTimeMs: order.TradeTime,
		SequenceID:     seq,
	}}, nil
}

func (n *binanceNormalizer) normalizeMarkPrice(data []byte) ([]models.MarketEvent, error) {
	var ev futures.WsMarkPriceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &NormalizationError{Exchange: "binance", Reason: "malformed markPrice payload"}
	}
	if ev.Symbol == "" {
		return nil, &NormalizationError{Exchange: "binance", Field: "s", Reason: "is absent"}
	}
	if ev.Time <= 0 {
		return nil, &NormalizationError{Exchange: "binance", Field: "E", Reason: "is absent"}
	}

	mark, err := parsePositiveDecimal("binance", "p", ev.MarkPrice)
	if err != nil {
		return nil, err
	}

	// funding can legitimately be negative or zero
	funding := decimal.Zero
	if ev.FundingRate != "" {
		funding, err = decimal.NewFromString(ev.FundingRate)
		if err != nil {
			return nil, &NormalizationError{Exchange: "binance", Field: "r", Reason: "is not numeric"}
		}
	}

	side := models.SideBuy
	if funding.Sign() < 0 {
		side = models.SideSell
	}

	return []models.MarketEvent{{
		Instrument:     models.NewInstrument(ev.Symbol),
		Kind:           models.KindMarkPrice,
		Side:           side,
		Price:          mark,
		Quantity:       decimal.NewFromInt(1),
		ExchangeTimeMs: ev.Time,
		SequenceID:     fmt.Sprintf("binance:mark:%s:%d", ev.Symbol, ev.Time),
		FundingRate:    funding,
	}}, nil
}
