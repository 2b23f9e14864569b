package norm

import (
	"encoding/json"
	"fmt"
	"strings"

	"whaleflow/internal/models"
)

const (
	bybitTopicTrade = "publicTrade."
	bybitTopicLiq   = "allLiquidation."
)

// bybitNormalizer decodes Bybit v5 public stream payloads. Bybit batches
// several items per message, so one raw payload can yield multiple events.
type bybitNormalizer struct {
	kind models.EventKind
}

type bybitEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	TS    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitItem struct {
	Time    int64  `json:"T"`
	Symbol  string `json:"s"`
	Side    string `json:"S"`
	Volume  string `json:"v"`
	Price   string `json:"p"`
	TradeID string `json:"i"`
}

func (n *bybitNormalizer) Normalize(raw models.RawFeedMessage) ([]models.MarketEvent, error) {
	topic := sniffString(raw.Data, "topic")
	if topic == "" {
		// subscription acks arrive as {"op":"subscribe","success":true,...}
		return nil, &NormalizationError{Exchange: "bybit", Reason: "control frame without topic"}
	}

	var prefix string
	switch n.kind {
	case models.KindTrade:
		prefix = bybitTopicTrade
	case models.KindLiquidation:
		prefix = bybitTopicLiq
	default:
		return nil, &NormalizationError{Exchange: "bybit", Reason: fmt.Sprintf("unsupported kind %q", n.kind)}
	}
	if !strings.HasPrefix(topic, prefix) {
		return nil, &NormalizationError{
			Exchange: "bybit",
			Field:    "topic",
			Reason:   fmt.Sprintf("declares %q, subscription expects prefix %q", topic, prefix),
		}
	}

	var env bybitEnvelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return nil, &NormalizationError{Exchange: "bybit", Reason: "malformed envelope"}
	}
	var items []bybitItem
	if err := json.Unmarshal(env.Data, &items); err != nil {
		return nil, &NormalizationError{Exchange: "bybit", Field: "data", Reason: "is not an item array"}
	}
	if len(items) == 0 {
		return nil, &NormalizationError{Exchange: "bybit", Field: "data", Reason: "is empty"}
	}

	events := make([]models.MarketEvent, 0, len(items))
	for _, item := range items {
		ev, err := n.normalizeItem(item)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (n *bybitNormalizer) normalizeItem(item bybitItem) (models.MarketEvent, error) {
	if item.Symbol == "" {
		return models.MarketEvent{}, &NormalizationError{Exchange: "bybit", Field: "s", Reason: "is absent"}
	}
	if item.Time <= 0 {
		return models.MarketEvent{}, &NormalizationError{Exchange: "bybit", Field: "T", Reason: "is absent"}
	}

	price, err := parsePositiveDecimal("bybit", "p", item.Price)
	if err != nil {
		return models.MarketEvent{}, err
	}
	qty, err := parsePositiveDecimal("bybit", "v", item.Volume)
	if err != nil {
		return models.MarketEvent{}, err
	}

	var orderSide models.Side
	switch item.Side {
	case "Buy":
		orderSide = models.SideBuy
	case "Sell":
		orderSide = models.SideSell
	default:
		return models.MarketEvent{}, &NormalizationError{Exchange: "bybit", Field: "S", Reason: "is not a known side"}
	}

	ev := models.MarketEvent{
		Instrument:     models.NewInstrument(item.Symbol),
		Kind:           n.kind,
		Price:          price,
		Quantity:       qty,
		ExchangeTimeMs: item.Time,
	}

	switch n.kind {
	case models.KindTrade:
		// S is already the taker direction on publicTrade
		ev.Side = orderSide
		ev.SequenceID = fmt.Sprintf("bybit:trade:%s:%s", item.Symbol, item.TradeID)
	case models.KindLiquidation:
		// as on Binance, the forced order's side is opposite the
		// position being closed
		ev.Side = orderSide.Opposite()
		ev.SequenceID = fmt.Sprintf("bybit:liq:%s:%s:%d:%s:%s", item.Symbol, item.Side, item.Time, item.Volume, item.Price)
	}
	return ev, nil
}
