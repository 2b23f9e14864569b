package norm

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/valyala/fastjson"

	"whaleflow/internal/models"
)

// NormalizationError reports a payload that could not be mapped onto a
// canonical MarketEvent: a missing or non-numeric field, or a message whose
// declared type does not match what the subscription expects. The failing
// message is skipped; the connection stays up.
type NormalizationError struct {
	Exchange string
	Field    string
	Reason   string
}

func (e *NormalizationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s payload rejected: field %q %s", e.Exchange, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s payload rejected: %s", e.Exchange, e.Reason)
}

// Normalizer maps raw feed payloads into canonical market events. One raw
// message may carry several events (some feeds batch), so implementations
// return a slice.
type Normalizer interface {
	Normalize(raw models.RawFeedMessage) ([]models.MarketEvent, error)
}

// ForFeed selects a normalizer for the given exchange and expected event
// kind. The expected kind makes the normalizer fail closed on control
// frames and cross-delivered topics.
func ForFeed(exchange string, kind models.EventKind) (Normalizer, error) {
	switch exchange {
	case "binance":
		return &binanceNormalizer{kind: kind}, nil
	case "bybit":
		return &bybitNormalizer{kind: kind}, nil
	default:
		return nil, fmt.Errorf("no normalizer for exchange %q", exchange)
	}
}

var sniffPool fastjson.ParserPool

// sniffString extracts one top-level string field without a full decode,
// used to route and reject messages cheaply before strict parsing.
func sniffString(data []byte, key string) string {
	p := sniffPool.Get()
	defer sniffPool.Put(p)

	v, err := p.ParseBytes(data)
	if err != nil {
		return ""
	}
	return string(v.GetStringBytes(key))
}

// parsePositiveDecimal parses an exact decimal that must be strictly
// positive. Float arithmetic is never used here: tier boundaries sit on
// round numbers and binary rounding of price*quantity could misclassify.
func parsePositiveDecimal(exchange, field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, &NormalizationError{Exchange: exchange, Field: field, Reason: "is absent"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, &NormalizationError{Exchange: exchange, Field: field, Reason: "is not numeric"}
	}
	if d.Sign() <= 0 {
		return decimal.Decimal{}, &NormalizationError{Exchange: exchange, Field: field, Reason: "must be positive"}
	}
	return d, nil
}
