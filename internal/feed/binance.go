package feed

import (
	"strings"
	"time"
)

const binanceDefaultURL = "wss://fstream.binance.com/ws"

// binanceDialect routes by URL path: one stream name per connection, no
// subscribe frame needed. The server pings every few minutes and the
// default pong handler answers, so no client keep-alive runs.
type binanceDialect struct {
	baseURL string
}

// Binance returns the dialect for the Binance USD-M futures stream. An
// empty baseURL selects the production endpoint.
func Binance(baseURL string) Dialect {
	url := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if url == "" {
		url = binanceDefaultURL
	}
	return &binanceDialect{baseURL: url}
}

func (d *binanceDialect) Name() string { return "binance" }

func (d *binanceDialect) DialURL(topic string) string {
	return d.baseURL + "/" + topic
}

func (d *binanceDialect) SubscribeFrames(string) ([][]byte, error) { return nil, nil }

func (d *binanceDialect) KeepAlive() time.Duration { return 0 }

// BinanceTradeTopic names the aggregated trade stream for a symbol.
func BinanceTradeTopic(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol)) + "@aggTrade"
}

// BinanceMarkPriceTopic names the 1s mark price stream for a symbol. The
// payload carries the current funding rate.
func BinanceMarkPriceTopic(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol)) + "@markPrice@1s"
}

// BinanceLiquidationTopic is the market-wide forced order stream. Binance
// only exposes liquidations across all symbols; filtering happens after
// normalization.
const BinanceLiquidationTopic = "!forceOrder@arr"
