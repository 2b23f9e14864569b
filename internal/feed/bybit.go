package feed

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	bybitDefaultURL = "wss://stream.bybit.com/v5/public/linear"
	bybitPingEvery  = 20 * time.Second
)

// bybitDialect dials a single public endpoint and subscribes by sending
// an op frame. Bybit drops idle connections, so a 20s client ping runs.
type bybitDialect struct {
	baseURL string
}

// Bybit returns the dialect for the Bybit v5 linear public stream. An
// empty baseURL selects the production endpoint.
func Bybit(baseURL string) Dialect {
	url := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if url == "" {
		url = bybitDefaultURL
	}
	return &bybitDialect{baseURL: url}
}

func (d *bybitDialect) Name() string { return "bybit" }

func (d *bybitDialect) DialURL(string) string { return d.baseURL }

func (d *bybitDialect) SubscribeFrames(topic string) ([][]byte, error) {
	frame, err := json.Marshal(struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}{
		Op:   "subscribe",
		Args: []string{topic},
	})
	if err != nil {
		return nil, err
	}
	return [][]byte{frame}, nil
}

func (d *bybitDialect) KeepAlive() time.Duration { return bybitPingEvery }

// BybitTradeTopic names the public trade stream for a symbol.
func BybitTradeTopic(symbol string) string {
	return "publicTrade." + strings.ToUpper(strings.TrimSpace(symbol))
}

// BybitLiquidationTopic names the all-liquidation stream for a symbol.
func BybitLiquidationTopic(symbol string) string {
	return "allLiquidation." + strings.ToUpper(strings.TrimSpace(symbol))
}
