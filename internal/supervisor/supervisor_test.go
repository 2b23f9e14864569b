package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"whaleflow/internal/feed"
	"whaleflow/internal/models"
	"whaleflow/internal/sink"
	"whaleflow/internal/stats"
	"whaleflow/internal/tier"
)

type capturedAlert struct {
	ev   models.MarketEvent
	tier tier.Tier
}

type captureAlerter struct {
	mu        sync.Mutex
	events    []capturedAlert
	summaries [][]stats.Summary
}

func (c *captureAlerter) Event(ev models.MarketEvent, t tier.Tier, _ tier.Hint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, capturedAlert{ev: ev, tier: t})
}

func (c *captureAlerter) Funding(models.MarketEvent, tier.Hint) {}

func (c *captureAlerter) Summary(entries []stats.Summary, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries = append(c.summaries, entries)
}

func mustBreakpoints(t *testing.T, notable, large, mega float64) tier.Breakpoints {
	t.Helper()
	b, err := tier.NewBreakpoints(notable, large, mega)
	if err != nil {
		t.Fatalf("NewBreakpoints: %v", err)
	}
	return b
}

func newTestSupervisor(t *testing.T, cfg Config, alerter Alerter) (*Supervisor, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.csv")
	csvSink, err := sink.NewCSV(path, "UTC", 64)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if err := csvSink.Start(context.Background()); err != nil {
		t.Fatalf("start sink: %v", err)
	}
	t.Cleanup(csvSink.Stop)

	sup, err := New(cfg, Deps{
		Sink:     csvSink,
		Registry: stats.NewRegistry(),
		Alerter:  alerter,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sup, path
}

func tradeConfig(t *testing.T, floor float64) PipelineConfig {
	return PipelineConfig{
		Name:           "binance_trades",
		Exchange:       "binance",
		Kind:           models.KindTrade,
		Dialect:        feed.Binance(""),
		Topic:          feed.BinanceTradeTopic("BTCUSDT"),
		Breakpoints:    mustBreakpoints(t, 15_000, 50_000, 100_000),
		FloorUSD:       decimal.NewFromFloat(floor),
		BucketInterval: time.Second,
	}
}

func aggTrade(symbol string, id, priceUSD, timeMs int64) models.RawFeedMessage {
	payload := fmt.Sprintf(`{"e":"aggTrade","E":%d,"s":"%s","a":%d,"p":"%d","q":"1","T":%d,"m":false}`,
		timeMs, symbol, id, priceUSD, timeMs)
	return models.RawFeedMessage{Exchange: "binance", Data: []byte(payload)}
}

func sinkLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestBucketedTradesYieldOneRecord(t *testing.T) {
	sup, path := newTestSupervisor(t, Config{}, nil)

	p, err := newPipeline(tradeConfig(t, 50_000), sup)
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}

	// three trades in the same one-second bucket: 20k + 40k + 60k
	base := int64(1700000000000)
	p.handleRaw(aggTrade("BTCUSDT", 1, 20_000, base+100))
	p.handleRaw(aggTrade("BTCUSDT", 2, 40_000, base+400))
	p.handleRaw(aggTrade("BTCUSDT", 3, 60_000, base+900))
	p.drainBuckets(time.Now())

	sup.deps.Sink.Stop()
	lines := sinkLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("sink lines = %d, want header + exactly 1 record", len(lines))
	}
	if !strings.Contains(lines[1], "120000.00") {
		t.Errorf("record = %q, want notional 120000.00", lines[1])
	}
	if !strings.Contains(lines[1], ",3,") {
		t.Errorf("record = %q, want event count 3", lines[1])
	}
	if got := sup.deps.Registry.TotalEvents(); got != 1 {
		t.Errorf("qualifying events = %d, want 1 (one flushed bucket)", got)
	}
}

func TestLiquidationAlertAndRecord(t *testing.T) {
	alerter := &captureAlerter{}
	sup, path := newTestSupervisor(t, Config{}, alerter)

	cfg := PipelineConfig{
		Name:           "binance_liqs",
		Exchange:       "binance",
		Kind:           models.KindLiquidation,
		Dialect:        feed.Binance(""),
		Topic:          feed.BinanceLiquidationTopic,
		Breakpoints:    mustBreakpoints(t, 25_000, 100_000, 250_000),
		FloorUSD:       decimal.NewFromInt(3_000),
		AlertFloorUSD:  decimal.NewFromInt(3_000),
		BucketInterval: time.Second,
	}
	p, err := newPipeline(cfg, sup)
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}

	payload := `{"e":"forceOrder","E":1700000000200,"o":{"s":"ETHUSDT","S":"SELL",
		"q":"2","p":"60000","T":1700000000195}}`
	p.handleRaw(models.RawFeedMessage{Exchange: "binance", Data: []byte(payload)})
	p.drainBuckets(time.Now())

	if len(alerter.events) != 1 {
		t.Fatalf("alerts = %d, want exactly 1", len(alerter.events))
	}
	if alerter.events[0].tier != tier.Large {
		t.Errorf("alert tier = %s, want large (120k under 25k/100k/250k)", alerter.events[0].tier)
	}

	sup.deps.Sink.Stop()
	lines := sinkLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("sink lines = %d, want header + exactly 1 record", len(lines))
	}
	if !strings.Contains(lines[1], "large") {
		t.Errorf("record = %q, want tier large", lines[1])
	}
}

func TestRedeliveryProducesNoDuplicates(t *testing.T) {
	sup, path := newTestSupervisor(t, Config{}, nil)

	p, err := newPipeline(tradeConfig(t, 50_000), sup)
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}

	base := int64(1700000000000)
	first := aggTrade("BTCUSDT", 10, 70_000, base+100)
	second := aggTrade("BTCUSDT", 11, 80_000, base+300)

	p.handleRaw(first)
	p.handleRaw(second)
	// reconnect redelivers the same two events
	p.handleRaw(first)
	p.handleRaw(second)
	p.drainBuckets(time.Now())

	sup.deps.Sink.Stop()
	lines := sinkLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("sink lines = %d, want header + 1 record", len(lines))
	}
	if !strings.Contains(lines[1], "150000.00") {
		t.Errorf("record = %q, want single-delivery total 150000.00", lines[1])
	}
}

func TestSummaryEmittedAndRanked(t *testing.T) {
	alerter := &captureAlerter{}
	sup, _ := newTestSupervisor(t, Config{SummaryEvery: 3, SummaryTopK: 5}, alerter)

	p, err := newPipeline(tradeConfig(t, 1_000), sup)
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}

	base := int64(1700000000000)
	p.handleRaw(aggTrade("AAAUSDT", 1, 500_000, base+100))
	p.handleRaw(aggTrade("BBBUSDT", 2, 300_000, base+1100))
	p.handleRaw(aggTrade("CCCUSDT", 3, 1_200_000, base+2100))
	p.drainBuckets(time.Now())

	if len(alerter.summaries) != 1 {
		t.Fatalf("summaries = %d, want 1 after 3 qualifying events", len(alerter.summaries))
	}
	got := alerter.summaries[0]
	want := []string{"CCCUSDT", "AAAUSDT", "BBBUSDT"}
	if len(got) != len(want) {
		t.Fatalf("summary entries = %d, want %d", len(got), len(want))
	}
	for i, sym := range want {
		if got[i].Symbol != sym {
			t.Errorf("summary[%d] = %s, want %s", i, got[i].Symbol, sym)
		}
	}
}

func TestFundingSampling(t *testing.T) {
	sup, _ := newTestSupervisor(t, Config{}, nil)

	path := filepath.Join(t.TempDir(), "funding.csv")
	fundingSink, err := sink.NewFundingCSV(path, "UTC", 16)
	if err != nil {
		t.Fatalf("NewFundingCSV: %v", err)
	}
	if err := fundingSink.Start(context.Background()); err != nil {
		t.Fatalf("start funding sink: %v", err)
	}
	sup.deps.FundingSink = fundingSink

	cfg := PipelineConfig{
		Name:     "binance_funding",
		Exchange: "binance",
		Kind:     models.KindMarkPrice,
		Dialect:  feed.Binance(""),
		Topic:    feed.BinanceMarkPriceTopic("BTCUSDT"),
	}
	p, err := newPipeline(cfg, sup)
	if err != nil {
		t.Fatalf("newPipeline: %v", err)
	}

	// two ticks for the same symbol; sampling keeps only the latest
	for i, rate := range []string{"0.0001", "0.0002"} {
		payload := fmt.Sprintf(`{"e":"markPriceUpdate","E":%d,"s":"BTCUSDT","p":"60000","r":"%s"}`,
			1700000000000+int64(i)*1000, rate)
		p.handleRaw(models.RawFeedMessage{Exchange: "binance", Data: []byte(payload)})
	}
	p.emitFunding()

	fundingSink.Stop()
	lines := sinkLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("funding lines = %d, want header + 1 sampled record", len(lines))
	}
	if !strings.Contains(lines[1], "0.0002") {
		t.Errorf("record = %q, want the latest funding rate", lines[1])
	}
	if !strings.Contains(lines[1], "21.90") {
		t.Errorf("record = %q, want yearly pct 21.90", lines[1])
	}
}

func TestRunEndToEnd(t *testing.T) {
	frames := []string{
		`{"e":"aggTrade","E":1700000000100,"s":"BTCUSDT","a":1,"p":"60000","q":"1","T":1700000000100,"m":false}`,
		`{"e":"aggTrade","E":1700000000400,"s":"BTCUSDT","a":2,"p":"60000","q":"1","T":1700000000400,"m":false}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	sup, path := newTestSupervisor(t, Config{DrainInterval: 50 * time.Millisecond}, nil)

	cfg := tradeConfig(t, 50_000)
	cfg.Dialect = feed.Binance("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.Backoff = feed.BackoffPolicy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	if err := sup.AddPipeline(cfg); err != nil {
		t.Fatalf("AddPipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	deadline := time.After(3 * time.Second)
	for sup.deps.Sink.Written() == 0 {
		select {
		case <-deadline:
			t.Fatal("no sink record produced")
		case <-time.After(20 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	lines := sinkLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("sink lines = %d, want header + 1 record", len(lines))
	}
	if !strings.Contains(lines[1], "120000.00") {
		t.Errorf("record = %q", lines[1])
	}

	chanStats := sup.ChannelStats()
	if chanStats["binance_trades"].RawSent < 2 {
		t.Errorf("raw sent = %d, want >= 2", chanStats["binance_trades"].RawSent)
	}
}

func TestSupervisorValidation(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("missing sink must fail")
	}

	sup, _ := newTestSupervisor(t, Config{}, nil)
	if err := sup.AddPipeline(PipelineConfig{}); err == nil {
		t.Error("empty pipeline config must fail")
	}
	if err := sup.AddPipeline(PipelineConfig{
		Name:    "x",
		Topic:   "t",
		Dialect: feed.Binance(""),
		Kind:    models.KindTrade,
	}); err == nil {
		t.Error("trade pipeline without breakpoints must fail")
	}
	if err := sup.Run(context.Background()); err == nil {
		t.Error("Run with no pipelines must fail")
	}
}
