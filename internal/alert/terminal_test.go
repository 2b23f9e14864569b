package alert

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"whaleflow/internal/models"
	"whaleflow/internal/stats"
	"whaleflow/internal/tier"
)

func tradeEvent() models.MarketEvent {
	return models.MarketEvent{
		Instrument:     models.NewInstrument("BTCUSDT"),
		Kind:           models.KindTrade,
		Side:           models.SideBuy,
		Price:          decimal.RequireFromString("60000.50"),
		Quantity:       decimal.NewFromInt(2),
		ExchangeTimeMs: 1700000000000,
	}
}

func TestEventLinePlain(t *testing.T) {
	var buf strings.Builder
	term, err := NewTerminal(&buf, "UTC", true)
	if err != nil {
		t.Fatalf("NewTerminal: %v", err)
	}

	term.Event(tradeEvent(), tier.Large, tier.Hint{Stars: 1})

	line := buf.String()
	if !strings.Contains(line, "BTC") {
		t.Errorf("line missing display symbol: %q", line)
	}
	if !strings.Contains(line, "$120,001") {
		t.Errorf("line missing grouped notional: %q", line)
	}
	if !strings.Contains(line, "* ") {
		t.Errorf("line missing star emphasis: %q", line)
	}
	if strings.Contains(line, "\x1b[") {
		t.Errorf("noColor output carries escapes: %q", line)
	}
}

func TestEventLineColored(t *testing.T) {
	var buf strings.Builder
	term, _ := NewTerminal(&buf, "UTC", false)

	term.Event(tradeEvent(), tier.Mega, tier.Hint{Color: "white", Background: "cyan", Bold: true, Blink: true})

	line := buf.String()
	if !strings.HasPrefix(line, "\x1b[1;5;37;46m") {
		t.Errorf("escape prefix = %q", line)
	}
	if !strings.Contains(line, ansiReset) {
		t.Errorf("line missing reset: %q", line)
	}
}

func TestFundingLine(t *testing.T) {
	var buf strings.Builder
	term, _ := NewTerminal(&buf, "UTC", true)

	ev := models.MarketEvent{
		Instrument:     models.NewInstrument("ETHUSDT"),
		Kind:           models.KindMarkPrice,
		Price:          decimal.NewFromInt(3000),
		Quantity:       decimal.NewFromInt(1),
		ExchangeTimeMs: 1700000000000,
		FundingRate:    decimal.RequireFromString("0.0001"),
	}
	term.Funding(ev, tier.Hint{})

	line := buf.String()
	if !strings.Contains(line, "0.0100%") {
		t.Errorf("line missing funding pct: %q", line)
	}
	if !strings.Contains(line, "10.95%/yr") {
		t.Errorf("line missing yearly pct: %q", line)
	}
}

func TestSummaryOrderPreserved(t *testing.T) {
	var buf strings.Builder
	term, _ := NewTerminal(&buf, "UTC", true)

	term.Summary([]stats.Summary{
		{Symbol: "BTCUSDT", Display: "BTC", EventCount: 10, VolumeUSD: decimal.NewFromInt(1_200_000)},
		{Symbol: "ETHUSDT", Display: "ETH", EventCount: 5, VolumeUSD: decimal.NewFromInt(500_000)},
	}, 15)

	out := buf.String()
	if strings.Index(out, "BTC") > strings.Index(out, "ETH") {
		t.Errorf("summary reordered entries:\n%s", out)
	}
	if !strings.Contains(out, "120.0 x$10k") {
		t.Errorf("summary missing 10k-unit volume:\n%s", out)
	}
	if !strings.Contains(out, "(15 events)") {
		t.Errorf("summary missing total:\n%s", out)
	}
}

func TestGroupThousands(t *testing.T) {
	cases := map[string]string{
		"0":          "0",
		"999":        "999",
		"1000":       "1,000",
		"120000":     "120,000",
		"1234567.89": "1,234,567.89",
		"-1234567":   "-1,234,567",
	}
	for in, want := range cases {
		if got := groupThousands(in); got != want {
			t.Errorf("groupThousands(%q) = %q, want %q", in, got, want)
		}
	}
}
