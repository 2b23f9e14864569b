package sink

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"whaleflow/internal/models"
	"whaleflow/internal/tier"
)

func testRecord(ts time.Time) Record {
	return Record{
		Time:        ts,
		Exchange:    "binance",
		Symbol:      "BTCUSDT",
		Display:     "BTC",
		Kind:        models.KindTrade,
		Side:        models.SideBuy,
		NotionalUSD: decimal.RequireFromString("120000.50"),
		EventCount:  3,
		Tier:        tier.Large,
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sink file: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestCSVAppendAndFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	s, err := NewCSV(path, "UTC", 16)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ts := time.Date(2024, 5, 1, 12, 30, 45, 0, time.UTC)
	if !s.Append(testRecord(ts)) {
		t.Fatal("append rejected")
	}
	s.Stop()

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want header + 1 record", len(lines))
	}
	if lines[0] != "time,exchange,symbol,side,kind,notional_usd,event_count,tier" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[1] != "2024-05-01 12:30:45,binance,BTCUSDT,BUY,trade,120000.50,3,large" {
		t.Errorf("record = %q", lines[1])
	}
	if s.Written() != 1 {
		t.Errorf("written = %d", s.Written())
	}
}

func TestCSVHeaderNotDuplicatedAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		s, err := NewCSV(path, "UTC", 16)
		if err != nil {
			t.Fatalf("NewCSV: %v", err)
		}
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		s.Append(testRecord(ts.Add(time.Duration(i) * time.Second)))
		s.Stop()
	}

	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 1 header + 2 records", len(lines))
	}
	for _, line := range lines[1:] {
		if strings.HasPrefix(line, "time,") {
			t.Errorf("duplicated header: %q", line)
		}
	}
}

func TestCSVTimezoneRendering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	s, err := NewCSV(path, "US/Central", 16)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 17:00 UTC in May is 12:00 central (CDT)
	s.Append(testRecord(time.Date(2024, 5, 1, 17, 0, 0, 0, time.UTC)))
	s.Stop()

	lines := readLines(t, path)
	if !strings.HasPrefix(lines[1], "2024-05-01 12:00:00,") {
		t.Errorf("record = %q, want central-time timestamp", lines[1])
	}
}

func TestCSVRejectsWhenStopped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	s, err := NewCSV(path, "", 16)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if s.Append(testRecord(time.Now())) {
		t.Error("append before Start must be rejected")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
	if s.Append(testRecord(time.Now())) {
		t.Error("append after Stop must be rejected")
	}
}

func TestCSVDrainsBufferOnStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.csv")
	s, err := NewCSV(path, "UTC", 64)
	if err != nil {
		t.Fatalf("NewCSV: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		s.Append(testRecord(ts.Add(time.Duration(i) * time.Second)))
	}
	s.Stop()

	lines := readLines(t, path)
	if len(lines) != 21 {
		t.Errorf("lines = %d, want header + 20 records", len(lines))
	}
}

func TestNewCSVValidation(t *testing.T) {
	if _, err := NewCSV("", "UTC", 1); err == nil {
		t.Error("empty path must fail")
	}
	if _, err := NewCSV("x.csv", "Not/AZone", 1); err == nil {
		t.Error("bad timezone must fail")
	}
}
