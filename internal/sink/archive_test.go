package sink

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"whaleflow/internal/models"
	"whaleflow/internal/tier"
)

func TestNewArchiveValidation(t *testing.T) {
	if _, err := NewArchive(ArchiveOptions{}); err == nil {
		t.Error("archive with no destination must fail")
	}
	if _, err := NewArchive(ArchiveOptions{S3: S3Options{Enabled: true}}); err == nil {
		t.Error("s3 without bucket must fail")
	}
}

func TestArchiveFlushesLocalParquet(t *testing.T) {
	dir := t.TempDir()
	a, err := NewArchive(ArchiveOptions{LocalDir: dir, MaxBuffer: 100})
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a.Add(Record{
		Time:        ts,
		Exchange:    "binance",
		Symbol:      "BTCUSDT",
		Kind:        models.KindLiquidation,
		Side:        models.SideSell,
		NotionalUSD: decimal.NewFromInt(250_000),
		EventCount:  1,
		Tier:        tier.Mega,
	})
	a.Stop()

	path := filepath.Join(dir, "date=2024-05-01")
	entries, err := os.ReadDir(path)
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("archive files = %d, want 1", len(entries))
	}
	info, err := entries[0].Info()
	if err != nil {
		t.Fatalf("stat archive file: %v", err)
	}
	if info.Size() == 0 {
		t.Error("archive file is empty")
	}
}

func TestArchiveIgnoresAddWhenStopped(t *testing.T) {
	dir := t.TempDir()
	a, err := NewArchive(ArchiveOptions{LocalDir: dir})
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}
	a.Add(Record{Time: time.Now(), Symbol: "BTCUSDT"})
	a.Stop()
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("unexpected archive output: %v", entries)
	}
}

func TestArchiveNameUsesLatestRecord(t *testing.T) {
	batch := []Record{
		{Time: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{Time: time.Date(2024, 5, 2, 11, 30, 0, 0, time.UTC)},
	}
	name := archiveName(batch)
	if name != "date=2024-05-02/events_20240502113000.parquet" {
		t.Errorf("name = %q", name)
	}
}
