package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"whaleflow/internal/models"
	"whaleflow/internal/tier"
	"whaleflow/logger"
)

const timestampLayout = "2006-01-02 15:04:05"

var csvHeader = []string{"time", "exchange", "symbol", "side", "kind", "notional_usd", "event_count", "tier"}

// Record is one appended row: a closed aggregation bucket that met the
// notional floor, already classified.
type Record struct {
	Time        time.Time
	Exchange    string
	Symbol      string
	Display     string
	Kind        models.EventKind
	Side        models.Side
	NotionalUSD decimal.Decimal
	EventCount  int
	Tier        tier.Tier
}

func (r Record) row(loc *time.Location) []string {
	return []string{
		r.Time.In(loc).Format(timestampLayout),
		r.Exchange,
		r.Symbol,
		string(r.Side),
		string(r.Kind),
		r.NotionalUSD.StringFixed(2),
		fmt.Sprintf("%d", r.EventCount),
		r.Tier.String(),
	}
}

// CSV appends records to a single file from one writer goroutine. Appends
// are best-effort: when the buffer is full or the disk write fails, the
// record is dropped and counted, and ingestion is never blocked.
type CSV struct {
	path string
	loc  *time.Location
	in   chan Record

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	file *os.File
	w    *csv.Writer

	written  atomic.Int64
	dropped  atomic.Int64
	dropWarn *rate.Limiter
}

// NewCSV builds a sink writing to path, rendering timestamps in the named
// timezone. An empty timezone means UTC.
func NewCSV(path, timezone string, bufferSize int) (*CSV, error) {
	if path == "" {
		return nil, fmt.Errorf("csv sink path not configured")
	}
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("load sink timezone %q: %w", timezone, err)
		}
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &CSV{
		path:     path,
		loc:      loc,
		in:       make(chan Record, bufferSize),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		dropWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}, nil
}

// Start opens the file and launches the writer worker. The header is
// written only when the file is created empty, so restarting against an
// existing file appends without duplicating it.
func (s *CSV) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("csv sink already running")
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sink directory: %w", err)
		}
	}
	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open sink file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat sink file: %w", err)
	}

	s.file = file
	s.w = csv.NewWriter(file)

	if info.Size() == 0 {
		s.w.Write(csvHeader)
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			file.Close()
			return fmt.Errorf("write sink header: %w", err)
		}
	}

	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.worker()

	s.log.WithComponent("csv_sink").WithFields(logger.Fields{
		"path":     s.path,
		"timezone": s.loc.String(),
	}).Info("csv sink started")
	return nil
}

// Stop drains buffered records to disk and closes the file.
func (s *CSV) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	if s.file != nil {
		s.w.Flush()
		s.file.Close()
		s.file = nil
	}
	s.mu.Unlock()

	s.log.WithComponent("csv_sink").WithFields(logger.Fields{
		"written": s.written.Load(),
		"dropped": s.dropped.Load(),
	}).Info("csv sink stopped")
}

// Append queues a record without blocking. It reports false when the sink
// is stopped or its buffer is full; the record is then dropped.
func (s *CSV) Append(rec Record) bool {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return false
	}

	select {
	case s.in <- rec:
		return true
	default:
		s.dropped.Add(1)
		if s.dropWarn.Allow() {
			s.log.WithComponent("csv_sink").Warn("sink buffer full, dropping records")
		}
		return false
	}
}

// Written reports how many records reached the file.
func (s *CSV) Written() int64 { return s.written.Load() }

// Dropped reports how many records were lost to backpressure or disk
// errors.
func (s *CSV) Dropped() int64 { return s.dropped.Load() }

func (s *CSV) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			// drain whatever was queued before shutdown
			for {
				select {
				case rec := <-s.in:
					s.writeRecord(rec)
				default:
					return
				}
			}
		case rec := <-s.in:
			s.writeRecord(rec)
		}
	}
}

func (s *CSV) writeRecord(rec Record) {
	s.w.Write(rec.row(s.loc))
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.dropped.Add(1)
		if s.dropWarn.Allow() {
			s.log.WithComponent("csv_sink").WithError(err).Error("failed to append sink record")
		}
		// csv.Writer errors are sticky; start fresh for the next record
		s.w = csv.NewWriter(s.file)
		return
	}
	s.written.Add(1)
}
