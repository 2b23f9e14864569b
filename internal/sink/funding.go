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

	"whaleflow/logger"
)

var fundingHeader = []string{"time", "exchange", "symbol", "funding_rate", "yearly_pct", "mark_price"}

// FundingRecord is one funding reading appended to the funding log.
type FundingRecord struct {
	Time        time.Time
	Exchange    string
	Symbol      string
	Display     string
	FundingRate decimal.Decimal
	YearlyPct   decimal.Decimal
	MarkPrice   decimal.Decimal
}

func (r FundingRecord) row(loc *time.Location) []string {
	return []string{
		r.Time.In(loc).Format(timestampLayout),
		r.Exchange,
		r.Symbol,
		r.FundingRate.String(),
		r.YearlyPct.StringFixed(2),
		r.MarkPrice.String(),
	}
}

// FundingCSV appends funding readings the same way CSV appends bucket
// records: one writer goroutine, header on create, best-effort drops.
type FundingCSV struct {
	path string
	loc  *time.Location
	in   chan FundingRecord

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

func NewFundingCSV(path, timezone string, bufferSize int) (*FundingCSV, error) {
	if path == "" {
		return nil, fmt.Errorf("funding sink path not configured")
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
		bufferSize = 64
	}
	return &FundingCSV{
		path:     path,
		loc:      loc,
		in:       make(chan FundingRecord, bufferSize),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		dropWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}, nil
}

func (s *FundingCSV) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("funding sink already running")
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sink directory: %w", err)
		}
	}
	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open funding sink file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat funding sink file: %w", err)
	}

	s.file = file
	s.w = csv.NewWriter(file)

	if info.Size() == 0 {
		s.w.Write(fundingHeader)
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			file.Close()
			return fmt.Errorf("write funding sink header: %w", err)
		}
	}

	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.worker()

	s.log.WithComponent("funding_sink").WithFields(logger.Fields{
		"path":     s.path,
		"timezone": s.loc.String(),
	}).Info("funding sink started")
	return nil
}

func (s *FundingCSV) Stop() {
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

	s.log.WithComponent("funding_sink").WithFields(logger.Fields{
		"written": s.written.Load(),
		"dropped": s.dropped.Load(),
	}).Info("funding sink stopped")
}

// Append queues a reading without blocking; false means dropped.
func (s *FundingCSV) Append(rec FundingRecord) bool {
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
			s.log.WithComponent("funding_sink").Warn("funding sink buffer full, dropping records")
		}
		return false
	}
}

func (s *FundingCSV) Written() int64 { return s.written.Load() }
func (s *FundingCSV) Dropped() int64 { return s.dropped.Load() }

func (s *FundingCSV) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
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

func (s *FundingCSV) writeRecord(rec FundingRecord) {
	s.w.Write(rec.row(s.loc))
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.dropped.Add(1)
		if s.dropWarn.Allow() {
			s.log.WithComponent("funding_sink").WithError(err).Error("failed to append funding record")
		}
		s.w = csv.NewWriter(s.file)
		return
	}
	s.written.Add(1)
}
