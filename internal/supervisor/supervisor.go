// Package supervisor owns one ingestion pipeline per monitored feed topic
// and runs them concurrently against shared sinks and statistics.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"whaleflow/internal/channel"
	"whaleflow/internal/models"
	"whaleflow/internal/sink"
	"whaleflow/internal/stats"
	"whaleflow/internal/tier"
	"whaleflow/logger"
)

const (
	defaultDrainInterval   = time.Second
	defaultSummaryTopK     = 5
	defaultFundingInterval = 6 * time.Hour
	defaultMetricsInterval = time.Minute
)

// Alerter receives render-ready classifications. Implementations must be
// safe for concurrent use; pipelines call them from separate goroutines.
type Alerter interface {
	Event(ev models.MarketEvent, t tier.Tier, hint tier.Hint)
	Funding(ev models.MarketEvent, hint tier.Hint)
	Summary(entries []stats.Summary, totalEvents int64)
}

type noopAlerter struct{}

func (noopAlerter) Event(models.MarketEvent, tier.Tier, tier.Hint) {}
func (noopAlerter) Funding(models.MarketEvent, tier.Hint) {}
func (noopAlerter) Summary([]stats.Summary, int64) {}

// Config tunes the supervisor's cadences.
type Config struct {
	// DrainInterval is how often each pipeline flushes closed buckets.
	DrainInterval time.Duration

	// SummaryEvery emits a ranked summary after that many qualifying
	// events process-wide; 0 disables count-based summaries.
	SummaryEvery int64

	// SummaryTopK bounds how many instruments a summary lists.
	SummaryTopK int

	// FundingInterval is the sampling cadence of mark-price pipelines.
	FundingInterval time.Duration

	// MetricsInterval is how often counters are published to CloudWatch.
	MetricsInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DrainInterval <= 0 {
		c.DrainInterval = defaultDrainInterval
	}
	if c.SummaryEvery < 0 {
		c.SummaryEvery = 0
	}
	if c.SummaryTopK <= 0 {
		c.SummaryTopK = defaultSummaryTopK
	}
	if c.FundingInterval <= 0 {
		c.FundingInterval = defaultFundingInterval
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = defaultMetricsInterval
	}
	return c
}

// Deps are the shared collaborators every pipeline writes to. Sink and
// Registry are required; the rest are optional.
type Deps struct {
	Sink        *sink.CSV
	FundingSink *sink.FundingCSV
	Archive     *sink.Archive
	Registry    *stats.Registry
	Alerter     Alerter
}

// Supervisor fans the configured pipelines out across goroutines and
// isolates their failures from one another.
type Supervisor struct {
	cfg       Config
	deps      Deps
	pipelines []*pipeline

	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

// New validates dependencies and applies config defaults.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Sink == nil {
		return nil, fmt.Errorf("supervisor requires a sink")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("supervisor requires a stats registry")
	}
	if deps.Alerter == nil {
		deps.Alerter = noopAlerter{}
	}
	return &Supervisor{
		cfg:  cfg.withDefaults(),
		deps: deps,
		wg:   &sync.WaitGroup{},
		log:  logger.GetLogger(),
	}, nil
}

// AddPipeline registers one monitor pipeline. Must be called before Run.
func (s *Supervisor) AddPipeline(cfg PipelineConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cannot add pipelines while running")
	}
	p, err := newPipeline(cfg, s)
	if err != nil {
		return err
	}
	s.pipelines = append(s.pipelines, p)
	return nil
}

// Run starts every pipeline and blocks until the context is cancelled,
// then waits for all of them to shut down. It never returns under normal
// operation.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	if len(s.pipelines) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no pipelines configured")
	}
	s.running = true
	pipelines := s.pipelines
	s.mu.Unlock()

	log := s.log.WithComponent("supervisor")
	log.WithFields(logger.Fields{
		"pipelines":      len(pipelines),
		"drain_interval": s.cfg.DrainInterval.String(),
		"summary_every":  s.cfg.SummaryEvery,
	}).Info("starting supervisor")

	for _, p := range pipelines {
		s.wg.Add(1)
		go p.run(ctx)
	}

	metricsDone := make(chan struct{})
	go func() {
		defer close(metricsDone)
		ticker := time.NewTicker(s.cfg.MetricsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.publishMetrics(ctx)
			}
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, stopping pipelines")
	s.wg.Wait()
	<-metricsDone

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	log.Info("supervisor stopped")
	return nil
}

func (s *Supervisor) emitSummary(total int64) {
	s.deps.Alerter.Summary(s.deps.Registry.Top(s.cfg.SummaryTopK), total)
}

// publishMetrics ships pipeline and sink counters to CloudWatch. A no-op
// until logger.InitCloudWatch has run.
func (s *Supervisor) publishMetrics(ctx context.Context) {
	logger.PublishCounter(ctx, "QualifyingEvents", "supervisor", float64(s.deps.Registry.TotalEvents()), nil)
	logger.PublishCounter(ctx, "SinkWritten", "csv_sink", float64(s.deps.Sink.Written()), nil)
	logger.PublishCounter(ctx, "SinkDropped", "csv_sink", float64(s.deps.Sink.Dropped()), nil)

	warns, errs := logger.Totals()
	logger.PublishCounter(ctx, "LogWarnings", "logger", float64(warns), nil)
	logger.PublishCounter(ctx, "LogErrors", "logger", float64(errs), nil)

	for name, st := range s.ChannelStats() {
		logger.PublishCounter(ctx, "RawDropped", "pipeline", float64(st.RawDropped), logger.Fields{"pipeline": name})
	}
}

// ChannelStats snapshots per-pipeline raw channel counters, keyed by
// pipeline name. Used by the dashboard.
func (s *Supervisor) ChannelStats() map[string]channel.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]channel.Stats, len(s.pipelines))
	for _, p := range s.pipelines {
		out[p.cfg.Name] = p.channels.GetStats()
	}
	return out
}
