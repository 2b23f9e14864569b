package supervisor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"whaleflow/internal/agg"
	"whaleflow/internal/channel"
	"whaleflow/internal/feed"
	"whaleflow/internal/models"
	"whaleflow/internal/norm"
	"whaleflow/internal/sink"
	"whaleflow/internal/tier"
	"whaleflow/logger"
)

// PipelineConfig parameterizes one monitor pipeline: a single feed topic,
// its normalizer, and the thresholds applied to its events.
type PipelineConfig struct {
	Name     string
	Exchange string
	Kind     models.EventKind
	Dialect  feed.Dialect
	Topic    string

	// Breakpoints classify immediate alerts and flushed buckets.
	Breakpoints tier.Breakpoints

	// FloorUSD is the minimum aggregated notional for a bucket to reach
	// the sink. AlertFloorUSD gates immediate per-event alerts; zero
	// disables them.
	FloorUSD      decimal.Decimal
	AlertFloorUSD decimal.Decimal

	BucketInterval time.Duration
	DedupCapacity  int
	RawBuffer      int
	Backoff        feed.BackoffPolicy
}

func (c PipelineConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("pipeline %s: topic is required", c.Name)
	}
	if c.Dialect == nil {
		return fmt.Errorf("pipeline %s: dialect is required", c.Name)
	}
	switch c.Kind {
	case models.KindTrade, models.KindLiquidation:
		if c.Breakpoints.Notable.Sign() <= 0 {
			return fmt.Errorf("pipeline %s: breakpoints are required", c.Name)
		}
	case models.KindMarkPrice:
	default:
		return fmt.Errorf("pipeline %s: unknown kind %q", c.Name, c.Kind)
	}
	return nil
}

// pipeline runs one feed topic end to end: raw frames in, normalized
// events through the aggregator, alerts and sink records out. Each
// pipeline owns its channels, connection and aggregator; nothing here is
// shared with sibling pipelines except the sinks and the stats registry,
// which are concurrency-safe.
type pipeline struct {
	cfg        PipelineConfig
	sup        *Supervisor
	channels   *channel.Channels
	conn       *feed.Conn
	normalizer norm.Normalizer
	agg        *agg.Aggregator
	log        *logger.Entry

	// latest mark-price event per symbol; funding monitors sample on a
	// cadence instead of recording every 1s tick
	latestFunding map[string]models.MarketEvent

	decodeWarn *rate.Limiter
}

func newPipeline(cfg PipelineConfig, sup *Supervisor) (*pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	normalizer, err := norm.ForFeed(cfg.Exchange, cfg.Kind)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", cfg.Name, err)
	}

	rawBuffer := cfg.RawBuffer
	if rawBuffer <= 0 {
		rawBuffer = 1000
	}
	channels := channel.NewChannels(rawBuffer)

	p := &pipeline{
		cfg:        cfg,
		sup:        sup,
		channels:   channels,
		conn:       feed.NewConn(cfg.Dialect, cfg.Topic, channels, cfg.Backoff),
		normalizer: normalizer,
		log: logger.GetLogger().WithComponent("pipeline").WithFields(logger.Fields{
			"pipeline": cfg.Name,
			"exchange": cfg.Exchange,
			"topic":    cfg.Topic,
		}),
		decodeWarn: rate.NewLimiter(rate.Every(5*time.Second), 1),
	}

	switch cfg.Kind {
	case models.KindMarkPrice:
		p.latestFunding = make(map[string]models.MarketEvent)
	default:
		p.agg = agg.New(cfg.BucketInterval, cfg.FloorUSD, cfg.DedupCapacity)
	}
	return p, nil
}

func (p *pipeline) run(ctx context.Context) {
	defer p.sup.wg.Done()
	defer func() {
		// a failing pipeline logs and dies alone; siblings keep running
		if r := recover(); r != nil {
			p.log.WithFields(logger.Fields{"panic": fmt.Sprint(r)}).Error("pipeline terminated unexpectedly")
		}
	}()

	if err := p.conn.Start(ctx); err != nil {
		p.log.WithError(err).Error("failed to start feed connection")
		return
	}
	defer p.conn.Stop()

	drain := time.NewTicker(p.sup.cfg.DrainInterval)
	defer drain.Stop()

	var fundingC <-chan time.Time
	if p.cfg.Kind == models.KindMarkPrice {
		ft := time.NewTicker(p.sup.cfg.FundingInterval)
		defer ft.Stop()
		fundingC = ft.C
	}

	p.log.Info("pipeline started")

	for {
		select {
		case <-ctx.Done():
			// flush buckets that already closed; open ones are lost,
			// consistent with the best-effort posture
			p.drainBuckets(time.Now())
			p.log.Info("pipeline stopped")
			return
		case raw := <-p.channels.Raw:
			p.handleRaw(raw)
		case <-drain.C:
			p.drainBuckets(time.Now())
		case <-fundingC:
			p.emitFunding()
		}
	}
}

func (p *pipeline) handleRaw(raw models.RawFeedMessage) {
	events, err := p.normalizer.Normalize(raw)
	if err != nil {
		// one bad message never tears the pipeline down
		if p.decodeWarn.Allow() {
			p.log.WithError(err).Warn("skipping unnormalizable message")
		}
		return
	}

	for _, ev := range events {
		if p.cfg.Kind == models.KindMarkPrice {
			p.latestFunding[ev.Instrument.Symbol] = ev
			continue
		}

		if !p.agg.Ingest(ev) {
			continue // redelivered after reconnect
		}

		if p.cfg.AlertFloorUSD.Sign() > 0 {
			notional := ev.NotionalUSD()
			if notional.GreaterThanOrEqual(p.cfg.AlertFloorUSD) {
				t, hint := p.cfg.Breakpoints.Classify(notional, ev.Side, ev.Kind)
				p.sup.deps.Alerter.Event(ev, t, hint)
			}
		}
	}
}

func (p *pipeline) drainBuckets(now time.Time) {
	if p.agg == nil {
		return
	}

	for _, b := range p.agg.DrainClosed(now) {
		t, _ := p.cfg.Breakpoints.Classify(b.Value.NotionalUSD, b.Key.Side, b.Value.Kind)
		rec := sink.Record{
			Time:        time.UnixMilli(b.Key.BucketMs).UTC(),
			Exchange:    p.cfg.Exchange,
			Symbol:      b.Key.Symbol,
			Display:     b.Value.Instrument.Display,
			Kind:        b.Value.Kind,
			Side:        b.Key.Side,
			NotionalUSD: b.Value.NotionalUSD,
			EventCount:  b.Value.Count,
			Tier:        t,
		}
		p.sup.deps.Sink.Append(rec)
		if p.sup.deps.Archive != nil {
			p.sup.deps.Archive.Add(rec)
		}

		total := p.sup.deps.Registry.Record(b.Key.Symbol, b.Value.Instrument.Display, b.Value.NotionalUSD)
		if p.sup.cfg.SummaryEvery > 0 && total%p.sup.cfg.SummaryEvery == 0 {
			p.sup.emitSummary(total)
		}
	}
}

func (p *pipeline) emitFunding() {
	if len(p.latestFunding) == 0 {
		return
	}

	symbols := make([]string, 0, len(p.latestFunding))
	for sym := range p.latestFunding {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		ev := p.latestFunding[sym]
		yearly := ev.YearlyFundingPct()
		p.sup.deps.Alerter.Funding(ev, tier.FundingHint(yearly))

		if p.sup.deps.FundingSink != nil {
			p.sup.deps.FundingSink.Append(sink.FundingRecord{
				Time:        time.UnixMilli(ev.ExchangeTimeMs).UTC(),
				Exchange:    p.cfg.Exchange,
				Symbol:      ev.Instrument.Symbol,
				Display:     ev.Instrument.Display,
				FundingRate: ev.FundingRate,
				YearlyPct:   yearly,
				MarkPrice:   ev.Price,
			})
		}
	}
}
