package agg

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"whaleflow/internal/models"
)

// BucketKey identifies one aggregation bucket: an instrument and side
// within a single interval-aligned window.
type BucketKey struct {
	Symbol   string
	Side     models.Side
	BucketMs int64
}

// BucketValue accumulates the events folded into one bucket.
type BucketValue struct {
	Instrument  models.Instrument
	Kind        models.EventKind
	NotionalUSD decimal.Decimal
	Count       int
}

// ClosedBucket is a flushed bucket emitted by DrainClosed.
type ClosedBucket struct {
	Key   BucketKey
	Value BucketValue
}

// Aggregator groups normalized events by (instrument, side, time window)
// and accumulates notional value. It is not safe for concurrent use; each
// pipeline owns its own instance.
type Aggregator struct {
	intervalMs  int64
	floor       decimal.Decimal
	seen        *seenSet
	buckets     map[BucketKey]*BucketValue
	watermarkMs int64
}

// New creates an aggregator with the given window size, minimum-notional
// floor for flushed buckets, and de-duplication window capacity.
func New(interval time.Duration, floor decimal.Decimal, dedupCapacity int) *Aggregator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Aggregator{
		intervalMs: interval.Milliseconds(),
		floor:      floor,
		seen:       newSeenSet(dedupCapacity),
		buckets:    make(map[BucketKey]*BucketValue),
	}
}

// Ingest folds an event into its bucket. Returns false when the event's
// sequence identifier was already seen inside the de-duplication window;
// duplicates leave all bucket totals untouched.
func (a *Aggregator) Ingest(ev models.MarketEvent) bool {
	if !a.seen.Observe(ev.SequenceID) {
		return false
	}

	if ev.ExchangeTimeMs > a.watermarkMs {
		a.watermarkMs = ev.ExchangeTimeMs
	}

	key := BucketKey{
		Symbol:   ev.Instrument.Symbol,
		Side:     ev.Side,
		BucketMs: ev.ExchangeTimeMs - ev.ExchangeTimeMs%a.intervalMs,
	}
	b, ok := a.buckets[key]
	if !ok {
		b = &BucketValue{Instrument: ev.Instrument, Kind: ev.Kind}
		a.buckets[key] = b
	}
	b.NotionalUSD = b.NotionalUSD.Add(ev.NotionalUSD())
	b.Count++
	return true
}

// Watermark returns the maximum exchange event time observed so far, in
// epoch milliseconds.
func (a *Aggregator) Watermark() int64 {
	return a.watermarkMs
}

// OpenBuckets reports how many buckets are currently accumulating.
func (a *Aggregator) OpenBuckets() int {
	return len(a.buckets)
}

// DrainClosed removes and returns every bucket whose window has closed. A
// bucket starting at t closes once the event-time watermark, or failing
// that wall-clock, has advanced past t by two full intervals; the extra
// interval tolerates out-of-order delivery inside the feed. Buckets below
// the configured floor are dropped silently. Results are ordered by
// ascending bucket time per instrument.
func (a *Aggregator) DrainClosed(now time.Time) []ClosedBucket {
	closeLine := a.watermarkMs
	if wall := now.UnixMilli(); wall > closeLine {
		closeLine = wall
	}

	var out []ClosedBucket
	for key, val := range a.buckets {
		if key.BucketMs+2*a.intervalMs > closeLine {
			continue
		}
		delete(a.buckets, key)
		if val.NotionalUSD.LessThan(a.floor) {
			continue
		}
		out = append(out, ClosedBucket{Key: key, Value: *val})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Symbol != out[j].Key.Symbol {
			return out[i].Key.Symbol < out[j].Key.Symbol
		}
		if out[i].Key.BucketMs != out[j].Key.BucketMs {
			return out[i].Key.BucketMs < out[j].Key.BucketMs
		}
		return out[i].Key.Side < out[j].Key.Side
	})
	return out
}
