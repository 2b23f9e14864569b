package stats

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Summary is a read-only snapshot of one instrument's running totals.
type Summary struct {
	Symbol     string
	Display    string
	EventCount int64
	VolumeUSD  decimal.Decimal
}

// Registry accumulates per-instrument event counts and cumulative volume
// for the lifetime of the process. Pipelines record concurrently while the
// supervisor reads ranked snapshots, so every access is guarded. Totals
// are never decayed; they reset only at process start.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Summary
	total   int64
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Summary)}
}

// Record adds one qualifying event's notional to an instrument's totals
// and returns the process-wide qualifying event count.
func (r *Registry) Record(symbol, display string, notionalUSD decimal.Decimal) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[symbol]
	if !ok {
		e = &Summary{Symbol: symbol, Display: display}
		r.entries[symbol] = e
	}
	e.EventCount++
	e.VolumeUSD = e.VolumeUSD.Add(notionalUSD)
	r.total++
	return r.total
}

// TotalEvents returns the process-wide qualifying event count.
func (r *Registry) TotalEvents() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Top returns up to k instruments ranked by cumulative volume descending.
// Ties break on symbol ascending so rankings are deterministic.
func (r *Registry) Top(k int) []Summary {
	all := r.Snapshot()
	if k > 0 && len(all) > k {
		all = all[:k]
	}
	return all
}

// Snapshot returns every instrument's totals, ranked the same way Top
// ranks them.
func (r *Registry) Snapshot() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		switch out[i].VolumeUSD.Cmp(out[j].VolumeUSD) {
		case 1:
			return true
		case -1:
			return false
		default:
			return out[i].Symbol < out[j].Symbol
		}
	})
	return out
}
