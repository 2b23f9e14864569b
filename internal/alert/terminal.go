// Package alert renders classified events for a terminal. Everything here
// is presentation: the classifier decides colors and emphasis, this
// package only translates hints into ANSI escapes and writes lines.
package alert

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"whaleflow/internal/models"
	"whaleflow/internal/stats"
	"whaleflow/internal/tier"
)

var fgCodes = map[string]string{
	"black":   "30",
	"red":     "31",
	"green":   "32",
	"yellow":  "33",
	"blue":    "34",
	"magenta": "35",
	"cyan":    "36",
	"white":   "37",
}

var bgCodes = map[string]string{
	"black":   "40",
	"red":     "41",
	"green":   "42",
	"yellow":  "43",
	"blue":    "44",
	"magenta": "45",
	"cyan":    "46",
	"white":   "47",
}

const ansiReset = "\x1b[0m"

// Terminal writes alert lines to one writer under a mutex, so alerts from
// concurrent pipelines never interleave mid-line.
type Terminal struct {
	mu      sync.Mutex
	w       io.Writer
	loc     *time.Location
	noColor bool
}

// NewTerminal builds a renderer. Timestamps render in the named timezone,
// UTC when empty. noColor strips every escape sequence for non-tty output.
func NewTerminal(w io.Writer, timezone string, noColor bool) (*Terminal, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("load alert timezone %q: %w", timezone, err)
		}
	}
	return &Terminal{w: w, loc: loc, noColor: noColor}, nil
}

// Event prints one immediate alert for a qualifying event.
func (t *Terminal) Event(ev models.MarketEvent, tv tier.Tier, hint tier.Hint) {
	label := "TRADE"
	if ev.Kind == models.KindLiquidation {
		label = "LIQ"
	}
	stars := strings.Repeat("*", hint.Stars)
	if stars != "" {
		stars = stars + " "
	}

	line := fmt.Sprintf("%s %s%-5s %-5s %-4s $%s @ %s",
		t.stamp(ev.ExchangeTimeMs),
		stars,
		ev.Instrument.Display,
		label,
		ev.Side,
		groupThousands(ev.NotionalUSD().StringFixed(0)),
		ev.Price.String(),
	)
	t.writeLine(t.paint(line, hint))
}

// Funding prints one funding reading.
func (t *Terminal) Funding(ev models.MarketEvent, hint tier.Hint) {
	line := fmt.Sprintf("%s %-5s FUNDING %s%%  (%s%%/yr)  mark $%s",
		t.stamp(ev.ExchangeTimeMs),
		ev.Instrument.Display,
		ev.FundingRate.Mul(decimal.NewFromInt(100)).StringFixed(4),
		ev.YearlyFundingPct().StringFixed(2),
		ev.Price.String(),
	)
	t.writeLine(t.paint(line, hint))
}

// Summary prints a ranked volume table, volumes in units of $10k.
func (t *Terminal) Summary(entries []stats.Summary, total int64) {
	var b strings.Builder
	fmt.Fprintf(&b, "---- top %d by volume (%d events) ----\n", len(entries), total)
	tenK := decimal.NewFromInt(10_000)
	for i, e := range entries {
		fmt.Fprintf(&b, "%2d. %-10s %8s x$10k  (%d events)\n",
			i+1, e.Display, e.VolumeUSD.Div(tenK).StringFixed(1), e.EventCount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	io.WriteString(t.w, b.String())
}

func (t *Terminal) stamp(ms int64) string {
	return time.UnixMilli(ms).In(t.loc).Format("15:04:05")
}

func (t *Terminal) writeLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	io.WriteString(t.w, line+"\n")
}

func (t *Terminal) paint(line string, hint tier.Hint) string {
	if t.noColor {
		return line
	}
	var codes []string
	if hint.Bold {
		codes = append(codes, "1")
	}
	if hint.Blink {
		codes = append(codes, "5")
	}
	if c, ok := fgCodes[hint.Color]; ok {
		codes = append(codes, c)
	}
	if c, ok := bgCodes[hint.Background]; ok {
		codes = append(codes, c)
	}
	if len(codes) == 0 {
		return line
	}
	return "\x1b[" + strings.Join(codes, ";") + "m" + line + ansiReset
}

// groupThousands inserts commas into a plain integer-part decimal string.
func groupThousands(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")

	n := len(intPart)
	if n > 3 {
		var b strings.Builder
		lead := n % 3
		if lead > 0 {
			b.WriteString(intPart[:lead])
		}
		for i := lead; i < n; i += 3 {
			if b.Len() > 0 {
				b.WriteByte(',')
			}
			b.WriteString(intPart[i : i+3])
		}
		intPart = b.String()
	}

	out := intPart
	if hasFrac {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}
