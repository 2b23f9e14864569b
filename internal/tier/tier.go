package tier

import (
	"fmt"

	"github.com/shopspring/decimal"

	"whaleflow/internal/models"
)

// Tier is the severity classification of a notional value. Tiers are
// ordered: a larger notional never maps to a lower tier.
type Tier int

const (
	Minimal Tier = iota
	Notable
	Large
	Mega
)

func (t Tier) String() string {
	switch t {
	case Mega:
		return "mega"
	case Large:
		return "large"
	case Notable:
		return "notable"
	default:
		return "minimal"
	}
}

// Breakpoints holds the USD thresholds separating tiers. Comparisons are
// strict greater-than: a value exactly at a breakpoint falls into the
// lower tier.
type Breakpoints struct {
	Notable decimal.Decimal
	Large   decimal.Decimal
	Mega    decimal.Decimal
}

// NewBreakpoints validates that thresholds are positive and ascending.
func NewBreakpoints(notable, large, mega float64) (Breakpoints, error) {
	b := Breakpoints{
		Notable: decimal.NewFromFloat(notable),
		Large:   decimal.NewFromFloat(large),
		Mega:    decimal.NewFromFloat(mega),
	}
	if b.Notable.Sign() <= 0 {
		return Breakpoints{}, fmt.Errorf("notable breakpoint must be positive, got %s", b.Notable)
	}
	if !b.Large.GreaterThan(b.Notable) || !b.Mega.GreaterThan(b.Large) {
		return Breakpoints{}, fmt.Errorf("breakpoints must ascend: %s < %s < %s", b.Notable, b.Large, b.Mega)
	}
	return b, nil
}

// Hint is a presentation directive derived from a classification. It names
// terminal colors and emphasis; rendering happens elsewhere.
type Hint struct {
	Color      string
	Background string
	Bold       bool
	Blink      bool
	Stars      int
}

// Classify maps a notional value to its tier and a presentation hint for
// the given event kind and side. Pure and total over its domain.
func (b Breakpoints) Classify(notionalUSD decimal.Decimal, side models.Side, kind models.EventKind) (Tier, Hint) {
	t := Minimal
	switch {
	case notionalUSD.GreaterThan(b.Mega):
		t = Mega
	case notionalUSD.GreaterThan(b.Large):
		t = Large
	case notionalUSD.GreaterThan(b.Notable):
		t = Notable
	}
	return t, hintFor(t, side, kind)
}

func hintFor(t Tier, side models.Side, kind models.EventKind) Hint {
	color := "green"
	if side == models.SideSell {
		color = "red"
	}

	h := Hint{Color: "white", Background: color}
	switch t {
	case Mega:
		h.Bold = true
		h.Blink = true
		h.Stars = 3
	case Large:
		h.Bold = true
		h.Stars = 1
	case Notable:
		h.Bold = true
	default:
		h.Background = ""
		h.Color = color
	}

	if kind == models.KindTrade && t >= Large {
		// whale trades get the cyan/magenta treatment instead of the
		// plain buy/sell colors
		if side == models.SideBuy {
			h.Background = "cyan"
		} else {
			h.Background = "magenta"
		}
	}
	return h
}

// FundingHint colors an annualized funding percentage the way the funding
// monitor renders it: expensive longs run hot, paid longs run cool.
func FundingHint(yearlyPct decimal.Decimal) Hint {
	v, _ := yearlyPct.Float64()
	h := Hint{Color: "black", Bold: true}
	switch {
	case v > 50:
		h.Background = "red"
	case v > 30:
		h.Background = "yellow"
	case v > 5:
		h.Background = "cyan"
	case v < -50:
		h.Background = "magenta"
	case v < -30:
		h.Background = "blue"
	case v < -10:
		h.Background = "green"
	default:
		h.Background = "white"
	}
	return h
}
