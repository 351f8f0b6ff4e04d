package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"pricewatch/internal/surface"
)

// decimalPattern matches bare decimal-looking numbers, with optional
// thousands-separator commas ("1,234.56", "50000.12", "3000").
var decimalPattern = regexp.MustCompile(`-?\d{1,3}(?:,\d{3})+(?:\.\d+)?|-?\d+(?:\.\d+)?`)

// ReadyScript is a page-side predicate that is truthy once any price-shaped
// text is visible. Used as the readiness check after navigation.
const ReadyScript = `/\d+(?:[.,]\d+)?/.test(document.body ? document.body.innerText : "")`

// Plausible price bounds, exclusive. Anything outside is assumed to be a
// stray number on the page rather than a quote.
var (
	minPlausible = decimal.RequireFromString("0.001")
	maxPlausible = decimal.RequireFromString("1000000")
)

// Strategy locates a price on a surface. ok is false when the strategy found
// nothing usable; that is the normal miss path, not an error.
type Strategy interface {
	Name() string
	Extract(ctx context.Context, s surface.Surface) (price string, ok bool)
}

// Extractor runs an ordered strategy list; the first hit wins.
type Extractor struct {
	strategies []Strategy
}

// New builds the default chain: structural selectors first, then the visual
// salience scan, then the whole-page text fallback.
func New(selectors []string) *Extractor {
	return &Extractor{strategies: []Strategy{
		&SelectorProbe{Selectors: selectors},
		&SalienceScan{},
		&FullTextScan{},
	}}
}

// NewWithStrategies builds an extractor from an explicit chain.
func NewWithStrategies(strategies ...Strategy) *Extractor {
	return &Extractor{strategies: strategies}
}

// Extract returns the first plausible price any strategy finds.
func (e *Extractor) Extract(ctx context.Context, s surface.Surface) (string, bool) {
	for _, st := range e.strategies {
		if ctx.Err() != nil {
			return "", false
		}
		if price, ok := st.Extract(ctx, s); ok {
			return price, true
		}
	}
	return "", false
}

// Clean strips currency glyphs and anything else that is not a digit,
// separator, or sign, then drops commas. When both "," and "." appear the
// comma is a thousands separator; a lone comma is treated the same way.
// Comma-decimal locales are not supported.
func Clean(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9', r == '.', r == ',', r == '-':
			b.WriteRune(r)
		}
	}
	return strings.ReplaceAll(b.String(), ",", "")
}

// Plausible reports whether s parses as a number strictly inside the
// plausible price range.
func Plausible(s string) bool {
	if s == "" {
		return false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return false
	}
	return d.GreaterThan(minPlausible) && d.LessThan(maxPlausible)
}

// firstPlausible scans text for decimal-shaped substrings and returns the
// first one that cleans to a plausible price.
func firstPlausible(text string) (string, bool) {
	for _, m := range decimalPattern.FindAllString(text, -1) {
		if p := Clean(m); Plausible(p) {
			return p, true
		}
	}
	return "", false
}
