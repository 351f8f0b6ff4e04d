package extract

import (
	"context"
	"math"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"pricewatch/internal/surface"
)

// SelectorProbe tries a fixed, ordered list of structural selectors that
// frequently hold the quote. The selector list is configuration, not logic.
type SelectorProbe struct {
	Selectors []string
}

func (p *SelectorProbe) Name() string { return "selector-probe" }

func (p *SelectorProbe) Extract(ctx context.Context, s surface.Surface) (string, bool) {
	for _, sel := range p.Selectors {
		text, ok, err := s.QueryText(ctx, sel)
		if err != nil || !ok {
			continue
		}
		if price := Clean(text); Plausible(price) {
			return price, true
		}
	}
	return "", false
}

// salienceScript enumerates visible elements whose own text looks numeric and
// reports their text with rendered geometry. Kept small: short texts only,
// capped candidate count.
const salienceScript = `(() => {
	const out = [];
	for (const el of document.querySelectorAll("body *")) {
		if (el.childElementCount > 0) continue;
		const text = (el.textContent || "").trim();
		if (!text || text.length > 32 || !/\d/.test(text)) continue;
		const rect = el.getBoundingClientRect();
		const area = rect.width * rect.height;
		if (area <= 0) continue;
		const fontSize = parseFloat(getComputedStyle(el).fontSize) || 0;
		out.push({ text, fontSize, area });
		if (out.length >= 400) break;
	}
	return out;
})()`

type salienceCandidate struct {
	Text     string  `json:"text"`
	FontSize float64 `json:"fontSize"`
	Area     float64 `json:"area"`
}

// SalienceScan picks the most visually prominent plausible number on the
// page: score = fontSize * sqrt(area). The most prominent number on a quote
// page is usually the price when structural selectors fail. Inherently tied
// to the observed page's layout; swapping it out means writing a new Strategy.
type SalienceScan struct{}

func (p *SalienceScan) Name() string { return "salience-scan" }

func (p *SalienceScan) Extract(ctx context.Context, s surface.Surface) (string, bool) {
	var candidates []salienceCandidate
	if err := s.Evaluate(ctx, salienceScript, &candidates); err != nil {
		return "", false
	}
	best := ""
	bestScore := 0.0
	for _, c := range candidates {
		m := decimalPattern.FindString(c.Text)
		if m == "" {
			continue
		}
		price := Clean(m)
		if !Plausible(price) {
			continue
		}
		score := c.FontSize * math.Sqrt(c.Area)
		if score > bestScore {
			best, bestScore = price, score
		}
	}
	return best, best != ""
}

// FullTextScan is the last resort: take the whole page's text and return the
// first plausible decimal in it.
type FullTextScan struct{}

func (p *FullTextScan) Name() string { return "full-text" }

func (p *FullTextScan) Extract(ctx context.Context, s surface.Surface) (string, bool) {
	text, err := p.pageText(ctx, s)
	if err != nil {
		return "", false
	}
	return firstPlausible(text)
}

func (p *FullTextScan) pageText(ctx context.Context, s surface.Surface) (string, error) {
	html, err := s.HTML(ctx)
	if err == nil {
		if doc, derr := goquery.NewDocumentFromReader(strings.NewReader(html)); derr == nil {
			doc.Find("script, style, noscript").Remove()
			return doc.Text(), nil
		}
	}
	// fall back to the surface's own text read
	return s.FullText(ctx)
}
