package handoff

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"kp-monitor/internal/core"
)

type PriceKind int

const (
	DomesticPrice PriceKind = iota
	InternationalPrice
)

var (
	numberPattern = regexp.MustCompile(`\d+\.\d+`)
	symbolPattern = regexp.MustCompile(`([A-Za-z0-9]+)'s KP`)
)

// RenderLine prints the human line. Every number carries a decimal point so the
// positional extraction below finds premium, price, qty, price, qty in that order.
func RenderLine(r Record) string {
	return fmt.Sprintf("%s's KP: %s%% , %s: %s (%s) , %s: %s (%s)",
		r.Symbol,
		withPoint(r.PremiumPct),
		label(r.Domestic.Venue, core.VenueBithumb),
		withPoint(r.Domestic.Price),
		withPoint(r.Domestic.Qty),
		label(r.International.Venue, core.VenueBinanceFutures),
		withPoint(r.International.Price),
		withPoint(r.International.Qty),
	)
}

func label(v, fallback core.Venue) string {
	if v == "" {
		v = fallback
	}
	return v.Label()
}

func withPoint(d decimal.Decimal) string {
	s := d.String()
	if !strings.Contains(s, ".") {
		return s + ".0"
	}
	return s
}

// ExtractPrice takes the 2nd decimal on the line as the domestic price and the
// 4th as the international price.
func ExtractPrice(kind PriceKind, line string) (decimal.Decimal, error) {
	matches := numberPattern.FindAllString(line, -1)
	if len(matches) < 4 {
		return decimal.Decimal{}, &core.ParseError{Input: line, Reason: fmt.Sprintf("found %d decimal numbers, want at least 4", len(matches))}
	}
	idx := 1
	if kind == InternationalPrice {
		idx = 3
	}
	price, err := decimal.NewFromString(matches[idx])
	if err != nil {
		return decimal.Decimal{}, &core.ParseError{Input: line, Reason: err.Error()}
	}
	return price, nil
}

func ExtractSymbol(line string) (string, error) {
	m := symbolPattern.FindStringSubmatch(line)
	if len(m) < 2 {
		return "", &core.ParseError{Input: line, Reason: "no \"<SYMBOL>'s KP\" marker"}
	}
	return strings.ToUpper(m[1]), nil
}

// ParseInput accepts a tagged JSON record or a pasted legacy line.
func ParseInput(text string) (Record, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Record{}, &core.ParseError{Input: text, Reason: "empty input"}
	}
	if strings.HasPrefix(text, "{") {
		return Decode([]byte(text))
	}
	symbol, err := ExtractSymbol(text)
	if err != nil {
		return Record{}, err
	}
	dom, err := ExtractPrice(DomesticPrice, text)
	if err != nil {
		return Record{}, err
	}
	intl, err := ExtractPrice(InternationalPrice, text)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Kind:          RecordKind,
		Version:       RecordVersion,
		Symbol:        symbol,
		Domestic:      QuoteRecord{Price: dom},
		International: QuoteRecord{Price: intl},
	}, nil
}
