package core

import (
	"fmt"
	"strings"
)

type Venue string

const (
	VenueBithumb        Venue = "bithumb"
	VenueUpbit          Venue = "upbit"
	VenueBinanceFutures Venue = "binance_futures"
)

var venueLabels = map[Venue]string{
	VenueBithumb:        "BITHUMB",
	VenueUpbit:          "UPBIT",
	VenueBinanceFutures: "BINANCE",
}

func (v Venue) Label() string {
	if label, ok := venueLabels[v]; ok {
		return label
	}
	return strings.ToUpper(string(v))
}

// Domestic reports whether the venue quotes in KRW.
func (v Venue) Domestic() bool {
	return v == VenueBithumb || v == VenueUpbit
}

func (v Venue) Valid() bool {
	_, ok := venueLabels[v]
	return ok
}

func ParseVenue(raw string) (Venue, error) {
	v := Venue(strings.ToLower(strings.TrimSpace(raw)))
	if !v.Valid() {
		return "", fmt.Errorf("unknown venue %q", raw)
	}
	return v, nil
}

type Instrument struct {
	Symbol string
}

func NewInstrument(symbol string) (Instrument, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if !IsValidSymbol(symbol) {
		return Instrument{}, fmt.Errorf("symbol %q must match [A-Z0-9]+", symbol)
	}
	return Instrument{Symbol: symbol}, nil
}

func (i Instrument) BithumbMarket() string { return i.Symbol + "_KRW" }

func (i Instrument) UpbitMarket() string { return "KRW-" + i.Symbol }

func (i Instrument) BinanceMarket() string { return i.Symbol + "USDT" }

func (i Instrument) Market(v Venue) string {
	switch v {
	case VenueBithumb:
		return i.BithumbMarket()
	case VenueUpbit:
		return i.UpbitMarket()
	case VenueBinanceFutures:
		return i.BinanceMarket()
	}
	return i.Symbol
}

func (i Instrument) String() string { return i.Symbol }

func IsValidSymbol(v string) bool {
	if len(v) < 1 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}
