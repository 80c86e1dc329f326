package quote

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kp-monitor/internal/core"
)

func raw(venue core.Venue, market, body string) core.RawResponse {
	return core.RawResponse{
		Venue:     venue,
		Market:    market,
		Status:    200,
		Body:      []byte(body),
		FetchedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestNormalizeBithumbUsesLastTrade(t *testing.T) {
	q, err := Normalize(raw(core.VenueBithumb, "BTC_KRW",
		`{"status":"0000","data":[{"price":"133900000","units_traded":"0.5"},{"price":"134000000","units_traded":"1.23456"}]}`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("134000000")) {
		t.Fatalf("price = %s, want 134000000", q.Price)
	}
	if q.Qty.String() != "1.235" {
		t.Fatalf("qty = %s, want 1.235", q.Qty)
	}
	if !q.At.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("at = %v, want fetch time", q.At)
	}
}

func TestNormalizeUpbitKeepsNumberPrecision(t *testing.T) {
	q, err := Normalize(raw(core.VenueUpbit, "KRW-BTC",
		`[{"market":"KRW-BTC","trade_price":134000000.0,"trade_volume":0.00012345,"trade_timestamp":1700000000000}]`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if !q.Price.Equal(decimal.NewFromInt(134000000)) {
		t.Fatalf("price = %s, want 134000000", q.Price)
	}
	if !q.Qty.Equal(decimal.Zero) {
		t.Fatalf("qty = %s, want 0 after rounding to 3 places", q.Qty)
	}
	if q.At.UnixMilli() != 1700000000000 {
		t.Fatalf("at = %v, want trade timestamp", q.At)
	}
}

func TestNormalizeBinanceFirstTrade(t *testing.T) {
	q, err := Normalize(raw(core.VenueBinanceFutures, "BTCUSDT",
		`[{"id":1,"price":"100000.10","qty":"0.0105","time":1700000000000}]`))
	if err != nil {
		t.Fatalf("Normalize() error = %v", err)
	}
	if q.Price.String() != "100000.1" {
		t.Fatalf("price = %s, want 100000.1", q.Price)
	}
	if q.Qty.String() != "0.011" {
		t.Fatalf("qty = %s, want 0.011 (half away from zero)", q.Qty)
	}
	if q.Venue != core.VenueBinanceFutures || q.Market != "BTCUSDT" {
		t.Fatalf("quote = %+v", q)
	}
}

func TestNormalizeFailures(t *testing.T) {
	cases := []struct {
		name  string
		raw   core.RawResponse
		field string
	}{
		{"binance empty", raw(core.VenueBinanceFutures, "BTCUSDT", `[]`), ""},
		{"bithumb empty data", raw(core.VenueBithumb, "BTC_KRW", `{"status":"0000","data":[]}`), "data"},
		{"bad json", raw(core.VenueUpbit, "KRW-BTC", `<html>`), ""},
		{"missing price", raw(core.VenueUpbit, "KRW-BTC", `[{"trade_volume":1}]`), "trade_price"},
		{"empty qty", raw(core.VenueBinanceFutures, "BTCUSDT", `[{"price":"1.0","qty":""}]`), "qty"},
		{"non decimal", raw(core.VenueBithumb, "BTC_KRW", `{"data":[{"price":"abc","units_traded":"1"}]}`), "price"},
		{"zero price", raw(core.VenueBinanceFutures, "BTCUSDT", `[{"price":"0","qty":"1"}]`), "price"},
		{"unknown venue", raw(core.Venue("kraken"), "XBTUSD", `[]`), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.raw)
			if !errors.Is(err, core.ErrNormalize) {
				t.Fatalf("Normalize() error = %v, want ErrNormalize", err)
			}
			var nerr *core.NormalizeError
			if !errors.As(err, &nerr) {
				t.Fatalf("Normalize() error type = %T", err)
			}
			if nerr.Field != tc.field {
				t.Fatalf("field = %q, want %q", nerr.Field, tc.field)
			}
			if nerr.Excerpt == "" && len(tc.raw.Body) > 0 {
				t.Fatalf("excerpt empty")
			}
		})
	}
}
