package quote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"kp-monitor/internal/core"
)

var (
	errEmpty    = errors.New("no trades in response")
	errMissing  = errors.New("field missing")
	errNegative = errors.New("must be > 0")
)

type bithumbHistory struct {
	Status string         `json:"status"`
	Data   []bithumbTrade `json:"data"`
}

type bithumbTrade struct {
	Price       json.RawMessage `json:"price"`
	UnitsTraded json.RawMessage `json:"units_traded"`
}

type upbitTicker struct {
	TradePrice     json.RawMessage `json:"trade_price"`
	TradeVolume    json.RawMessage `json:"trade_volume"`
	TradeTimestamp int64           `json:"trade_timestamp"`
}

type binanceTrade struct {
	Price json.RawMessage `json:"price"`
	Qty   json.RawMessage `json:"qty"`
	Time  int64           `json:"time"`
}

// Normalize turns a raw venue payload into a Quote. Bithumb reports the newest trade
// last; Upbit and Binance report it first. Qty is rounded to core.QtyDisplayPlaces,
// price is kept as delivered.
func Normalize(raw core.RawResponse) (core.Quote, error) {
	switch raw.Venue {
	case core.VenueBithumb:
		return normalizeBithumb(raw)
	case core.VenueUpbit:
		return normalizeUpbit(raw)
	case core.VenueBinanceFutures:
		return normalizeBinance(raw)
	}
	return core.Quote{}, normalizeErr(raw, "", fmt.Errorf("unsupported venue %q", raw.Venue))
}

func normalizeBithumb(raw core.RawResponse) (core.Quote, error) {
	var resp bithumbHistory
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return core.Quote{}, normalizeErr(raw, "", err)
	}
	if len(resp.Data) == 0 {
		return core.Quote{}, normalizeErr(raw, "data", errEmpty)
	}
	last := resp.Data[len(resp.Data)-1]
	return build(raw, last.Price, "price", last.UnitsTraded, "units_traded", 0)
}

func normalizeUpbit(raw core.RawResponse) (core.Quote, error) {
	var resp []upbitTicker
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return core.Quote{}, normalizeErr(raw, "", err)
	}
	if len(resp) == 0 {
		return core.Quote{}, normalizeErr(raw, "", errEmpty)
	}
	first := resp[0]
	return build(raw, first.TradePrice, "trade_price", first.TradeVolume, "trade_volume", first.TradeTimestamp)
}

func normalizeBinance(raw core.RawResponse) (core.Quote, error) {
	var resp []binanceTrade
	if err := json.Unmarshal(raw.Body, &resp); err != nil {
		return core.Quote{}, normalizeErr(raw, "", err)
	}
	if len(resp) == 0 {
		return core.Quote{}, normalizeErr(raw, "", errEmpty)
	}
	first := resp[0]
	return build(raw, first.Price, "price", first.Qty, "qty", first.Time)
}

func build(raw core.RawResponse, priceRaw json.RawMessage, priceField string, qtyRaw json.RawMessage, qtyField string, tsMillis int64) (core.Quote, error) {
	price, err := decimalField(priceRaw)
	if err != nil {
		return core.Quote{}, normalizeErr(raw, priceField, err)
	}
	if price.Sign() <= 0 {
		return core.Quote{}, normalizeErr(raw, priceField, errNegative)
	}
	qty, err := decimalField(qtyRaw)
	if err != nil {
		return core.Quote{}, normalizeErr(raw, qtyField, err)
	}
	if qty.Sign() < 0 {
		return core.Quote{}, normalizeErr(raw, qtyField, errNegative)
	}
	at := raw.FetchedAt
	if tsMillis > 0 {
		at = time.UnixMilli(tsMillis).UTC()
	}
	return core.Quote{
		Venue:  raw.Venue,
		Market: raw.Market,
		Price:  price,
		Qty:    qty.Round(core.QtyDisplayPlaces),
		At:     at,
	}, nil
}

// decimalField accepts a JSON number or a quoted decimal string without going
// through float64.
func decimalField(v json.RawMessage) (decimal.Decimal, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return decimal.Decimal{}, errMissing
	}
	text := string(v)
	if v[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if unquoted == "" {
			return decimal.Decimal{}, errMissing
		}
		text = unquoted
	}
	return decimal.NewFromString(text)
}

func normalizeErr(raw core.RawResponse, field string, err error) *core.NormalizeError {
	return &core.NormalizeError{
		Venue:   raw.Venue,
		Market:  raw.Market,
		Field:   field,
		Excerpt: core.Excerpt(raw.Body),
		Err:     err,
	}
}
