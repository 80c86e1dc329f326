package handoff

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kp-monitor/internal/core"
)

const (
	RecordKind    = "kp.snapshot"
	RecordVersion = 1
)

type QuoteRecord struct {
	Venue  core.Venue      `json:"venue,omitempty"`
	Market string          `json:"market,omitempty"`
	Price  decimal.Decimal `json:"price"`
	Qty    decimal.Decimal `json:"qty"`
}

// Record is the tagged snapshot handed from the monitor to the order step. Domestic
// and International are the quotes the premium was computed from; the domestic
// price is also the domestic order price.
type Record struct {
	Kind          string          `json:"kind"`
	Version       int             `json:"version"`
	SnapshotID    string          `json:"snapshot_id,omitempty"`
	Symbol        string          `json:"symbol"`
	PremiumPct    decimal.Decimal `json:"premium_pct"`
	FxRate        decimal.Decimal `json:"fx_rate"`
	Domestic      QuoteRecord     `json:"domestic"`
	International QuoteRecord     `json:"international"`
	At            time.Time       `json:"at"`
}

func FromSnapshot(snap core.PremiumSnapshot) Record {
	return Record{
		Kind:          RecordKind,
		Version:       RecordVersion,
		SnapshotID:    snap.ID,
		Symbol:        snap.Instrument.Symbol,
		PremiumPct:    snap.PremiumPct,
		FxRate:        snap.FxRate,
		Domestic:      quoteRecord(snap.Domestic),
		International: quoteRecord(snap.International),
		At:            snap.At.UTC(),
	}
}

func quoteRecord(q core.Quote) QuoteRecord {
	return QuoteRecord{Venue: q.Venue, Market: q.Market, Price: q.Price, Qty: q.Qty}
}

func Encode(r Record) ([]byte, error) {
	if r.Kind == "" {
		r.Kind = RecordKind
	}
	if r.Version == 0 {
		r.Version = RecordVersion
	}
	return json.Marshal(r)
}

func Decode(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var r Record
	if err := dec.Decode(&r); err != nil {
		return Record{}, &core.ParseError{Input: core.Excerpt(data), Reason: "invalid record: " + err.Error()}
	}
	if r.Kind != RecordKind {
		return Record{}, &core.ParseError{Input: core.Excerpt(data), Reason: fmt.Sprintf("kind %q, want %q", r.Kind, RecordKind)}
	}
	if r.Version != RecordVersion {
		return Record{}, &core.ParseError{Input: core.Excerpt(data), Reason: fmt.Sprintf("unsupported version %d", r.Version)}
	}
	if !core.IsValidSymbol(r.Symbol) {
		return Record{}, &core.ParseError{Input: core.Excerpt(data), Reason: fmt.Sprintf("invalid symbol %q", r.Symbol)}
	}
	return r, nil
}
