package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kp-monitor/internal/core"
	"kp-monitor/internal/handoff"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, root
}

func TestStorePublishLatestRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	in := handoff.Record{
		Kind:          handoff.RecordKind,
		Version:       handoff.RecordVersion,
		SnapshotID:    "snap-1",
		Symbol:        "BTC",
		PremiumPct:    decimal.RequireFromString("0.7519"),
		FxRate:        decimal.NewFromInt(1330),
		Domestic:      handoff.QuoteRecord{Venue: core.VenueBithumb, Price: decimal.NewFromInt(134000000), Qty: decimal.RequireFromString("0.012")},
		International: handoff.QuoteRecord{Venue: core.VenueBinanceFutures, Price: decimal.NewFromInt(100000), Qty: decimal.RequireFromString("0.5")},
		At:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	if err := s.Publish(ctx, in); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	in.SnapshotID = "snap-2"
	if err := s.Publish(ctx, in); err != nil {
		t.Fatalf("Publish() overwrite error = %v", err)
	}

	out, err := s.Latest(ctx, "btc")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if out.SnapshotID != "snap-2" || !out.Domestic.Price.Equal(in.Domestic.Price) || !out.At.Equal(in.At) {
		t.Fatalf("Latest() = %+v, want %+v", out, in)
	}
}

func TestStoreLatestMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Latest(context.Background(), "ETH")
	if !errors.Is(err, handoff.ErrNoSnapshot) {
		t.Fatalf("Latest() error = %v, want ErrNoSnapshot", err)
	}
}

func TestStoreReserveRejectsDuplicateAcrossReload(t *testing.T) {
	s, root := newTestStore(t)
	ctx := context.Background()
	if err := s.Reserve(ctx, "intent-1"); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if err := s.Reserve(ctx, "intent-1"); !errors.Is(err, core.ErrDuplicateIntent) {
		t.Fatalf("Reserve() duplicate error = %v, want ErrDuplicateIntent", err)
	}

	reopened, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := reopened.Reserve(ctx, "intent-1"); !errors.Is(err, core.ErrDuplicateIntent) {
		t.Fatalf("Reserve() after reload error = %v, want ErrDuplicateIntent", err)
	}
	if err := reopened.Reserve(ctx, "intent-2"); err != nil {
		t.Fatalf("Reserve(intent-2) error = %v", err)
	}
}

func TestStoreReserveTrimsLedger(t *testing.T) {
	prevMax, prevTrim := ledgerMaxEntries, ledgerTrimToEntries
	ledgerMaxEntries, ledgerTrimToEntries = 10, 8
	t.Cleanup(func() { ledgerMaxEntries, ledgerTrimToEntries = prevMax, prevTrim })

	s, root := newTestStore(t)
	ctx := context.Background()
	for i := 0; i <= ledgerMaxEntries; i++ {
		if err := s.Reserve(ctx, fmt.Sprintf("intent-%d", i)); err != nil {
			t.Fatalf("Reserve(%d) error = %v", i, err)
		}
	}
	f, err := os.Open(filepath.Join(root, "intent_ledger.jsonl"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
	}
	if lines != ledgerTrimToEntries {
		t.Fatalf("ledger lines = %d, want %d", lines, ledgerTrimToEntries)
	}
	if err := s.Reserve(ctx, fmt.Sprintf("intent-%d", ledgerMaxEntries)); !errors.Is(err, core.ErrDuplicateIntent) {
		t.Fatalf("Reserve(latest) error = %v, want ErrDuplicateIntent", err)
	}
}

func TestStoreAppendDispatch(t *testing.T) {
	s, root := newTestStore(t)
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	intent := core.OrderIntent{ID: "intent-1", Action: core.ActionBuy, Symbol: "BTC", Amount: decimal.RequireFromString("0.5")}
	report := core.DispatchReport{
		IntentID: "intent-1",
		At:       at,
		Legs: []core.LegResult{
			{Leg: core.LegDomestic, Venue: core.VenueBithumb, Request: core.Order{Symbol: "BTC_KRW", Side: core.Buy, Type: core.Limit, Price: decimal.NewFromInt(134000000), Qty: decimal.RequireFromString("0.5")}, Order: core.Order{ID: "C1"}},
			{Leg: core.LegInternational, Venue: core.VenueBinanceFutures, Request: core.Order{Symbol: "BTCUSDT", Side: core.Sell, Type: core.Limit, Price: decimal.NewFromInt(100000), Qty: decimal.RequireFromString("0.5")}, Err: errors.New("boom")},
		},
	}
	rec := NewDispatchRecord(intent, report)
	if rec.AllOK || len(rec.Legs) != 2 || rec.Legs[1].Error != "boom" || rec.Legs[0].Price != "134000000" {
		t.Fatalf("NewDispatchRecord() = %+v", rec)
	}
	if err := s.AppendDispatch(rec); err != nil {
		t.Fatalf("AppendDispatch() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "dispatches", "2026-03-04.jsonl"))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(data) == 0 || data[len(data)-1] != '\n' {
		t.Fatalf("journal = %q, want one json line", data)
	}
}
