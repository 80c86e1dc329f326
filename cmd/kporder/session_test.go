package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kp-monitor/internal/config"
	"kp-monitor/internal/core"
	"kp-monitor/internal/dispatch"
	"kp-monitor/internal/handoff"
	"kp-monitor/internal/store"
)

const sampleLine = "BTC's KP: 0.7519% , BITHUMB: 134000000.0 (0.5) , BINANCE: 100000.0 (0.01)"

type fakeTrader struct {
	venue  core.Venue
	orders []core.Order
	err    error
}

func (f *fakeTrader) Name() core.Venue { return f.venue }

func (f *fakeTrader) PlaceOrder(_ context.Context, order core.Order) (core.Order, error) {
	f.orders = append(f.orders, order)
	if f.err != nil {
		return core.Order{}, f.err
	}
	order.ID = fmt.Sprintf("%s-%d", f.venue, len(f.orders))
	return order, nil
}

var fixedNow = time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local)

func newTestSession(t *testing.T, input string, intlErr error) (*session, *bytes.Buffer, *store.Store, *fakeTrader, *fakeTrader) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	dom := &fakeTrader{venue: core.VenueBithumb}
	intl := &fakeTrader{venue: core.VenueBinanceFutures, err: intlErr}
	var out bytes.Buffer
	s := &session{
		prompt:     newPrompter(strings.NewReader(input), &out),
		out:        &out,
		snapshots:  st,
		maxAge:     30 * time.Second,
		dispatcher: dispatch.New(dom, intl, st, config.DispatchConfig{Policy: config.PolicyFailOpen, LegTimeoutSec: 5}),
		journal:    st.AppendDispatch,
		now:        func() time.Time { return fixedNow },
	}
	return s, &out, st, dom, intl
}

func runSession(t *testing.T, s *session) (int, error) {
	t.Helper()
	intent, err := s.prepare(context.Background())
	if err != nil {
		return exitFailed, err
	}
	return s.execute(context.Background(), intent)
}

func TestPrompterRetriesUntilValid(t *testing.T) {
	var out bytes.Buffer
	p := newPrompter(strings.NewReader("x\nB\n0\nabc\n1,000.5\n\nhello\n"), &out)
	action, err := p.Action()
	if err != nil || action != core.ActionBuy {
		t.Fatalf("Action() = %v, %v, want BUY", action, err)
	}
	amt, err := p.Amount()
	if err != nil || !amt.Equal(decimal.RequireFromString("1000.5")) {
		t.Fatalf("Amount() = %v, %v, want 1000.5", amt, err)
	}
	input, err := p.Input()
	if err != nil || input != "hello" {
		t.Fatalf("Input() = %q, %v, want hello", input, err)
	}
	if strings.Count(out.String(), actionInvalid) != 1 {
		t.Fatalf("output = %q, want one invalid action notice", out.String())
	}
	if strings.Count(out.String(), actionPrompt) != 2 || strings.Count(out.String(), amountPrompt) != 3 {
		t.Fatalf("output = %q, want re-prompts", out.String())
	}
}

func TestPrompterEOF(t *testing.T) {
	p := newPrompter(strings.NewReader(""), &bytes.Buffer{})
	if _, err := p.Action(); !errors.Is(err, errNoInput) {
		t.Fatalf("Action() error = %v, want errNoInput", err)
	}
	p = newPrompter(strings.NewReader("s"), &bytes.Buffer{})
	if a, err := p.Action(); err != nil || a != core.ActionSell {
		t.Fatalf("Action() = %v, %v, want SELL without trailing newline", a, err)
	}
}

func TestResolveInputLegacyLine(t *testing.T) {
	rec, err := resolveInput(context.Background(), sampleLine, nil, 0, fixedNow)
	if err != nil {
		t.Fatalf("resolveInput() error = %v", err)
	}
	if rec.Symbol != "BTC" || rec.Domestic.Price.String() != "134000000" || rec.International.Price.String() != "100000" {
		t.Fatalf("resolveInput() = %+v", rec)
	}
}

func TestResolveInputBareSymbolLoadsSnapshot(t *testing.T) {
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	rec := handoff.Record{
		Kind:          handoff.RecordKind,
		Version:       handoff.RecordVersion,
		SnapshotID:    "snap-1",
		Symbol:        "ETH",
		Domestic:      handoff.QuoteRecord{Venue: core.VenueBithumb, Price: decimal.NewFromInt(5001000)},
		International: handoff.QuoteRecord{Venue: core.VenueBinanceFutures, Price: decimal.RequireFromString("3700.5")},
		At:            fixedNow.UTC(),
	}
	if err := st.Publish(context.Background(), rec); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	got, err := resolveInput(context.Background(), "eth", st, 30*time.Second, fixedNow.Add(5*time.Second))
	if err != nil {
		t.Fatalf("resolveInput() error = %v", err)
	}
	if got.SnapshotID != "snap-1" || !got.International.Price.Equal(decimal.RequireFromString("3700.5")) {
		t.Fatalf("resolveInput() = %+v", got)
	}
	_, err = resolveInput(context.Background(), "ETH", st, 30*time.Second, fixedNow.Add(time.Minute))
	if !errors.Is(err, handoff.ErrStaleSnapshot) {
		t.Fatalf("resolveInput() error = %v, want ErrStaleSnapshot", err)
	}
	_, err = resolveInput(context.Background(), "XRP", st, 30*time.Second, fixedNow)
	if !errors.Is(err, handoff.ErrNoSnapshot) {
		t.Fatalf("resolveInput() error = %v, want ErrNoSnapshot", err)
	}
}

func TestResolveInputRejectsGarbage(t *testing.T) {
	_, err := resolveInput(context.Background(), "BTC's KP: 1.5%", nil, 0, fixedNow)
	if !errors.Is(err, core.ErrParse) {
		t.Fatalf("resolveInput() error = %v, want ErrParse", err)
	}
}

func TestSessionBuySubmitsBothLegs(t *testing.T) {
	s, out, st, dom, intl := newTestSession(t, "b\n0.5\n"+sampleLine+"\n", nil)
	code, err := runSession(t, s)
	if err != nil {
		t.Fatalf("session error = %v", err)
	}
	if code != exitOK {
		t.Fatalf("exit code = %d, want %d; output:\n%s", code, exitOK, out.String())
	}
	if len(dom.orders) != 1 || !dom.orders[0].Price.Equal(decimal.NewFromInt(134000000)) || dom.orders[0].Qty.String() != "0.5" {
		t.Fatalf("domestic orders = %+v", dom.orders)
	}
	if len(intl.orders) != 1 || intl.orders[0].Side != core.Sell || !intl.orders[0].Price.Equal(decimal.NewFromInt(100000)) {
		t.Fatalf("international orders = %+v", intl.orders)
	}
	text := out.String()
	if !strings.Contains(text, submittedBanner+"\n") {
		t.Fatalf("output missing submitted banner:\n%s", text)
	}
	wantStamp := "-------------------------  2026-03-04 05:06:07  -------------------------\n"
	if !strings.HasSuffix(text, wantStamp) {
		t.Fatalf("output does not end with timestamp line:\n%s", text)
	}
	files, _ := filepath.Glob(filepath.Join(st.Root(), "dispatches", "*.jsonl"))
	if len(files) != 1 {
		t.Fatalf("dispatch journal files = %v, want 1", files)
	}
}

func TestSessionRejectsResubmittedInput(t *testing.T) {
	first, _, _, dom, intl := newTestSession(t, "b\n0.5\n"+sampleLine+"\n", nil)
	if code, err := runSession(t, first); err != nil || code != exitOK {
		t.Fatalf("first session = %d, %v, want exit 0", code, err)
	}

	second := *first
	second.prompt = newPrompter(strings.NewReader("b\n0.50\n"+sampleLine+"\n"), &bytes.Buffer{})
	code, err := runSession(t, &second)
	if !errors.Is(err, core.ErrDuplicateIntent) || code != exitFailed {
		t.Fatalf("second session = %d, %v, want ErrDuplicateIntent", code, err)
	}
	if len(dom.orders) != 1 || len(intl.orders) != 1 {
		t.Fatalf("orders dom=%d intl=%d, want the first submission only", len(dom.orders), len(intl.orders))
	}

	third := *first
	third.prompt = newPrompter(strings.NewReader("b\n0.6\n"+sampleLine+"\n"), &bytes.Buffer{})
	if code, err := runSession(t, &third); err != nil || code != exitOK {
		t.Fatalf("session with a different amount = %d, %v, want exit 0", code, err)
	}
}

func TestIntentIDFromSnapshotRecord(t *testing.T) {
	rec := handoff.Record{SnapshotID: "snap-1", Symbol: "BTC"}
	a := intentID(rec, core.ActionBuy, decimal.RequireFromString("0.5"), fixedNow)
	if b := intentID(rec, core.ActionBuy, decimal.RequireFromString("0.500"), fixedNow.Add(48*time.Hour)); a != b {
		t.Fatalf("intentID() = %q and %q, want equal for one snapshot", a, b)
	}
	if c := intentID(rec, core.ActionSell, decimal.RequireFromString("0.5"), fixedNow); c == a {
		t.Fatalf("intentID() for sell = %q, want different from buy", c)
	}
	rec.SnapshotID = "snap-2"
	if d := intentID(rec, core.ActionBuy, decimal.RequireFromString("0.5"), fixedNow); d == a {
		t.Fatalf("intentID() for another snapshot = %q, want different", d)
	}
}

func TestSessionPartialExitCode(t *testing.T) {
	s, out, _, _, _ := newTestSession(t, "s\n0.5\n"+sampleLine+"\n", fmt.Errorf("margin: %w", core.ErrInsufficientBalance))
	code, err := runSession(t, s)
	if err != nil {
		t.Fatalf("session error = %v", err)
	}
	if code != exitPartial {
		t.Fatalf("exit code = %d, want %d", code, exitPartial)
	}
	if !strings.Contains(out.String(), partialBanner) || !strings.Contains(out.String(), "kind=insufficient_funds") {
		t.Fatalf("output = %q, want partial banner with failure kind", out.String())
	}
	if strings.Contains(out.String(), submittedBanner) {
		t.Fatalf("output must not claim submission on partial:\n%s", out.String())
	}
}

func TestSessionInvalidInputDispatchesNothing(t *testing.T) {
	s, _, _, dom, intl := newTestSession(t, "b\n0.5\nnot a line\n", nil)
	if _, err := runSession(t, s); !errors.Is(err, core.ErrParse) {
		t.Fatalf("session error = %v, want ErrParse", err)
	}
	if len(dom.orders) != 0 || len(intl.orders) != 0 {
		t.Fatalf("orders placed on invalid input: dom=%d intl=%d", len(dom.orders), len(intl.orders))
	}
}

func TestExitCode(t *testing.T) {
	ok := core.LegResult{Leg: core.LegDomestic}
	bad := core.LegResult{Leg: core.LegInternational, Err: errors.New("x")}
	cases := []struct {
		legs []core.LegResult
		want int
	}{
		{[]core.LegResult{ok, ok}, exitOK},
		{[]core.LegResult{ok, bad}, exitPartial},
		{[]core.LegResult{bad, bad}, exitFailed},
		{nil, exitFailed},
	}
	for _, tc := range cases {
		if got := exitCode(core.DispatchReport{Legs: tc.legs}); got != tc.want {
			t.Fatalf("exitCode(%+v) = %d, want %d", tc.legs, got, tc.want)
		}
	}
}
