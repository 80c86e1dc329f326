package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kp-monitor/internal/core"
	"kp-monitor/internal/handoff"
	"kp-monitor/internal/store"
)

const (
	submittedBanner = "--------------------  O R D E R   S U B M I T T E D  --------------------"
	partialBanner   = "--------------------  O R D E R   P A R T I A L  --------------------"
	failedBanner    = "--------------------  O R D E R   F A I L E D  --------------------"
	timestampLayout = "2006-01-02 15:04:05"
)

const (
	exitOK      = 0
	exitFailed  = 1
	exitPartial = 2
)

type dispatcher interface {
	Dispatch(ctx context.Context, intent core.OrderIntent) (core.DispatchReport, error)
}

// session is one operator invocation. Each invocation dispatches at most once.
type session struct {
	prompt     *prompter
	out        io.Writer
	snapshots  handoff.Store
	maxAge     time.Duration
	dispatcher dispatcher
	journal    func(store.DispatchRecord) error
	now        func() time.Time
}

// prepare prompts the operator and builds the intent. It reads stdin and is not
// interruptible through ctx.
func (s *session) prepare(ctx context.Context) (core.OrderIntent, error) {
	action, err := s.prompt.Action()
	if err != nil {
		return core.OrderIntent{}, err
	}
	amount, err := s.prompt.Amount()
	if err != nil {
		return core.OrderIntent{}, err
	}
	text, err := s.prompt.Input()
	if err != nil {
		return core.OrderIntent{}, err
	}
	rec, err := resolveInput(ctx, text, s.snapshots, s.maxAge, s.now())
	if err != nil {
		return core.OrderIntent{}, err
	}
	intent := core.OrderIntent{
		ID:                 intentID(rec, action, amount, s.now()),
		Action:             action,
		Symbol:             rec.Symbol,
		Amount:             amount,
		DomesticPrice:      rec.Domestic.Price,
		InternationalPrice: rec.International.Price,
		SnapshotID:         rec.SnapshotID,
		CreatedAt:          s.now().UTC(),
	}
	fmt.Fprintf(s.out, "%s %s %s @ domestic %s / international %s\n",
		intent.Action, intent.Amount, intent.Symbol, intent.DomesticPrice, intent.InternationalPrice)
	return intent, nil
}

func (s *session) execute(ctx context.Context, intent core.OrderIntent) (int, error) {
	report, err := s.dispatcher.Dispatch(ctx, intent)
	if err != nil {
		return exitFailed, err
	}
	if s.journal != nil {
		if jerr := s.journal(store.NewDispatchRecord(intent, report)); jerr != nil {
			log.Printf("level=WARN event=dispatch_journal_failed intent_id=%s err=%q", intent.ID, jerr.Error())
		}
	}
	printReport(s.out, report, s.now())
	return exitCode(report), nil
}

// resolveInput accepts a pasted KP line, a tagged JSON record, or a bare symbol
// naming the latest published snapshot.
func resolveInput(ctx context.Context, text string, snapshots handoff.Store, maxAge time.Duration, now time.Time) (handoff.Record, error) {
	text = strings.TrimSpace(text)
	if sym := strings.ToUpper(text); core.IsValidSymbol(sym) {
		if snapshots == nil {
			return handoff.Record{}, handoff.ErrNoSnapshot
		}
		return handoff.LoadFresh(ctx, snapshots, sym, maxAge, now)
	}
	return handoff.ParseInput(text)
}

func printReport(out io.Writer, report core.DispatchReport, now time.Time) {
	for _, leg := range report.Legs {
		req := leg.Request
		status := "ok order_id=" + leg.Order.ID
		switch {
		case leg.Skipped:
			status = "skipped"
		case leg.Err != nil:
			status = "failed " + describeErr(leg.Err)
		}
		price := "market"
		if req.Type == core.Limit {
			price = req.Price.String()
		}
		fmt.Fprintf(out, "%-13s %-8s %-4s %-6s %-10s %s @ %s  %s\n",
			leg.Leg, leg.Venue.Label(), req.Side, req.Type, req.Symbol, req.Qty, price, status)
	}
	switch {
	case report.AllOK():
		fmt.Fprintln(out, submittedBanner)
	case report.Partial():
		fmt.Fprintln(out, partialBanner)
	default:
		fmt.Fprintln(out, failedBanner)
	}
	fmt.Fprintf(out, "-------------------------  %s  -------------------------\n", now.Format(timestampLayout))
}

func describeErr(err error) string {
	var oe *core.OrderError
	if errors.As(err, &oe) {
		return "kind=" + string(oe.Kind) + " err=" + fmt.Sprintf("%q", err.Error())
	}
	return fmt.Sprintf("err=%q", err.Error())
}

func exitCode(report core.DispatchReport) int {
	switch {
	case report.AllOK():
		return exitOK
	case report.Partial():
		return exitPartial
	default:
		return exitFailed
	}
}

// intentNamespace scopes the name-based intent ids.
var intentNamespace = uuid.MustParse("3b0f5c2e-7d41-4f6a-9a53-1c8e2f4d6b90")

// intentID derives the idempotency key from what the operator submitted, so
// pasting the same snapshot with the same action and amount twice maps to one
// ledger entry. A pasted line has no snapshot id; its key is the symbol and both
// prices, scoped to the UTC day so a price level that recurs later can still be
// traded.
func intentID(rec handoff.Record, action core.Action, amount decimal.Decimal, now time.Time) string {
	source := "snapshot:" + rec.SnapshotID
	if rec.SnapshotID == "" {
		source = fmt.Sprintf("line:%s:%s:%s:%s", now.UTC().Format("2006-01-02"),
			rec.Symbol, rec.Domestic.Price.String(), rec.International.Price.String())
	}
	key := fmt.Sprintf("%s|%s|%s", source, action, amount.String())
	return uuid.NewSHA1(intentNamespace, []byte(key)).String()
}
