package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kp-monitor/internal/alert"
	"kp-monitor/internal/config"
	"kp-monitor/internal/core"
	"kp-monitor/internal/exchange"
)

// IntentLedger records intent IDs that were already dispatched.
type IntentLedger interface {
	Reserve(ctx context.Context, intentID string) error
}

type Hedge struct {
	Symbol string
	Qty    decimal.Decimal
}

// Dispatcher places the legs of one order intent. The domestic leg always goes first;
// a filled leg is never cancelled when another leg fails.
type Dispatcher struct {
	Domestic      exchange.Trader
	International exchange.Trader
	Ledger        IntentLedger
	// Hedge is the auxiliary domestic market buy placed on BUY intents. Nil disables it.
	Hedge      *Hedge
	Policy     config.LegPolicy
	LegTimeout time.Duration
	Alerts     alert.Alerter
	Now        func() time.Time
}

func New(domestic, international exchange.Trader, ledger IntentLedger, cfg config.DispatchConfig) *Dispatcher {
	d := &Dispatcher{
		Domestic:      domestic,
		International: international,
		Ledger:        ledger,
		Policy:        cfg.Policy,
		LegTimeout:    time.Duration(cfg.LegTimeoutSec) * time.Second,
	}
	if cfg.Hedge.Enabled {
		d.Hedge = &Hedge{Symbol: cfg.Hedge.Symbol, Qty: cfg.Hedge.Qty.Decimal}
	}
	return d
}

func (d *Dispatcher) Dispatch(ctx context.Context, intent core.OrderIntent) (core.DispatchReport, error) {
	report := core.DispatchReport{IntentID: intent.ID, At: d.now()}
	if d.Domestic == nil || d.International == nil {
		return report, errors.New("dispatch: domestic and international traders required")
	}
	if err := core.ValidateIntent(intent); err != nil {
		return report, core.NewOrderError("", err)
	}
	if d.Hedge != nil && (!core.IsValidSymbol(d.Hedge.Symbol) || d.Hedge.Qty.Sign() <= 0) {
		return report, core.NewOrderError("", fmt.Errorf("%w: hedge %s %s", core.ErrInvalidOrder, d.Hedge.Symbol, d.Hedge.Qty))
	}
	if d.Ledger != nil {
		if err := d.Ledger.Reserve(ctx, intent.ID); err != nil {
			return report, err
		}
	}

	inst := core.Instrument{Symbol: intent.Symbol}
	domSide, intlSide := intent.Action.Sides()
	dom := core.Order{
		ClientID: clientID(intent.ID, core.LegDomestic),
		Symbol:   inst.Market(d.Domestic.Name()),
		Side:     domSide,
		Type:     core.Limit,
		Price:    intent.DomesticPrice,
		Qty:      intent.Amount,
	}
	intl := core.Order{
		ClientID: clientID(intent.ID, core.LegInternational),
		Symbol:   inst.Market(d.International.Name()),
		Side:     intlSide,
		Type:     core.Limit,
		Price:    intent.InternationalPrice,
		Qty:      intent.Amount,
	}

	domResult := d.place(ctx, core.LegDomestic, d.Domestic, dom)
	report.Legs = append(report.Legs, domResult)

	if domResult.Err != nil && d.Policy == config.PolicyDomesticFirst {
		report.Legs = append(report.Legs, core.LegResult{
			Leg:     core.LegInternational,
			Venue:   d.International.Name(),
			Request: intl,
			Skipped: true,
		})
	} else {
		report.Legs = append(report.Legs, d.place(ctx, core.LegInternational, d.International, intl))
	}

	if d.Hedge != nil && intent.Action == core.ActionBuy {
		hedgeInst := core.Instrument{Symbol: d.Hedge.Symbol}
		hedge := core.Order{
			ClientID: clientID(intent.ID, core.LegHedge),
			Symbol:   hedgeInst.Market(d.Domestic.Name()),
			Side:     core.Buy,
			Type:     core.Market,
			Qty:      d.Hedge.Qty,
		}
		report.Legs = append(report.Legs, d.place(ctx, core.LegHedge, d.Domestic, hedge))
	}

	d.reportFailures(intent, report)
	return report, nil
}

func (d *Dispatcher) place(ctx context.Context, leg core.Leg, trader exchange.Trader, order core.Order) core.LegResult {
	res := core.LegResult{Leg: leg, Venue: trader.Name(), Request: order}
	legCtx := ctx
	if d.LegTimeout > 0 {
		var cancel context.CancelFunc
		legCtx, cancel = context.WithTimeout(ctx, d.LegTimeout)
		defer cancel()
	}
	placed, err := trader.PlaceOrder(legCtx, order)
	if err != nil {
		res.Err = core.NewOrderError(trader.Name(), err)
		log.Printf("level=ERROR event=order_leg_failed leg=%s venue=%s symbol=%s side=%s err=%q",
			leg, trader.Name(), order.Symbol, order.Side, res.Err.Error())
		return res
	}
	res.Order = placed
	log.Printf("level=INFO event=order_leg_placed leg=%s venue=%s symbol=%s side=%s order_id=%s",
		leg, trader.Name(), order.Symbol, order.Side, placed.ID)
	return res
}

func (d *Dispatcher) reportFailures(intent core.OrderIntent, report core.DispatchReport) {
	if d.Alerts == nil {
		return
	}
	for _, leg := range report.Failed() {
		fields := map[string]string{
			"intent_id": intent.ID,
			"leg":       string(leg.Leg),
			"venue":     string(leg.Venue),
			"symbol":    leg.Request.Symbol,
			"side":      string(leg.Request.Side),
		}
		if leg.Skipped {
			fields["reason"] = "skipped"
		} else if leg.Err != nil {
			var oe *core.OrderError
			if errors.As(leg.Err, &oe) {
				fields["kind"] = string(oe.Kind)
			}
			fields["error"] = leg.Err.Error()
		}
		d.Alerts.Important("order_leg_failed", fields)
	}
	if report.AllOK() {
		d.Alerts.Important("order_submitted", map[string]string{
			"intent_id": intent.ID,
			"symbol":    intent.Symbol,
			"action":    string(intent.Action),
			"amount":    intent.Amount.String(),
		})
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// clientID derives a per-leg venue client order ID from the intent ID. The result stays
// within the 36 character limit of the futures venue.
func clientID(intentID string, leg core.Leg) string {
	compact := strings.ReplaceAll(intentID, "-", "")
	if len(compact) > 26 {
		compact = compact[:26]
	}
	suffix := "dom"
	switch leg {
	case core.LegInternational:
		suffix = "intl"
	case core.LegHedge:
		suffix = "hedge"
	}
	return "kp-" + compact + "-" + suffix
}
