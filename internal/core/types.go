package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

type Action string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderNew      OrderStatus = "NEW"
	OrderFilled   OrderStatus = "FILLED"
	OrderRejected OrderStatus = "REJECTED"
)

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// QtyDisplayPlaces is the rounding applied to every quote quantity.
const QtyDisplayPlaces = 3

type Quote struct {
	Venue  Venue
	Market string
	Price  decimal.Decimal
	Qty    decimal.Decimal
	At     time.Time
}

type RawResponse struct {
	Venue     Venue
	Market    string
	Status    int
	Body      []byte
	FetchedAt time.Time
}

type PremiumSnapshot struct {
	ID            string
	Instrument    Instrument
	PremiumPct    decimal.Decimal
	Domestic      Quote
	International Quote
	FxRate        decimal.Decimal
	At            time.Time
}

type OrderIntent struct {
	ID                 string
	Action             Action
	Symbol             string
	Amount             decimal.Decimal
	DomesticPrice      decimal.Decimal
	InternationalPrice decimal.Decimal
	SnapshotID         string
	CreatedAt          time.Time
}

type Order struct {
	ID        string
	ClientID  string
	Venue     Venue
	Symbol    string
	Side      Side
	Type      OrderType
	Price     decimal.Decimal
	Qty       decimal.Decimal
	Status    OrderStatus
	CreatedAt time.Time
}

type Leg string

const (
	LegDomestic      Leg = "domestic"
	LegInternational Leg = "international"
	LegHedge         Leg = "hedge"
)

type LegResult struct {
	Leg     Leg
	Venue   Venue
	Request Order
	Order   Order
	Err     error
	Skipped bool
}

func (r LegResult) OK() bool {
	return r.Err == nil && !r.Skipped
}

type DispatchReport struct {
	IntentID string
	Legs     []LegResult
	At       time.Time
}

func (r DispatchReport) AllOK() bool {
	if len(r.Legs) == 0 {
		return false
	}
	for _, leg := range r.Legs {
		if !leg.OK() {
			return false
		}
	}
	return true
}

// Partial reports whether at least one leg was placed and at least one was not.
func (r DispatchReport) Partial() bool {
	ok, notOK := 0, 0
	for _, leg := range r.Legs {
		if leg.OK() {
			ok++
		} else {
			notOK++
		}
	}
	return ok > 0 && notOK > 0
}

func (r DispatchReport) Failed() []LegResult {
	out := make([]LegResult, 0, len(r.Legs))
	for _, leg := range r.Legs {
		if !leg.OK() {
			out = append(out, leg)
		}
	}
	return out
}
