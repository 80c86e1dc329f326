package premium

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"kp-monitor/internal/core"
)

const (
	divisionPrecision = 16
	pctPlaces         = 4
)

var hundred = decimal.NewFromInt(100)

// Compute returns (domestic / (international * fx) - 1) * 100 rounded half away
// from zero to 4 places.
func Compute(domestic, international core.Quote, fx decimal.Decimal) (decimal.Decimal, error) {
	if fx.Sign() <= 0 {
		return decimal.Decimal{}, &core.CalculationError{Reason: "fx rate must be > 0, got " + fx.String()}
	}
	if international.Price.Sign() <= 0 {
		return decimal.Decimal{}, &core.CalculationError{Reason: "international price must be > 0, got " + international.Price.String()}
	}
	if domestic.Price.Sign() < 0 {
		return decimal.Decimal{}, &core.CalculationError{Reason: "domestic price must be >= 0, got " + domestic.Price.String()}
	}
	denom := international.Price.Mul(fx)
	ratio := domestic.Price.DivRound(denom, divisionPrecision)
	return ratio.Sub(decimal.NewFromInt(1)).Mul(hundred).Round(pctPlaces), nil
}

func NewSnapshot(inst core.Instrument, domestic, international core.Quote, fx decimal.Decimal, now time.Time) (core.PremiumSnapshot, error) {
	pct, err := Compute(domestic, international, fx)
	if err != nil {
		return core.PremiumSnapshot{}, err
	}
	return core.PremiumSnapshot{
		ID:            uuid.NewString(),
		Instrument:    inst,
		PremiumPct:    pct,
		Domestic:      domestic,
		International: international,
		FxRate:        fx,
		At:            now.UTC(),
	}, nil
}
