package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidateOrder checks an order before it is sent to a venue. Quantities and prices
// are never rounded here: both hedge legs must carry the exact operator amount.
func ValidateOrder(order Order) error {
	if order.Symbol == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidOrder)
	}
	if order.Side != Buy && order.Side != Sell {
		return fmt.Errorf("%w: side %q", ErrInvalidOrder, order.Side)
	}
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: qty must be > 0", ErrInvalidOrder)
	}
	switch order.Type {
	case Limit:
		if order.Price.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("%w: limit price must be > 0", ErrInvalidOrder)
		}
	case Market:
	default:
		return fmt.Errorf("%w: type %q", ErrInvalidOrder, order.Type)
	}
	return nil
}

func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// Sides returns the domestic and international side for a hedge action.
func (a Action) Sides() (domestic, international Side) {
	if a == ActionSell {
		return Sell, Buy
	}
	return Buy, Sell
}

func ValidateIntent(intent OrderIntent) error {
	if intent.ID == "" {
		return fmt.Errorf("%w: intent id required", ErrInvalidOrder)
	}
	if !intent.Action.Valid() {
		return fmt.Errorf("%w: action %q", ErrInvalidOrder, intent.Action)
	}
	if !IsValidSymbol(intent.Symbol) {
		return fmt.Errorf("%w: symbol %q", ErrInvalidOrder, intent.Symbol)
	}
	if intent.Amount.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: amount must be > 0", ErrInvalidOrder)
	}
	if intent.DomesticPrice.Cmp(decimal.Zero) <= 0 || intent.InternationalPrice.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: prices must be > 0", ErrInvalidOrder)
	}
	return nil
}
