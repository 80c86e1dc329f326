package core

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrFetch       = errors.New("fetch failed")
	ErrNormalize   = errors.New("normalize failed")
	ErrCalculation = errors.New("calculation failed")
	ErrParse       = errors.New("parse failed")
	ErrOrder       = errors.New("order failed")
)

var (
	// ErrInsufficientBalance indicates the exchange rejected the action due to insufficient funds.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrRateLimited indicates the venue throttled the request.
	ErrRateLimited = errors.New("rate limited")
	// ErrRejectedPrice indicates the venue refused the limit price (tick, band or precision).
	ErrRejectedPrice = errors.New("rejected price")
	// ErrInvalidOrder indicates the order failed local or venue-side validation.
	ErrInvalidOrder = errors.New("invalid order")
	// ErrDuplicateOrder indicates the client order id has already been accepted before.
	ErrDuplicateOrder = errors.New("duplicate order")
	// ErrDuplicateIntent indicates the order intent was already dispatched.
	ErrDuplicateIntent = errors.New("duplicate order intent")
)

const excerptLimit = 160

func Excerpt(body []byte) string {
	if len(body) <= excerptLimit {
		return string(body)
	}
	return string(body[:excerptLimit]) + "..."
}

type FetchError struct {
	Venue   Venue
	Market  string
	Status  int
	Excerpt string
	Err     error
}

func (e *FetchError) Error() string {
	msg := "fetch " + string(e.Venue) + " " + e.Market
	if e.Status != 0 {
		msg += " status=" + strconv.Itoa(e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Excerpt != "" {
		msg += " body=" + strconv.Quote(e.Excerpt)
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

type NormalizeError struct {
	Venue   Venue
	Market  string
	Field   string
	Excerpt string
	Err     error
}

func (e *NormalizeError) Error() string {
	msg := "normalize " + string(e.Venue) + " " + e.Market
	if e.Field != "" {
		msg += " field=" + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Excerpt != "" {
		msg += " body=" + strconv.Quote(e.Excerpt)
	}
	return msg
}

func (e *NormalizeError) Unwrap() error { return e.Err }

func (e *NormalizeError) Is(target error) bool { return target == ErrNormalize }

type CalculationError struct {
	Reason string
}

func (e *CalculationError) Error() string { return "premium calculation: " + e.Reason }

func (e *CalculationError) Is(target error) bool { return target == ErrCalculation }

type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse snapshot: %s (input=%q)", e.Reason, e.Input)
}

func (e *ParseError) Is(target error) bool { return target == ErrParse }

type OrderErrorKind string

const (
	OrderErrInsufficientFunds OrderErrorKind = "insufficient_funds"
	OrderErrRateLimited       OrderErrorKind = "rate_limited"
	OrderErrRejectedPrice     OrderErrorKind = "rejected_price"
	OrderErrInvalid           OrderErrorKind = "invalid"
	OrderErrDuplicate         OrderErrorKind = "duplicate"
	OrderErrUnknown           OrderErrorKind = "unknown"
)

type OrderError struct {
	Venue Venue
	Kind  OrderErrorKind
	Err   error
}

func (e *OrderError) Error() string {
	msg := "order " + string(e.Venue) + " kind=" + string(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OrderError) Unwrap() error { return e.Err }

func (e *OrderError) Is(target error) bool { return target == ErrOrder }

var orderErrorKinds = []struct {
	sentinel error
	kind     OrderErrorKind
}{
	{ErrInsufficientBalance, OrderErrInsufficientFunds},
	{ErrRateLimited, OrderErrRateLimited},
	{ErrRejectedPrice, OrderErrRejectedPrice},
	{ErrInvalidOrder, OrderErrInvalid},
	{ErrDuplicateOrder, OrderErrDuplicate},
}

// NewOrderError wraps a venue error and derives its kind from the sentinel errors it carries.
func NewOrderError(venue Venue, err error) *OrderError {
	var existing *OrderError
	if errors.As(err, &existing) {
		return existing
	}
	kind := OrderErrUnknown
	for _, k := range orderErrorKinds {
		if errors.Is(err, k.sentinel) {
			kind = k.kind
			break
		}
	}
	return &OrderError{Venue: venue, Kind: kind, Err: err}
}
