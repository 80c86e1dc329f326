package binance

import (
	"errors"
	"strings"

	"kp-monitor/internal/core"
)

const (
	apiCodeTooManyRequests    = -1003
	apiCodeTooManyOrders      = -1015
	apiCodeMandatoryParam     = -1102
	apiCodeBadPrecision       = -1111
	apiCodeIllegalParams      = -1130
	apiCodeMarginInsufficient = -2019
	apiCodeInvalidPrice       = -4014
	apiCodeClientIDTooLong    = -4015
	apiCodePriceTooHigh       = -4016
	apiCodePriceTooLow        = -4024
	apiCodeDuplicateClientID  = -4116
)

var apiCodeKinds = map[int]error{
	apiCodeTooManyRequests:    core.ErrRateLimited,
	apiCodeTooManyOrders:      core.ErrRateLimited,
	apiCodeMandatoryParam:     core.ErrInvalidOrder,
	apiCodeBadPrecision:       core.ErrRejectedPrice,
	apiCodeIllegalParams:      core.ErrInvalidOrder,
	apiCodeMarginInsufficient: core.ErrInsufficientBalance,
	apiCodeInvalidPrice:       core.ErrRejectedPrice,
	apiCodeClientIDTooLong:    core.ErrInvalidOrder,
	apiCodePriceTooHigh:       core.ErrRejectedPrice,
	apiCodePriceTooLow:        core.ErrRejectedPrice,
	apiCodeDuplicateClientID:  core.ErrDuplicateOrder,
}

var apiErrorMessageKinds = map[string]error{
	"margin is insufficient.":      core.ErrInsufficientBalance,
	"clientorderid is duplicated.": core.ErrDuplicateOrder,
	"duplicate order sent.":        core.ErrDuplicateOrder,
}

func wrapAPIError(status, code int, msg string) error {
	return classifyAPIError(APIError{Status: status, Code: code, Msg: msg})
}

func classifyAPIError(apiErr APIError) error {
	kinds := classifyAPIErrorKinds(apiErr)
	if len(kinds) == 0 {
		return apiErr
	}
	errChain := make([]error, 0, 1+len(kinds))
	errChain = append(errChain, apiErr)
	errChain = append(errChain, kinds...)
	return errors.Join(errChain...)
}

func classifyAPIErrorKinds(apiErr APIError) []error {
	kinds := make([]error, 0, 2)
	if kind, ok := apiCodeKinds[apiErr.Code]; ok {
		kinds = appendErrorKind(kinds, kind)
	}
	if kind, ok := apiErrorMessageKinds[normalizeAPIErrorMsg(apiErr.Msg)]; ok {
		kinds = appendErrorKind(kinds, kind)
	}
	if apiErr.Status == 429 || apiErr.Status == 418 {
		kinds = appendErrorKind(kinds, core.ErrRateLimited)
	}
	return kinds
}

func appendErrorKind(kinds []error, kind error) []error {
	if kind == nil {
		return kinds
	}
	for _, existing := range kinds {
		if existing == kind {
			return kinds
		}
	}
	return append(kinds, kind)
}

func normalizeAPIErrorMsg(msg string) string {
	return strings.ToLower(strings.TrimSpace(msg))
}

func AsAPIError(err error) (APIError, bool) {
	if err == nil {
		return APIError{}, false
	}
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		return APIError{}, false
	}
	return apiErr, true
}

func IsAPIErrorCode(err error, codes ...int) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if apiErr.Code == code {
			return true
		}
	}
	return false
}
