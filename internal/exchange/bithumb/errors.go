package bithumb

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"kp-monitor/internal/core"
)

const (
	statusBadRequest     = "5100"
	statusInvalidAPIKey  = "5300"
	statusInvalidParam   = "5500"
	statusCustomNotice   = "5600"
	statusTooManyRequest = "5700"
)

type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type orderResponse struct {
	Status  string `json:"status"`
	OrderID string `json:"order_id"`
}

type APIError struct {
	HTTPStatus int
	Status     string
	Message    string
}

func (e APIError) Error() string {
	return "bithumb api error " + e.Status + ": " + e.Message
}

// Notices under 5600 are free text; these fragments cover the balance and price cases.
var noticeKinds = []struct {
	fragment string
	kind     error
}{
	{"부족", core.ErrInsufficientBalance},
	{"insufficient", core.ErrInsufficientBalance},
	{"사용가능", core.ErrInsufficientBalance},
	{"호가", core.ErrRejectedPrice},
	{"가격", core.ErrRejectedPrice},
	{"price", core.ErrRejectedPrice},
	{"최소", core.ErrInvalidOrder},
	{"minimum", core.ErrInvalidOrder},
}

func classifyAPIError(apiErr APIError) error {
	kinds := make([]error, 0, 2)
	switch apiErr.Status {
	case statusBadRequest, statusInvalidParam:
		kinds = append(kinds, core.ErrInvalidOrder)
	case statusTooManyRequest:
		kinds = append(kinds, core.ErrRateLimited)
	case statusCustomNotice:
		msg := strings.ToLower(apiErr.Message)
		for _, nk := range noticeKinds {
			if strings.Contains(msg, nk.fragment) {
				kinds = append(kinds, nk.kind)
				break
			}
		}
	}
	if apiErr.HTTPStatus == http.StatusTooManyRequests {
		kinds = append(kinds, core.ErrRateLimited)
	}
	if len(kinds) == 0 {
		return apiErr
	}
	return errors.Join(append([]error{apiErr}, kinds...)...)
}

func parseAPIError(status int, body []byte) error {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Status != "" {
		return classifyAPIError(APIError{HTTPStatus: status, Status: env.Status, Message: env.Message})
	}
	httpErr := fmt.Errorf("bithumb http error %d: %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusTooManyRequests {
		return errors.Join(httpErr, core.ErrRateLimited)
	}
	return httpErr
}
