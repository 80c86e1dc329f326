package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kp-monitor/internal/alert"
	"kp-monitor/internal/config"
	"kp-monitor/internal/core"
)

const (
	tradesPath = "/fapi/v1/trades"
	orderPath  = "/fapi/v1/order"
)

var errMissingCredentials = errors.New("binance api_key/api_secret required")

// Client talks to the USDT-margined futures API. Public trades need no credentials;
// order placement is signed and tries the WebSocket API first when configured.
type Client struct {
	key        string
	secret     string
	restURL    string
	wsURL      string
	recvWindow time.Duration
	keepalive  time.Duration
	http       *http.Client

	// sessMu serialises order.place calls on the single WS session.
	sessMu sync.Mutex
	sess   *wsSession

	mu      sync.Mutex
	alerter alert.Alerter
	wsDown  bool
}

type Options struct {
	APIKey              string
	APISecret           string
	RestBaseURL         string
	WSBaseURL           string
	RecvWindowMs        int64
	HTTPTimeoutSec      int64
	OrderWSKeepaliveSec int64
}

func NewClient(cfg config.VenueConfig) *Client {
	return NewClientWithOptions(Options{
		APIKey:              cfg.APIKey,
		APISecret:           cfg.APISecret,
		RestBaseURL:         cfg.RestBaseURL,
		WSBaseURL:           cfg.WSBaseURL,
		RecvWindowMs:        cfg.RecvWindowMs,
		HTTPTimeoutSec:      cfg.HTTPTimeoutSec,
		OrderWSKeepaliveSec: cfg.OrderWSKeepaliveSec,
	})
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 5 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	return &Client{
		key:        opts.APIKey,
		secret:     opts.APISecret,
		restURL:    strings.TrimRight(opts.RestBaseURL, "/"),
		wsURL:      strings.TrimRight(opts.WSBaseURL, "/"),
		recvWindow: time.Duration(opts.RecvWindowMs) * time.Millisecond,
		keepalive:  time.Duration(opts.OrderWSKeepaliveSec) * time.Second,
		http:       &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() core.Venue { return core.VenueBinanceFutures }

func (c *Client) SetAlerter(alerter alert.Alerter) {
	c.mu.Lock()
	c.alerter = alerter
	c.mu.Unlock()
}

func (c *Client) notify(event string, fields map[string]string) {
	c.mu.Lock()
	alerter := c.alerter
	c.mu.Unlock()
	if alerter != nil {
		alerter.Important(event, fields)
	}
}

// setWSDown records whether the WS order path is degraded and reports whether the
// state changed, so fallback and recovery are each alerted once.
func (c *Client) setWSDown(down bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsDown == down {
		return false
	}
	c.wsDown = down
	return true
}

func (c *Client) Close() error {
	c.sessMu.Lock()
	c.dropSession()
	c.sessMu.Unlock()
	return nil
}

// FetchLatest returns the raw body of the most recent public trade for market.
func (c *Client) FetchLatest(ctx context.Context, market string) (core.RawResponse, error) {
	q := url.Values{"symbol": {market}, "limit": {"1"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.restURL+tradesPath+"?"+q.Encode(), nil)
	if err != nil {
		return core.RawResponse{}, &core.FetchError{Venue: c.Name(), Market: market, Err: err}
	}
	req.Header.Set("accept", "application/json")

	status, body, err := c.roundTrip(req)
	switch {
	case err != nil:
		return core.RawResponse{}, &core.FetchError{Venue: c.Name(), Market: market, Status: status, Err: err}
	case status/100 != 2:
		return core.RawResponse{}, &core.FetchError{
			Venue:   c.Name(),
			Market:  market,
			Status:  status,
			Excerpt: core.Excerpt(body),
			Err:     parseAPIError(status, body),
		}
	case strings.TrimSpace(string(body)) == "":
		return core.RawResponse{}, &core.FetchError{Venue: c.Name(), Market: market, Status: status, Err: errors.New("empty body")}
	}
	return core.RawResponse{
		Venue:     c.Name(),
		Market:    market,
		Status:    status,
		Body:      body,
		FetchedAt: time.Now().UTC(),
	}, nil
}

type OrderQuery struct {
	Order       core.Order
	ExecutedQty decimal.Decimal
	UpdateTime  time.Time
}

// QueryOrder looks an order up by exchange id, or by client id when orderID is empty.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID, clientID string) (OrderQuery, error) {
	if symbol == "" {
		return OrderQuery{}, errors.New("symbol required")
	}
	q := url.Values{"symbol": {symbol}}
	switch {
	case orderID != "":
		q.Set("orderId", orderID)
	case clientID != "":
		q.Set("origClientOrderId", clientID)
	default:
		return OrderQuery{}, errors.New("orderID or clientID required")
	}
	body, err := c.signedCall(ctx, http.MethodGet, orderPath, q)
	if err != nil {
		return OrderQuery{}, err
	}
	var resp orderQueryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return OrderQuery{}, err
	}

	out := OrderQuery{
		Order: core.Order{
			ID:       strconv.FormatInt(resp.OrderID, 10),
			ClientID: resp.ClientOrderID,
			Venue:    c.Name(),
			Symbol:   resp.Symbol,
			Side:     core.Side(resp.Side),
			Type:     core.OrderType(resp.Type),
			Price:    decimalOrZero(resp.Price),
			Qty:      decimalOrZero(resp.OrigQty),
			Status:   core.OrderStatus(resp.Status),
		},
		ExecutedQty: decimalOrZero(resp.ExecutedQty),
	}
	if resp.Time > 0 {
		out.Order.CreatedAt = time.UnixMilli(resp.Time)
	}
	if resp.UpdateTime > 0 {
		out.UpdateTime = time.UnixMilli(resp.UpdateTime)
	}
	return out, nil
}

// signedCall sends a signed request. GET parameters travel in the query string,
// everything else as a form body.
func (c *Client) signedCall(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.sign(params); err != nil {
		return nil, err
	}
	target := c.restURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		target += "?" + params.Encode()
	} else {
		body = strings.NewReader(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("X-MBX-APIKEY", c.key)

	status, raw, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 {
		return nil, parseAPIError(status, raw)
	}
	return raw, nil
}

// sign stamps params with timestamp and recvWindow and appends the HMAC signature.
func (c *Client) sign(params url.Values) error {
	if c.key == "" || c.secret == "" {
		return errMissingCredentials
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if c.recvWindow > 0 {
		params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
	}
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return nil
}

func (c *Client) roundTrip(req *http.Request) (int, []byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp.StatusCode, body, err
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return wrapAPIError(status, apiErr.Code, apiErr.Msg)
	}
	httpErr := fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
	if status == http.StatusTooManyRequests || status == http.StatusTeapot {
		return errors.Join(httpErr, core.ErrRateLimited)
	}
	return httpErr
}

func decimalOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
