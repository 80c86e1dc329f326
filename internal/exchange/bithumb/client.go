package bithumb

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"kp-monitor/internal/config"
	"kp-monitor/internal/core"
)

const (
	transactionHistoryPath = "/public/transaction_history/"
	placePath              = "/trade/place"
	marketBuyPath          = "/trade/market_buy"
	marketSellPath         = "/trade/market_sell"

	statusOK     = "0000"
	paymentKRW   = "KRW"
	orderTypeBid = "bid"
	orderTypeAsk = "ask"
)

// Client covers the public transaction history and the signed order endpoints of
// the Bithumb REST API. The venue has no client order ids, so ClientID stays local.
type Client struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

type Options struct {
	APIKey         string
	APISecret      string
	RestBaseURL    string
	HTTPTimeoutSec int64
}

func NewClient(cfg config.VenueConfig) *Client {
	return NewClientWithOptions(Options{
		APIKey:         cfg.APIKey,
		APISecret:      cfg.APISecret,
		RestBaseURL:    cfg.RestBaseURL,
		HTTPTimeoutSec: cfg.HTTPTimeoutSec,
	})
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 5 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	return &Client{
		apiKey:     opts.APIKey,
		apiSecret:  opts.APISecret,
		baseURL:    strings.TrimRight(opts.RestBaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (c *Client) Name() core.Venue { return core.VenueBithumb }

// FetchLatest returns the raw transaction history for market (e.g. BTC_KRW). Bithumb
// answers HTTP 200 with a non-"0000" status on failure; that is reported as a fetch error.
func (c *Client) FetchLatest(ctx context.Context, market string) (core.RawResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+transactionHistoryPath+url.PathEscape(market), nil)
	if err != nil {
		return core.RawResponse{}, &core.FetchError{Venue: c.Name(), Market: market, Err: err}
	}
	req.Header.Set("accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.RawResponse{}, &core.FetchError{Venue: c.Name(), Market: market, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.RawResponse{}, &core.FetchError{Venue: c.Name(), Market: market, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode/100 != 2 {
		return core.RawResponse{}, &core.FetchError{
			Venue:   c.Name(),
			Market:  market,
			Status:  resp.StatusCode,
			Excerpt: core.Excerpt(body),
			Err:     parseAPIError(resp.StatusCode, body),
		}
	}
	if strings.TrimSpace(string(body)) == "" {
		return core.RawResponse{}, &core.FetchError{Venue: c.Name(), Market: market, Status: resp.StatusCode, Err: errors.New("empty body")}
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && env.Status != "" && env.Status != statusOK {
		return core.RawResponse{}, &core.FetchError{
			Venue:   c.Name(),
			Market:  market,
			Status:  resp.StatusCode,
			Excerpt: core.Excerpt(body),
			Err:     classifyAPIError(APIError{HTTPStatus: resp.StatusCode, Status: env.Status, Message: env.Message}),
		}
	}
	return core.RawResponse{
		Venue:     c.Name(),
		Market:    market,
		Status:    resp.StatusCode,
		Body:      body,
		FetchedAt: c.now().UTC(),
	}, nil
}

// PlaceOrder sends a limit order to /trade/place, or a market buy/sell when the
// order type is MARKET. Quantities and prices are sent exactly as given.
func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	order.Venue = c.Name()
	if err := core.ValidateOrder(order); err != nil {
		return core.Order{}, core.NewOrderError(c.Name(), err)
	}
	currency := strings.ToUpper(strings.TrimSuffix(order.Symbol, "_"+paymentKRW))

	params := url.Values{}
	params.Set("order_currency", currency)
	params.Set("payment_currency", paymentKRW)
	params.Set("units", order.Qty.String())

	path := placePath
	switch order.Type {
	case core.Limit:
		params.Set("price", order.Price.String())
		params.Set("type", orderTypeBid)
		if order.Side == core.Sell {
			params.Set("type", orderTypeAsk)
		}
	case core.Market:
		path = marketBuyPath
		if order.Side == core.Sell {
			path = marketSellPath
		}
	}

	body, err := c.doSigned(ctx, path, params)
	if err != nil {
		return core.Order{}, core.NewOrderError(c.Name(), err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Order{}, core.NewOrderError(c.Name(), fmt.Errorf("decode order response: %w", err))
	}
	order.ID = resp.OrderID
	order.Status = core.OrderNew
	order.CreatedAt = c.now().UTC()
	return order, nil
}

func (c *Client) doSigned(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if c.apiKey == "" || c.apiSecret == "" {
		return nil, errors.New("bithumb api_key/api_secret required")
	}
	params.Set("endpoint", endpoint)
	encoded := params.Encode()
	nonce := strconv.FormatInt(c.now().UnixMilli(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("accept", "application/json")
	req.Header.Set("Api-Key", c.apiKey)
	req.Header.Set("Api-Sign", sign(c.apiSecret, endpoint, encoded, nonce))
	req.Header.Set("Api-Nonce", nonce)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("bithumb decode response: %w", err)
	}
	if env.Status != statusOK {
		return nil, classifyAPIError(APIError{HTTPStatus: resp.StatusCode, Status: env.Status, Message: env.Message})
	}
	return body, nil
}

// sign is base64(hex(HMAC-SHA512(endpoint NUL params NUL nonce))).
func sign(secret, endpoint, encodedParams, nonce string) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(endpoint + "\x00" + encodedParams + "\x00" + nonce))
	return base64.StdEncoding.EncodeToString([]byte(hex.EncodeToString(mac.Sum(nil))))
}
