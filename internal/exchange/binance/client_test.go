package binance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"kp-monitor/internal/core"
)

func TestNewClientOrderIDFitsLimit(t *testing.T) {
	a, b := newClientOrderID(), newClientOrderID()
	if a == b {
		t.Fatalf("newClientOrderID() repeated %q", a)
	}
	if len(a) > maxClientOrderIDLen || !strings.HasPrefix(a, "kp-") {
		t.Fatalf("newClientOrderID() = %q, want kp- prefix within %d chars", a, maxClientOrderIDLen)
	}
}

func TestParseAPIErrorClassifiesFuturesCodes(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"margin", http.StatusBadRequest, `{"code":-2019,"msg":"Margin is insufficient."}`, core.ErrInsufficientBalance},
		{"tick", http.StatusBadRequest, `{"code":-4014,"msg":"Price not increased by tick size."}`, core.ErrRejectedPrice},
		{"precision", http.StatusBadRequest, `{"code":-1111,"msg":"Precision is over the maximum defined for this asset."}`, core.ErrRejectedPrice},
		{"weight", http.StatusTooManyRequests, `{"code":-1003,"msg":"Too many requests."}`, core.ErrRateLimited},
		{"duplicate", http.StatusBadRequest, `{"code":-4116,"msg":"ClientOrderId is duplicated."}`, core.ErrDuplicateOrder},
		{"throttled html", http.StatusTooManyRequests, `<html>slow down</html>`, core.ErrRateLimited},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := parseAPIError(tc.status, []byte(tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("parseAPIError() = %v, want %v", err, tc.want)
			}
		})
	}

	err := parseAPIError(http.StatusBadGateway, []byte("bad gateway"))
	if _, ok := AsAPIError(err); ok {
		t.Fatalf("parseAPIError(non-json) unexpectedly returned APIError: %v", err)
	}
	if !strings.Contains(err.Error(), "http error 502") {
		t.Fatalf("parseAPIError(non-json) = %v, want http error", err)
	}
}

func TestFetchLatestReturnsRawTrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/trades" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("symbol") != "BTCUSDT" || r.URL.Query().Get("limit") != "1" {
			t.Fatalf("query = %q, want symbol=BTCUSDT limit=1", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"id":1,"price":"100000.0","qty":"0.010","time":1700000000000}]`))
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{RestBaseURL: srv.URL})
	raw, err := c.FetchLatest(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("FetchLatest() error = %v", err)
	}
	if raw.Venue != core.VenueBinanceFutures || raw.Market != "BTCUSDT" || raw.Status != http.StatusOK {
		t.Fatalf("raw = %+v", raw)
	}
	if !strings.Contains(string(raw.Body), `"price":"100000.0"`) {
		t.Fatalf("body = %s", raw.Body)
	}
}

func TestFetchLatestNonSuccessIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"code":-1000,"msg":"An unknown error occured while processing the request."}`))
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{RestBaseURL: srv.URL})
	_, err := c.FetchLatest(context.Background(), "BTCUSDT")
	var fetchErr *core.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("FetchLatest() error = %v, want *core.FetchError", err)
	}
	if fetchErr.Status != http.StatusInternalServerError || fetchErr.Excerpt == "" {
		t.Fatalf("fetch error = %+v, want status 500 with excerpt", fetchErr)
	}
	if !errors.Is(err, core.ErrFetch) {
		t.Fatalf("errors.Is(err, ErrFetch) = false")
	}
}

func TestWSOrderParamsAreSigned(t *testing.T) {
	c := NewClientWithOptions(Options{
		APIKey:       "k",
		APISecret:    "s",
		RecvWindowMs: 5000,
	})
	order := core.Order{
		Symbol:   "BTCUSDT",
		Side:     core.Sell,
		Type:     core.Limit,
		Price:    decimal.RequireFromString("100000"),
		Qty:      decimal.RequireFromString("0.5"),
		ClientID: "kp-1-intl",
	}
	params, err := c.wsOrderParams(order)
	if err != nil {
		t.Fatalf("wsOrderParams() error = %v", err)
	}
	if params["apiKey"] != "k" || params["timeInForce"] != "GTC" || params["newClientOrderId"] != "kp-1-intl" {
		t.Fatalf("params = %v", params)
	}
	if params["quantity"] != "0.5" || params["price"] != "100000" {
		t.Fatalf("quantity/price = %v/%v, want exact 0.5/100000", params["quantity"], params["price"])
	}
	if _, ok := params["signature"].(string); !ok {
		t.Fatalf("signature param missing or invalid: %v", params["signature"])
	}

	if _, err := NewClientWithOptions(Options{}).wsOrderParams(order); err == nil {
		t.Fatalf("wsOrderParams() without credentials error = nil")
	}
}

func TestPlaceOrderRESTDuplicateFallbackByClientID(t *testing.T) {
	var postCalls int32
	var getCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/order" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodPost:
			atomic.AddInt32(&postCalls, 1)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-4116,"msg":"ClientOrderId is duplicated."}`))
		case http.MethodGet:
			atomic.AddInt32(&getCalls, 1)
			if r.URL.Query().Get("origClientOrderId") != "cid-dup" {
				t.Fatalf("origClientOrderId = %q, want %q", r.URL.Query().Get("origClientOrderId"), "cid-dup")
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"symbol":        "BTCUSDT",
				"orderId":       123456,
				"clientOrderId": "cid-dup",
				"price":         "100000",
				"origQty":       "0.01",
				"executedQty":   "0",
				"cumQuote":      "0",
				"status":        "NEW",
				"side":          "SELL",
				"type":          "LIMIT",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{
		APIKey:      "k",
		APISecret:   "s",
		RestBaseURL: srv.URL,
	})

	order := core.Order{
		Symbol:   "BTCUSDT",
		Side:     core.Sell,
		Type:     core.Limit,
		Price:    decimal.RequireFromString("100000"),
		Qty:      decimal.RequireFromString("0.01"),
		ClientID: "cid-dup",
	}
	got, err := c.PlaceOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if got.ID != "123456" || got.ClientID != "cid-dup" {
		t.Fatalf("order = %+v, want id 123456 cid-dup", got)
	}
	if atomic.LoadInt32(&postCalls) != 1 || atomic.LoadInt32(&getCalls) != 1 {
		t.Fatalf("calls post/get = %d/%d, want 1/1", postCalls, getCalls)
	}
}

func TestPlaceOrderRESTRejectionIsOrderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":-2019,"msg":"Margin is insufficient."}`))
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{APIKey: "k", APISecret: "s", RestBaseURL: srv.URL})
	_, err := c.PlaceOrder(context.Background(), core.Order{
		Symbol: "BTCUSDT",
		Side:   core.Sell,
		Type:   core.Limit,
		Price:  decimal.RequireFromString("100000"),
		Qty:    decimal.RequireFromString("0.5"),
	})
	var orderErr *core.OrderError
	if !errors.As(err, &orderErr) {
		t.Fatalf("PlaceOrder() error = %v, want *core.OrderError", err)
	}
	if orderErr.Kind != core.OrderErrInsufficientFunds || orderErr.Venue != core.VenueBinanceFutures {
		t.Fatalf("order error = %+v, want insufficient_funds on binance_futures", orderErr)
	}
}

func TestPlaceOrderFallsBackToRESTWhenWSUnavailable(t *testing.T) {
	var postCalls int32
	var seenClientID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/fapi/v1/order" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		atomic.AddInt32(&postCalls, 1)
		body, _ := io.ReadAll(r.Body)
		values, _ := url.ParseQuery(string(body))
		seenClientID = values.Get("newClientOrderId")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"symbol":  "BTCUSDT",
			"orderId": 777,
			"status":  "NEW",
			"price":   "100000",
			"origQty": "0.01",
		})
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{
		APIKey:      "k",
		APISecret:   "s",
		RestBaseURL: srv.URL,
		WSBaseURL:   "ws://127.0.0.1:1",
	})

	order := core.Order{
		Symbol: "BTCUSDT",
		Side:   core.Buy,
		Type:   core.Limit,
		Price:  decimal.RequireFromString("100000"),
		Qty:    decimal.RequireFromString("0.01"),
	}
	got, err := c.PlaceOrder(context.Background(), order)
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if got.ID != "777" {
		t.Fatalf("order id = %q, want 777", got.ID)
	}
	if seenClientID == "" || seenClientID != got.ClientID {
		t.Fatalf("newClientOrderId = %q, want auto generated %q", seenClientID, got.ClientID)
	}
	if atomic.LoadInt32(&postCalls) != 1 {
		t.Fatalf("post calls = %d, want 1", postCalls)
	}
}

func TestPlaceOrderOverWebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "order.place" {
			return
		}
		_ = conn.WriteJSON(map[string]any{"id": "unrelated", "status": 200})
		_ = conn.WriteJSON(map[string]any{
			"id":     req.ID,
			"status": 200,
			"result": map[string]any{"orderId": 42, "clientOrderId": req.Params["newClientOrderId"], "status": "NEW"},
		})
	}))
	defer srv.Close()

	c := NewClientWithOptions(Options{
		APIKey:      "k",
		APISecret:   "s",
		RestBaseURL: "http://127.0.0.1:1",
		WSBaseURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	defer c.Close()

	got, err := c.PlaceOrder(context.Background(), core.Order{
		Symbol:   "BTCUSDT",
		Side:     core.Sell,
		Type:     core.Limit,
		Price:    decimal.RequireFromString("100000"),
		Qty:      decimal.RequireFromString("0.5"),
		ClientID: "kp-abc-intl",
	})
	if err != nil {
		t.Fatalf("PlaceOrder() error = %v", err)
	}
	if got.ID != "42" || got.Status != core.OrderNew || got.ClientID != "kp-abc-intl" {
		t.Fatalf("order = %+v", got)
	}
}
