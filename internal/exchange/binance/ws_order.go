package binance

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kp-monitor/internal/core"
)

const maxClientOrderIDLen = 36

type placedOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	UpdateTime    int64  `json:"updateTime"`
}

// wsSession is one authenticated-per-request WS API connection, pinged while idle.
type wsSession struct {
	conn *websocket.Conn
	quit chan struct{}
}

// PlaceOrder submits an order. With a ws_base_url configured the WebSocket API is
// tried first; a transport failure falls back to REST with the same client id, a
// venue rejection does not.
func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	order.Venue = c.Name()
	if order.ClientID == "" {
		order.ClientID = newClientOrderID()
	}
	if err := core.ValidateOrder(order); err != nil {
		return core.Order{}, core.NewOrderError(c.Name(), err)
	}

	if c.wsURL != "" {
		placed, err := c.placeViaWS(ctx, order)
		switch {
		case err == nil:
			if c.setWSDown(false) {
				log.Printf("level=INFO event=ws_order_recovered venue=%q symbol=%q", c.Name(), order.Symbol)
				c.notify("ws_order_recovered", map[string]string{"symbol": order.Symbol})
			}
			return placed, nil
		case errors.Is(err, core.ErrDuplicateOrder):
			return c.recoverDuplicate(ctx, order, err)
		case isVenueRejection(err):
			return core.Order{}, core.NewOrderError(c.Name(), err)
		}
		log.Printf("level=WARN event=ws_order_fallback venue=%q symbol=%q client_id=%q err=%q", c.Name(), order.Symbol, order.ClientID, err)
		if c.setWSDown(true) {
			c.notify("ws_order_fallback_to_rest", map[string]string{
				"symbol":    order.Symbol,
				"side":      string(order.Side),
				"client_id": order.ClientID,
				"ws_error":  err.Error(),
			})
		}
	}

	placed, err := c.placeViaREST(ctx, order)
	if err != nil {
		return core.Order{}, core.NewOrderError(c.Name(), err)
	}
	return placed, nil
}

func isVenueRejection(err error) bool {
	_, ok := AsAPIError(err)
	return ok
}

// recoverDuplicate resolves a duplicate client id into the order that already exists.
func (c *Client) recoverDuplicate(ctx context.Context, order core.Order, cause error) (core.Order, error) {
	existing, err := c.QueryOrder(ctx, order.Symbol, "", order.ClientID)
	if err != nil {
		return core.Order{}, core.NewOrderError(c.Name(), cause)
	}
	return existing.Order, nil
}

func (c *Client) placeViaWS(ctx context.Context, order core.Order) (core.Order, error) {
	params, err := c.wsOrderParams(order)
	if err != nil {
		return core.Order{}, err
	}

	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	conn, err := c.session(ctx)
	if err != nil {
		return core.Order{}, err
	}
	resp, err := wsCall(ctx, conn, "order.place", params)
	if err != nil {
		if !isVenueRejection(err) {
			c.dropSession()
		}
		return core.Order{}, err
	}
	var res placedOrder
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return core.Order{}, err
	}
	return applyPlaced(order, res), nil
}

func (c *Client) placeViaREST(ctx context.Context, order core.Order) (core.Order, error) {
	body, err := c.signedCall(ctx, http.MethodPost, orderPath, orderForm(order))
	if errors.Is(err, core.ErrDuplicateOrder) {
		if existing, qerr := c.QueryOrder(ctx, order.Symbol, "", order.ClientID); qerr == nil {
			return existing.Order, nil
		}
	}
	if apiErr, ok := AsAPIError(err); ok {
		c.notify("rest_order_rejected", map[string]string{
			"symbol":     order.Symbol,
			"side":       string(order.Side),
			"client_id":  order.ClientID,
			"error_code": strconv.Itoa(apiErr.Code),
			"error_msg":  apiErr.Msg,
		})
	}
	if err != nil {
		return core.Order{}, err
	}
	var res placedOrder
	if err := json.Unmarshal(body, &res); err != nil {
		return core.Order{}, err
	}
	return applyPlaced(order, res), nil
}

func applyPlaced(order core.Order, res placedOrder) core.Order {
	order.ID = strconv.FormatInt(res.OrderID, 10)
	order.Status = core.OrderNew
	if res.Status != "" {
		order.Status = core.OrderStatus(res.Status)
	}
	order.CreatedAt = time.Now().UTC()
	if res.UpdateTime > 0 {
		order.CreatedAt = time.UnixMilli(res.UpdateTime).UTC()
	}
	return order
}

// orderForm encodes the order exactly as given; quantity and price are never
// re-rounded here.
func orderForm(order core.Order) url.Values {
	form := url.Values{
		"symbol":           {order.Symbol},
		"side":             {string(order.Side)},
		"type":             {string(order.Type)},
		"quantity":         {order.Qty.String()},
		"newClientOrderId": {order.ClientID},
	}
	if order.Type == core.Limit {
		form.Set("timeInForce", "GTC")
		form.Set("price", order.Price.String())
	}
	if order.ClientID == "" {
		form.Del("newClientOrderId")
	}
	return form
}

// wsOrderParams signs the order form for the WS API, which takes apiKey inline.
func (c *Client) wsOrderParams(order core.Order) (map[string]any, error) {
	form := orderForm(order)
	form.Set("apiKey", c.key)
	if err := c.sign(form); err != nil {
		return nil, err
	}
	params := make(map[string]any, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	return params, nil
}

// session returns the live WS connection, dialing one if needed. sessMu must be held.
func (c *Client) session(ctx context.Context) (*websocket.Conn, error) {
	if c.sess != nil {
		return c.sess.conn, nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, err
	}
	c.sess = &wsSession{conn: conn, quit: make(chan struct{})}
	if c.keepalive > 0 {
		go c.keepSessionAlive(c.sess)
	}
	return conn, nil
}

// dropSession closes the current connection. sessMu must be held.
func (c *Client) dropSession() {
	if c.sess == nil {
		return
	}
	close(c.sess.quit)
	_ = c.sess.conn.Close()
	c.sess = nil
}

func (c *Client) keepSessionAlive(s *wsSession) {
	t := time.NewTicker(c.keepalive)
	defer t.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-t.C:
		}
		c.sessMu.Lock()
		if c.sess != s {
			c.sessMu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := wsCall(ctx, s.conn, "ping", nil)
		cancel()
		if err != nil {
			log.Printf("level=WARN event=ws_order_ping_failed venue=%q err=%q", c.Name(), err)
			c.dropSession()
			c.sessMu.Unlock()
			return
		}
		c.sessMu.Unlock()
	}
}

// newClientOrderID is used only when the caller did not derive an id itself.
func newClientOrderID() string {
	id := "kp-" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if len(id) > maxClientOrderIDLen {
		id = id[:maxClientOrderIDLen]
	}
	return id
}
