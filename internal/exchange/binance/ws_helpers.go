package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsReplyTimeout = 10 * time.Second

type wsRequest struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

type wsResponse struct {
	ID     string          `json:"id"`
	Status int             `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *apiError       `json:"error,omitempty"`
}

// wsCall writes one request and reads frames until the reply with the same id
// arrives. A venue rejection comes back as a classified APIError; anything else
// is a transport failure.
func wsCall(ctx context.Context, conn *websocket.Conn, method string, params map[string]any) (wsResponse, error) {
	req := wsRequest{ID: uuid.NewString(), Method: method, Params: params}
	if err := conn.WriteJSON(req); err != nil {
		return wsResponse{}, err
	}

	deadline := time.Now().Add(wsReplyTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		var resp wsResponse
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return wsResponse{}, err
		}
		if json.Unmarshal(frame, &resp) != nil || resp.ID != req.ID {
			continue
		}
		switch {
		case resp.Status == 200:
			return resp, nil
		case resp.Error != nil:
			return resp, wrapAPIError(resp.Status, resp.Error.Code, resp.Error.Msg)
		default:
			return resp, fmt.Errorf("binance ws status %d", resp.Status)
		}
	}
}
