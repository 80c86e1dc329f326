package upbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kp-monitor/internal/config"
	"kp-monitor/internal/core"
)

const tickerPath = "/v1/ticker"

// Client is a quote-only source for the Upbit public ticker.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

func NewClient(cfg config.VenueConfig) *Client {
	timeout := 5 * time.Second
	if cfg.HTTPTimeoutSec > 0 {
		timeout = time.Duration(cfg.HTTPTimeoutSec) * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.RestBaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (c *Client) Name() core.Venue { return core.VenueUpbit }

func (c *Client) FetchLatest(ctx context.Context, market string) (core.RawResponse, error) {
	params := url.Values{}
	params.Set("markets", market)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tickerPath+"?"+params.Encode(), nil)
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
	return core.RawResponse{
		Venue:     c.Name(),
		Market:    market,
		Status:    resp.StatusCode,
		Body:      body,
		FetchedAt: c.now().UTC(),
	}, nil
}

type errorResponse struct {
	Error struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

func parseAPIError(status int, body []byte) error {
	var parsed errorResponse
	var err error
	if jerr := json.Unmarshal(body, &parsed); jerr == nil && parsed.Error.Name != "" {
		err = fmt.Errorf("upbit api error %s: %s", parsed.Error.Name, parsed.Error.Message)
	} else {
		err = fmt.Errorf("upbit http error %d: %s", status, strings.TrimSpace(string(body)))
	}
	if status == http.StatusTooManyRequests {
		return errors.Join(err, core.ErrRateLimited)
	}
	return err
}
