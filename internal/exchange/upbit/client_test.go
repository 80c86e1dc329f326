package upbit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kp-monitor/internal/config"
	"kp-monitor/internal/core"
)

func TestFetchLatestReturnsRawTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/ticker" || r.URL.Query().Get("markets") != "KRW-BTC" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`[{"market":"KRW-BTC","trade_price":134000000.0,"trade_volume":0.01234}]`))
	}))
	defer srv.Close()

	c := NewClient(config.VenueConfig{RestBaseURL: srv.URL + "/"})
	fetchedAt := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fetchedAt }
	raw, err := c.FetchLatest(context.Background(), "KRW-BTC")
	if err != nil {
		t.Fatalf("FetchLatest() error = %v", err)
	}
	if raw.Venue != core.VenueUpbit || raw.Market != "KRW-BTC" || len(raw.Body) == 0 {
		t.Fatalf("raw = %+v", raw)
	}
	if !raw.FetchedAt.Equal(fetchedAt) {
		t.Fatalf("FetchedAt = %v, want %v", raw.FetchedAt, fetchedAt)
	}
}

func TestFetchLatestEmptyBodyIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err := NewClient(config.VenueConfig{RestBaseURL: srv.URL}).FetchLatest(context.Background(), "KRW-BTC")
	var fetchErr *core.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("FetchLatest() error = %v, want *core.FetchError", err)
	}
	if errors.Is(err, core.ErrNormalize) || !strings.Contains(err.Error(), "empty body") {
		t.Fatalf("FetchLatest() error = %v, want empty body fetch error", err)
	}
}

func TestFetchLatestMarketNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"name":"404","message":"Code not found"}}`))
	}))
	defer srv.Close()

	_, err := NewClient(config.VenueConfig{RestBaseURL: srv.URL}).FetchLatest(context.Background(), "KRW-NOPE")
	var fetchErr *core.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("FetchLatest() error = %v, want *core.FetchError", err)
	}
	if fetchErr.Status != http.StatusNotFound || fetchErr.Venue != core.VenueUpbit {
		t.Fatalf("fetch error = %+v", fetchErr)
	}
}

func TestFetchLatestRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(config.VenueConfig{RestBaseURL: srv.URL}).FetchLatest(context.Background(), "KRW-BTC")
	if !errors.Is(err, core.ErrRateLimited) || !errors.Is(err, core.ErrFetch) {
		t.Fatalf("FetchLatest() error = %v, want ErrFetch and ErrRateLimited", err)
	}
}
