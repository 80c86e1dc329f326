package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	cacheredis "kp-monitor/internal/cache/redis"
	"kp-monitor/internal/config"
	"kp-monitor/internal/core"
	"kp-monitor/internal/exchange"
	"kp-monitor/internal/exchange/binance"
	"kp-monitor/internal/exchange/bithumb"
	"kp-monitor/internal/exchange/upbit"
	"kp-monitor/internal/handoff"
	"kp-monitor/internal/monitor"
	"kp-monitor/internal/quote"
	"kp-monitor/internal/store"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

// apiCodeUnknownOrder is returned for a query of a client order ID that never existed,
// which proves the signature was accepted.
const apiCodeUnknownOrder = -2013

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Instruments []string      `json:"instruments"`
	Checks      []checkResult `json:"checks"`
}

func (r report) failed() int {
	n := 0
	for _, c := range r.Checks {
		if c.Status != statusPass {
			n++
		}
	}
	return n
}

type selectedChecks struct {
	quotes  bool
	premium bool
	handoff bool
	auth    bool
}

type checker struct {
	cfg       config.Config
	sources   map[core.Venue]exchange.QuoteSource
	snapshots func(ctx context.Context) (handoff.Store, func(), error)
	futures   *binance.Client
	out       io.Writer
	now       func() time.Time
}

func main() {
	var (
		configPath  string
		timeoutSec  int
		outJSONPath string
		checkFlag   string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.StringVar(&checkFlag, "check", "default", "checks to run: default | all | comma list (quotes,premium,handoff,auth)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 5 {
		timeoutSec = 5
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	futures := binance.NewClient(cfg.Venues.BinanceFutures)
	defer futures.Close()
	c := &checker{
		cfg: cfg,
		sources: map[core.Venue]exchange.QuoteSource{
			core.VenueBithumb:        bithumb.NewClient(cfg.Venues.Bithumb),
			core.VenueUpbit:          upbit.NewClient(cfg.Venues.Upbit),
			core.VenueBinanceFutures: futures,
		},
		snapshots: func(ctx context.Context) (handoff.Store, func(), error) { return openSnapshots(ctx, cfg) },
		futures:   futures,
		out:       os.Stdout,
		now:       time.Now,
	}
	r := c.run(ctx, checks)
	printSummary(os.Stdout, r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
	}
	if r.failed() > 0 {
		os.Exit(1)
	}
}

func (c *checker) run(ctx context.Context, sel selectedChecks) report {
	r := report{StartedAt: c.now().UTC(), Instruments: c.cfg.Instruments}
	record := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{Name: name, DurationMs: time.Since(start).Milliseconds(), Detail: detail, Status: statusPass}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		}
		r.Checks = append(r.Checks, cr)
		if cr.Status == statusPass {
			fmt.Fprintf(c.out, "[PASS] %s (%dms)", name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Fprintf(c.out, " - %s", cr.Detail)
			}
			fmt.Fprintln(c.out)
		} else {
			fmt.Fprintf(c.out, "[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		}
	}

	instruments := c.cfg.TrackedInstruments()
	if sel.quotes {
		for _, inst := range instruments {
			for _, v := range []core.Venue{core.VenueBithumb, core.VenueUpbit, core.VenueBinanceFutures} {
				inst, v := inst, v
				record("quote_"+string(v)+"_"+inst.Symbol, func() (string, error) {
					return c.checkQuote(ctx, v, inst)
				})
			}
		}
	}
	if sel.premium {
		p := &monitor.Pipeline{
			Sources:       c.sources,
			DomesticVenue: c.cfg.PremiumDomesticVenue(),
			Fx:            c.cfg.Fx.USDKRW.Decimal,
			Fanout:        true,
			Now:           c.now,
		}
		for _, inst := range instruments {
			inst := inst
			record("premium_"+inst.Symbol, func() (string, error) {
				res := p.Run(ctx, inst)
				if res.Err != nil {
					return "", res.Err
				}
				return handoff.RenderLine(handoff.FromSnapshot(*res.Snapshot)), nil
			})
		}
	}
	if sel.handoff {
		record("handoff_"+string(c.cfg.Handoff.Backend), func() (string, error) {
			return c.checkHandoff(ctx, instruments)
		})
	}
	if sel.auth {
		record("binance_futures_auth", func() (string, error) {
			return c.checkFuturesAuth(ctx, instruments)
		})
	}
	r.FinishedAt = c.now().UTC()
	return r
}

func (c *checker) checkQuote(ctx context.Context, v core.Venue, inst core.Instrument) (string, error) {
	src := c.sources[v]
	if src == nil {
		return "", fmt.Errorf("no quote source for %s", v)
	}
	raw, err := src.FetchLatest(ctx, inst.Market(v))
	if err != nil {
		return "", err
	}
	q, err := quote.Normalize(raw)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("market=%s price=%s qty=%s", q.Market, q.Price, q.Qty), nil
}

func (c *checker) checkHandoff(ctx context.Context, instruments []core.Instrument) (string, error) {
	if c.cfg.Handoff.Backend == config.HandoffNone {
		return "backend disabled", nil
	}
	st, closeFn, err := c.snapshots(ctx)
	if err != nil {
		return "", err
	}
	defer closeFn()
	parts := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		rec, err := st.Latest(ctx, inst.Symbol)
		switch {
		case errors.Is(err, handoff.ErrNoSnapshot):
			parts = append(parts, inst.Symbol+"=none")
		case err != nil:
			return "", err
		default:
			age := c.now().Sub(rec.At).Truncate(time.Second)
			parts = append(parts, fmt.Sprintf("%s=%s_old", inst.Symbol, age))
		}
	}
	return strings.Join(parts, " "), nil
}

func (c *checker) checkFuturesAuth(ctx context.Context, instruments []core.Instrument) (string, error) {
	if c.futures == nil {
		return "", errors.New("binance futures client not configured")
	}
	if len(instruments) == 0 {
		return "", errors.New("no instruments")
	}
	symbol := instruments[0].BinanceMarket()
	_, err := c.futures.QueryOrder(ctx, symbol, "", "kp-check-"+fmt.Sprint(c.now().UnixMilli()))
	if err == nil {
		return "", errors.New("unexpected order found for probe client id")
	}
	if binance.IsAPIErrorCode(err, apiCodeUnknownOrder) {
		return "signed request accepted symbol=" + symbol, nil
	}
	return "", err
}

func openSnapshots(ctx context.Context, cfg config.Config) (handoff.Store, func(), error) {
	noop := func() {}
	if cfg.Handoff.Backend == config.HandoffRedis {
		client, err := cacheredis.New(ctx, cacheredis.ClientConfig{
			Addr:      cfg.Handoff.Redis.Addr,
			Password:  cfg.Handoff.Redis.Password,
			DB:        cfg.Handoff.Redis.DB,
			KeyPrefix: cfg.Handoff.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, noop, err
		}
		return cacheredis.NewSnapshotStore(client, 0), func() { _ = client.Close() }, nil
	}
	st, err := store.New(cfg.State.Dir)
	if err != nil {
		return nil, noop, err
	}
	return st, noop, nil
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "default" {
		return selectedChecks{quotes: true, premium: true, handoff: true}, nil
	}
	if raw == "all" {
		return selectedChecks{quotes: true, premium: true, handoff: true, auth: true}, nil
	}
	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		switch name := strings.TrimSpace(p); name {
		case "":
			continue
		case "quotes", "quote":
			out.quotes = true
		case "premium":
			out.premium = true
		case "handoff", "store":
			out.handoff = true
		case "auth", "binance_auth":
			out.auth = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if !out.quotes && !out.premium && !out.handoff && !out.auth {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

func printSummary(w io.Writer, r report) {
	fmt.Fprintf(w, "\nsummary instruments=%s pass=%d fail=%d duration=%s\n",
		strings.Join(r.Instruments, ","),
		len(r.Checks)-r.failed(),
		r.failed(),
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
