package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"kp-monitor/internal/alert"
	cacheredis "kp-monitor/internal/cache/redis"
	"kp-monitor/internal/config"
	"kp-monitor/internal/core"
	"kp-monitor/internal/exchange"
	"kp-monitor/internal/exchange/binance"
	"kp-monitor/internal/exchange/bithumb"
	"kp-monitor/internal/exchange/upbit"
	"kp-monitor/internal/handoff"
	"kp-monitor/internal/monitor"
	"kp-monitor/internal/safety"
	"kp-monitor/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	log.Printf("level=INFO event=monitor_start instruments=%s premium_venue=%s fx_usdkrw=%s fx_updated_at=%q handoff=%s",
		strings.Join(cfg.Instruments, ","), cfg.Premium.DomesticVenue,
		cfg.Fx.USDKRW.String(), cfg.Fx.UpdatedAt, cfg.Handoff.Backend)

	alerts := alert.FromConfig("kpmonitor", cfg.Instruments, cfg.Observability)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := store.AcquireLock(cfg.State.Dir, store.MonitorLock, store.LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			fmt.Fprintf(os.Stderr, "release monitor lock failed: %v\n", relErr)
		}
	}()

	publisher, closePublisher, err := openPublisher(ctx, cfg)
	if err != nil {
		fatal(err.Error())
	}
	defer closePublisher()

	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxFetchFailures,
		time.Duration(cfg.CircuitBreaker.CooldownSec)*time.Second,
		cfg.CircuitBreaker.ProbePasses,
	)
	if alerts != nil {
		breaker.SetAlerter(alerts)
	}

	runner := monitor.Runner{
		Pipeline: &monitor.Pipeline{
			Sources:       buildSources(cfg, breaker),
			DomesticVenue: cfg.PremiumDomesticVenue(),
			Fx:            cfg.Fx.USDKRW.Decimal,
			Fanout:        *cfg.Poll.Fanout,
		},
		Instruments: cfg.TrackedInstruments(),
		Interval:    time.Duration(cfg.Poll.IntervalMs) * time.Millisecond,
		Parallel:    cfg.Poll.Concurrency == config.ConcurrencyParallel,
		Publisher:   publisher,
		Out:         os.Stdout,
		Heartbeat:   time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
	}
	if err := runner.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fatal(err.Error())
	}
	log.Printf("level=INFO event=monitor_stop")
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// buildSources wires every venue client behind the fetch breaker. Public endpoints
// only, so no credentials are passed.
func buildSources(cfg config.Config, breaker *safety.Breaker) map[core.Venue]exchange.QuoteSource {
	public := func(v config.VenueConfig) config.VenueConfig {
		v.APIKey, v.APISecret = "", ""
		return v
	}
	raw := []exchange.QuoteSource{
		bithumb.NewClient(public(cfg.Venues.Bithumb)),
		upbit.NewClient(public(cfg.Venues.Upbit)),
		binance.NewClientWithOptions(binance.Options{
			RestBaseURL:    cfg.Venues.BinanceFutures.RestBaseURL,
			HTTPTimeoutSec: cfg.Venues.BinanceFutures.HTTPTimeoutSec,
		}),
	}
	out := make(map[core.Venue]exchange.QuoteSource, len(raw))
	for _, src := range raw {
		out[src.Name()] = safety.NewGuardedSource(src, breaker)
	}
	return out
}

func openPublisher(ctx context.Context, cfg config.Config) (monitor.Publisher, func(), error) {
	noop := func() {}
	switch cfg.Handoff.Backend {
	case config.HandoffNone:
		return handoff.Discard{}, noop, nil
	case config.HandoffRedis:
		client, err := cacheredis.New(ctx, cacheredis.ClientConfig{
			Addr:      cfg.Handoff.Redis.Addr,
			Password:  cfg.Handoff.Redis.Password,
			DB:        cfg.Handoff.Redis.DB,
			KeyPrefix: cfg.Handoff.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, noop, err
		}
		ttl := 10 * time.Duration(cfg.Handoff.MaxAgeSec) * time.Second
		return cacheredis.NewSnapshotStore(client, ttl), func() { _ = client.Close() }, nil
	default:
		st, err := store.New(cfg.State.Dir)
		if err != nil {
			return nil, noop, err
		}
		return st, noop, nil
	}
}
