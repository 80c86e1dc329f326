package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kp-monitor/internal/alert"
	cacheredis "kp-monitor/internal/cache/redis"
	"kp-monitor/internal/config"
	"kp-monitor/internal/dispatch"
	"kp-monitor/internal/exchange/binance"
	"kp-monitor/internal/exchange/bithumb"
	"kp-monitor/internal/handoff"
	"kp-monitor/internal/store"
)

const (
	redisLockTTL = 2 * time.Minute
	setupTimeout = 10 * time.Second
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	os.Exit(run(configPath))
}

func run(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fail(err)
	}
	if err := cfg.ValidateTrading(); err != nil {
		return fail(err)
	}

	alerts := alert.FromConfig("kporder", cfg.Instruments, cfg.Observability)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	st, err := store.New(cfg.State.Dir)
	if err != nil {
		return fail(err)
	}
	var (
		snapshots handoff.Store         = st
		ledger    dispatch.IntentLedger = st
		rc        *cacheredis.Client
	)
	switch cfg.Handoff.Backend {
	case config.HandoffRedis:
		setupCtx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		rc, err = cacheredis.New(setupCtx, cacheredis.ClientConfig{
			Addr:      cfg.Handoff.Redis.Addr,
			Password:  cfg.Handoff.Redis.Password,
			DB:        cfg.Handoff.Redis.DB,
			KeyPrefix: cfg.Handoff.Redis.KeyPrefix,
		})
		cancel()
		if err != nil {
			return fail(err)
		}
		defer rc.Close()
		snapshots = cacheredis.NewSnapshotStore(rc, 0)
		ledger = cacheredis.NewIntentLedger(rc, 0)
	case config.HandoffNone:
		snapshots = handoff.Discard{}
	}

	domestic := bithumb.NewClient(cfg.Venues.Bithumb)
	international := binance.NewClient(cfg.Venues.BinanceFutures)
	defer international.Close()
	d := dispatch.New(domestic, international, ledger, cfg.Dispatch)
	if alerts != nil {
		international.SetAlerter(alerts)
		d.Alerts = alerts
	}

	s := &session{
		prompt:     newPrompter(os.Stdin, os.Stdout),
		out:        os.Stdout,
		snapshots:  snapshots,
		maxAge:     time.Duration(cfg.Handoff.MaxAgeSec) * time.Second,
		dispatcher: d,
		journal:    st.AppendDispatch,
		now:        time.Now,
	}
	intent, err := s.prepare(context.Background())
	if err != nil {
		if errors.Is(err, errNoInput) {
			return exitFailed
		}
		return fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	release, err := acquireDispatchLock(ctx, cfg, rc)
	if err != nil {
		return fail(err)
	}
	defer release()

	code, err := s.execute(ctx, intent)
	if err != nil {
		return fail(err)
	}
	return code
}

// acquireDispatchLock serializes operator sessions. With the redis backend the lock
// is shared by every host using the same redis; otherwise it is a file in the state dir.
func acquireDispatchLock(ctx context.Context, cfg config.Config, rc *cacheredis.Client) (func(), error) {
	if rc != nil {
		return rc.AcquireLock(ctx, "dispatch", redisLockTTL)
	}
	lock, err := store.AcquireLock(cfg.State.Dir, store.DispatchLock, store.LockOptions{
		TakeoverEnabled: true,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if relErr := lock.Release(); relErr != nil {
			fmt.Fprintf(os.Stderr, "release dispatch lock failed: %v\n", relErr)
		}
	}, nil
}

func fail(err error) int {
	fmt.Fprintln(os.Stderr, err.Error())
	return exitFailed
}
