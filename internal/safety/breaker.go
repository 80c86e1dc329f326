package safety

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"kp-monitor/internal/alert"
	"kp-monitor/internal/core"
	"kp-monitor/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	defaultCooldown          = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

type circuit struct {
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
}

// Breaker keeps one fetch circuit per venue. After maxFailures consecutive fetch
// failures the venue is skipped until the cooldown passes, then probed.
type Breaker struct {
	enabled           bool
	maxFailures       int
	cooldown          time.Duration
	halfOpenSuccesses int

	mu       sync.Mutex
	circuits map[core.Venue]*circuit
	alerter  alert.Alerter
	now      func() time.Time
}

func NewBreaker(enabled bool, maxFailures int, cooldown time.Duration, halfOpenSuccesses int) *Breaker {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if halfOpenSuccesses < 1 {
		halfOpenSuccesses = defaultHalfOpenSuccesses
	}
	return &Breaker{
		enabled:           enabled,
		maxFailures:       maxFailures,
		cooldown:          cooldown,
		halfOpenSuccesses: halfOpenSuccesses,
		circuits:          make(map[core.Venue]*circuit),
		now:               time.Now,
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) circuitLocked(venue core.Venue) *circuit {
	c, ok := b.circuits[venue]
	if !ok {
		c = &circuit{state: circuitClosed}
		b.circuits[venue] = c
	}
	return c
}

// AllowFetch returns an error wrapping ErrCircuitOpen while venue is cooling down.
// Once the cooldown has passed the circuit moves to half-open and the fetch is allowed.
func (b *Breaker) AllowFetch(venue core.Venue) error {
	if b == nil || !b.enabled || b.maxFailures < 1 {
		return nil
	}
	b.mu.Lock()
	c := b.circuitLocked(venue)
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s fetch circuit is open", ErrCircuitOpen, venue)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	alerter := b.alerter
	b.mu.Unlock()
	log.Printf("level=INFO event=circuit_breaker_half_open venue=%q cooldown_sec=%d", venue, int64(b.cooldown/time.Second))
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"venue":        string(venue),
			"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
		})
	}
	return nil
}

func (b *Breaker) CooldownRemaining(venue core.Venue) time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[venue]
	if !ok || c.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(c.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

// RecordFetch feeds one fetch outcome into the venue circuit. It returns the open
// error when this failure tripped the circuit.
func (b *Breaker) RecordFetch(venue core.Venue, err error) error {
	if b == nil || !b.enabled || b.maxFailures < 1 {
		return nil
	}

	b.mu.Lock()
	c := b.circuitLocked(venue)
	alerter := b.alerter

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.halfOpenSuccesses {
				recovered = true
				c.state = circuitClosed
				c.failures = 0
				c.openErr = nil
				c.openedAt = time.Time{}
				c.halfOpenSuccess = 0
			}
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		b.mu.Unlock()
		if recovered && prevState != circuitClosed {
			log.Printf(
				"level=INFO event=circuit_breaker_recovered venue=%q previous_consecutive_failures=%d from_state=%q",
				venue,
				prevFailures,
				string(prevState),
			)
			if alerter != nil {
				alerter.Important("circuit_breaker_recovered", map[string]string{
					"venue":      string(venue),
					"from_state": string(prevState),
				})
			}
		}
		return nil
	}

	switch c.state {
	case circuitOpen:
		openErr := c.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(venue, c, err, b.maxFailures, "half_open_probe_failed")
		b.mu.Unlock()
		b.reportTrip(alerter, venue, "half_open", b.maxFailures, err)
		return openErr
	}

	c.failures++
	failures := c.failures
	if failures < b.maxFailures {
		b.mu.Unlock()
		if b.maxFailures > 1 && failures == b.maxFailures-1 {
			log.Printf(
				"level=WARN event=circuit_breaker_near_trip venue=%q consecutive_failures=%d threshold=%d last_error=%q",
				venue,
				failures,
				b.maxFailures,
				err.Error(),
			)
		}
		return nil
	}
	openErr := b.tripLocked(venue, c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(alerter, venue, "closed", failures, err)
	return openErr
}

func (b *Breaker) reportTrip(alerter alert.Alerter, venue core.Venue, phase string, failures int, err error) {
	log.Printf(
		"level=ERROR event=circuit_breaker_trip venue=%q phase=%q consecutive_failures=%d threshold=%d cooldown_sec=%d last_error=%q",
		venue,
		phase,
		failures,
		b.maxFailures,
		int64(b.cooldown/time.Second),
		err.Error(),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"venue":                string(venue),
			"phase":                phase,
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(b.maxFailures),
			"last_error":           err.Error(),
		})
	}
}

func (b *Breaker) tripLocked(venue core.Venue, c *circuit, err error, failures int, reason string) error {
	c.state = circuitOpen
	c.openedAt = b.now()
	c.halfOpenSuccess = 0
	c.failures = failures
	c.openErr = fmt.Errorf("%w: %s fetch failed %d consecutive times, cooldown=%s, reason=%s, last error: %v",
		ErrCircuitOpen, venue, failures, b.cooldown, reason, err)
	return c.openErr
}

// GuardedSource consults the breaker before each fetch and records the outcome.
type GuardedSource struct {
	inner   exchange.QuoteSource
	breaker *Breaker
}

func NewGuardedSource(inner exchange.QuoteSource, breaker *Breaker) *GuardedSource {
	return &GuardedSource{inner: inner, breaker: breaker}
}

func (g *GuardedSource) Name() core.Venue { return g.inner.Name() }

func (g *GuardedSource) FetchLatest(ctx context.Context, market string) (core.RawResponse, error) {
	if err := g.breaker.AllowFetch(g.inner.Name()); err != nil {
		return core.RawResponse{}, &core.FetchError{Venue: g.inner.Name(), Market: market, Err: err}
	}
	raw, err := g.inner.FetchLatest(ctx, market)
	if ctx.Err() != nil && err != nil {
		return raw, err
	}
	_ = g.breaker.RecordFetch(g.inner.Name(), err)
	return raw, err
}

var _ exchange.QuoteSource = (*GuardedSource)(nil)
