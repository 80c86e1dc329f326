package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"kp-monitor/internal/core"
	"kp-monitor/internal/exchange"
	"kp-monitor/internal/premium"
	"kp-monitor/internal/quote"
)

// Pipeline produces one snapshot for one instrument: fetch the domestic venue and
// the futures venue, normalize, then compute the premium. The snapshot carries the
// exact quotes the premium was computed from, so the printed line extracts back
// to them.
type Pipeline struct {
	Sources       map[core.Venue]exchange.QuoteSource
	DomesticVenue core.Venue
	Fx            decimal.Decimal
	// Fanout fetches the venues of one instrument concurrently and joins before computing.
	Fanout bool
	Now    func() time.Time
}

type Result struct {
	Instrument core.Instrument
	Snapshot   *core.PremiumSnapshot
	Quotes     map[core.Venue]core.Quote
	Err        error
}

func (p *Pipeline) venues() []core.Venue {
	return []core.Venue{p.DomesticVenue, core.VenueBinanceFutures}
}

func (p *Pipeline) Validate() error {
	if !p.DomesticVenue.Domestic() {
		return fmt.Errorf("premium venue %q is not a KRW venue", p.DomesticVenue)
	}
	for _, v := range p.venues() {
		if p.Sources[v] == nil {
			return fmt.Errorf("no quote source for venue %q", v)
		}
	}
	if p.Fx.Sign() <= 0 {
		return fmt.Errorf("fx rate must be > 0")
	}
	return nil
}

// Run never panics on venue data; every failure is returned in Result.Err with
// all venue errors joined.
func (p *Pipeline) Run(ctx context.Context, inst core.Instrument) Result {
	res := Result{Instrument: inst, Quotes: make(map[core.Venue]core.Quote, 2)}
	venues := p.venues()
	quotes := make([]core.Quote, len(venues))
	errs := make([]error, len(venues))

	fetch := func(i int) {
		v := venues[i]
		src := p.Sources[v]
		if src == nil {
			errs[i] = &core.FetchError{Venue: v, Market: inst.Market(v), Err: errors.New("no quote source")}
			return
		}
		raw, err := src.FetchLatest(ctx, inst.Market(v))
		if err != nil {
			errs[i] = err
			return
		}
		q, err := quote.Normalize(raw)
		if err != nil {
			errs[i] = err
			return
		}
		quotes[i] = q
	}

	if p.Fanout {
		var g errgroup.Group
		for i := range venues {
			i := i
			g.Go(func() error {
				fetch(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range venues {
			fetch(i)
			if ctx.Err() != nil {
				break
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		res.Err = err
		return res
	}
	if ctx.Err() != nil {
		res.Err = ctx.Err()
		return res
	}
	for i, v := range venues {
		res.Quotes[v] = quotes[i]
	}

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	snap, err := premium.NewSnapshot(inst, res.Quotes[p.DomesticVenue], res.Quotes[core.VenueBinanceFutures], p.Fx, now())
	if err != nil {
		res.Err = err
		return res
	}
	res.Snapshot = &snap
	return res
}

// failedVenues lists the venues named by fetch or normalize errors inside err.
func failedVenues(err error) []core.Venue {
	var out []core.Venue
	seen := map[core.Venue]bool{}
	var walk func(error)
	walk = func(e error) {
		if multi, ok := e.(interface{ Unwrap() []error }); ok {
			for _, inner := range multi.Unwrap() {
				walk(inner)
			}
			return
		}
		var v core.Venue
		var fe *core.FetchError
		var ne *core.NormalizeError
		switch {
		case errors.As(e, &fe):
			v = fe.Venue
		case errors.As(e, &ne):
			v = ne.Venue
		}
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	if err != nil {
		walk(err)
	}
	return out
}
