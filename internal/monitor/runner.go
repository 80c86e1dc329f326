package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"kp-monitor/internal/core"
	"kp-monitor/internal/handoff"
)

type Publisher interface {
	Publish(ctx context.Context, rec handoff.Record) error
}

// Runner drives the poll loop. One cycle visits every instrument; a failure on one
// instrument is logged and never stops the others.
type Runner struct {
	Pipeline    *Pipeline
	Instruments []core.Instrument
	Interval    time.Duration
	// Parallel runs instruments of one cycle concurrently. Output order stays the
	// configured instrument order.
	Parallel  bool
	Publisher Publisher
	Out       io.Writer
	// Heartbeat logs cycle counters at this interval. Zero disables it.
	Heartbeat time.Duration

	cycles  uint64
	emitted uint64
	skipped uint64
}

func (r *Runner) Run(ctx context.Context) error {
	if r.Pipeline == nil {
		return errors.New("monitor: pipeline required")
	}
	if err := r.Pipeline.Validate(); err != nil {
		return err
	}
	if len(r.Instruments) == 0 {
		return errors.New("monitor: no instruments")
	}
	lastBeat := time.Now()
	for {
		r.Cycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if r.Heartbeat > 0 && time.Since(lastBeat) >= r.Heartbeat {
			lastBeat = time.Now()
			log.Printf("level=INFO event=heartbeat cycles=%d emitted=%d skipped=%d", r.cycles, r.emitted, r.skipped)
		}
		if r.Interval <= 0 {
			continue
		}
		timer := time.NewTimer(r.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (r *Runner) Cycle(ctx context.Context) []Result {
	results := make([]Result, len(r.Instruments))
	if r.Parallel {
		var g errgroup.Group
		for i, inst := range r.Instruments {
			i, inst := i, inst
			g.Go(func() error {
				results[i] = r.Pipeline.Run(ctx, inst)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, inst := range r.Instruments {
			results[i] = r.Pipeline.Run(ctx, inst)
		}
	}

	r.cycles++
	for _, res := range results {
		r.emit(ctx, res)
	}
	return results
}

func (r *Runner) emit(ctx context.Context, res Result) {
	if res.Err != nil {
		if ctx.Err() != nil {
			return
		}
		r.skipped++
		log.Printf("level=WARN event=instrument_skipped symbol=%s venues=%s err=%q",
			res.Instrument.Symbol, venueList(failedVenues(res.Err)), res.Err.Error())
		return
	}
	r.emitted++
	rec := handoff.FromSnapshot(*res.Snapshot)
	if r.Out != nil {
		fmt.Fprintln(r.Out, handoff.RenderLine(rec))
	}
	if r.Publisher == nil {
		return
	}
	if err := r.Publisher.Publish(ctx, rec); err != nil {
		log.Printf("level=WARN event=snapshot_publish_failed symbol=%s err=%q", res.Instrument.Symbol, err.Error())
	}
}

func venueList(vs []core.Venue) string {
	if len(vs) == 0 {
		return "-"
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = string(v)
	}
	return strings.Join(parts, ",")
}
