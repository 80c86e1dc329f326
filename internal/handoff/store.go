package handoff

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoSnapshot    = errors.New("no snapshot published")
	ErrStaleSnapshot = errors.New("snapshot is stale")
)

// Store keeps the latest record per symbol.
type Store interface {
	Publish(ctx context.Context, r Record) error
	Latest(ctx context.Context, symbol string) (Record, error)
}

// LoadFresh returns the latest record for symbol, rejecting one older than maxAge.
// A maxAge of zero disables the age check.
func LoadFresh(ctx context.Context, s Store, symbol string, maxAge time.Duration, now time.Time) (Record, error) {
	r, err := s.Latest(ctx, symbol)
	if err != nil {
		return Record{}, err
	}
	if maxAge > 0 {
		if age := now.Sub(r.At); age > maxAge {
			return Record{}, fmt.Errorf("%w: %s is %s old (max %s)", ErrStaleSnapshot, symbol, age.Truncate(time.Second), maxAge)
		}
	}
	return r, nil
}

// Discard is a Store for handoff.backend: none.
type Discard struct{}

func (Discard) Publish(context.Context, Record) error { return nil }

func (Discard) Latest(context.Context, string) (Record, error) { return Record{}, ErrNoSnapshot }
