package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"kp-monitor/internal/core"
	"kp-monitor/internal/handoff"
)

// SnapshotStore keeps the latest record per symbol under {prefix}:snapshot:{SYM}
// and announces each publish on {prefix}:snapshots.
type SnapshotStore struct {
	c   *Client
	ttl time.Duration
}

func NewSnapshotStore(c *Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{c: c, ttl: ttl}
}

func (s *SnapshotStore) Channel() string {
	return s.c.key("snapshots")
}

func (s *SnapshotStore) Publish(ctx context.Context, r handoff.Record) error {
	if !core.IsValidSymbol(r.Symbol) {
		return fmt.Errorf("redis: publish snapshot: invalid symbol %q", r.Symbol)
	}
	data, err := handoff.Encode(r)
	if err != nil {
		return fmt.Errorf("redis: encode snapshot %s: %w", r.Symbol, err)
	}
	_, err = s.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.c.key("snapshot", r.Symbol), data, s.ttl)
		pipe.Publish(ctx, s.Channel(), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: publish snapshot %s: %w", r.Symbol, err)
	}
	return nil
}

func (s *SnapshotStore) Latest(ctx context.Context, symbol string) (handoff.Record, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	data, err := s.c.rdb.Get(ctx, s.c.key("snapshot", symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return handoff.Record{}, fmt.Errorf("%w: %s", handoff.ErrNoSnapshot, symbol)
		}
		return handoff.Record{}, fmt.Errorf("redis: get snapshot %s: %w", symbol, err)
	}
	return handoff.Decode(data)
}

var _ handoff.Store = (*SnapshotStore)(nil)
