package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kp-monitor/internal/core"
)

const defaultIntentTTL = 30 * 24 * time.Hour

type IntentLedger struct {
	c   *Client
	ttl time.Duration
}

func NewIntentLedger(c *Client, ttl time.Duration) *IntentLedger {
	if ttl <= 0 {
		ttl = defaultIntentTTL
	}
	return &IntentLedger{c: c, ttl: ttl}
}

// Reserve claims intentID with SETNX so only the first dispatch of an intent proceeds.
func (l *IntentLedger) Reserve(ctx context.Context, intentID string) error {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return fmt.Errorf("intent id required")
	}
	ok, err := l.c.rdb.SetNX(ctx, l.c.key("intent", intentID), time.Now().UTC().Format(time.RFC3339Nano), l.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: reserve intent %s: %w", intentID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrDuplicateIntent, intentID)
	}
	return nil
}
