// Package redis backs the snapshot handoff, the intent ledger and the dispatch
// lock with go-redis/v9 so monitor and operator can run on different hosts.
package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

type ClientConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type Client struct {
	rdb    *redis.Client
	prefix string
}

// New connects and pings; an unreachable server is an error at startup.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return NewFromClient(rdb, cfg.KeyPrefix), nil
}

func NewFromClient(rdb *redis.Client, prefix string) *Client {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "kp"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}
