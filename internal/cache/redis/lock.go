package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockHeld = errors.New("redis: lock held")

// unlockLua deletes the key only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

var unlockScript = redis.NewScript(unlockLua)

// AcquireLock takes {prefix}:lock:{name} for ttl. The returned release func is
// idempotent and uses its own timeout so it works after ctx is cancelled.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	key := c.key("lock", name)
	ok, err := c.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = unlockScript.Run(unlockCtx, c.rdb, []string{key}, token).Err()
	}, nil
}
