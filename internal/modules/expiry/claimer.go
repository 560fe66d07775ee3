// README: Redis-backed claim so a deadline fires on one replica only.
package expiry

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"chauffeur/internal/types"
)

const claimKeyPrefix = "expiry:claim:%s:%d"

type RedisClaimer struct {
	redis *redis.Client
	ttl   time.Duration
	owner string
}

func NewRedisClaimer(redis *redis.Client, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = time.Minute
	}
	owner, _ := os.Hostname()
	if owner == "" {
		owner = "chauffeur"
	}
	return &RedisClaimer{redis: redis, ttl: ttl, owner: owner}
}

func (c *RedisClaimer) Claim(ctx context.Context, id types.ID, at time.Time) (bool, error) {
	return c.redis.SetNX(ctx, claimKey(id, at), c.owner, c.ttl).Result()
}

func (c *RedisClaimer) Release(ctx context.Context, id types.ID, at time.Time) error {
	return c.redis.Del(ctx, claimKey(id, at)).Err()
}

func claimKey(id types.ID, at time.Time) string {
	return fmt.Sprintf(claimKeyPrefix, string(id), at.UnixMicro())
}
