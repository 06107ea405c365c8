package redis

import (
	"context"
	"fmt"
	"time"

	"ms-fulfillment/internal/logger"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease never frees someone else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis hands out short purchase-scoped leases. They coalesce duplicate work;
// nothing relies on them for correctness.
type Redis struct {
	Client *redis.Client
	Logger *logger.Logger
	TTL    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration, log *logger.Logger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{Client: client, Logger: log, TTL: ttl}
}

func PaymentKey(purchaseID string) string {
	return "purchase_lock:payment:" + purchaseID
}

func ConfirmKey(purchaseID string) string {
	return "purchase_lock:confirm:" + purchaseID
}

// SweepKey keeps sweeps of several replicas from overlapping.
const SweepKey = "purchase_lock:sweep"

// Acquire returns a token when the lease was taken, or ok=false when someone
// else holds it.
func (r *Redis) Acquire(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.Client.SetNX(ctx, key, token, r.TTL).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		r.Logger.Debug("REDIS", fmt.Sprintf("Lease %s is held elsewhere", key))
		return "", false, nil
	}
	return token, true, nil
}

func (r *Redis) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, r.Client, []string{key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// IsHeld reports whether any holder currently owns key.
func (r *Redis) IsHeld(ctx context.Context, key string) (bool, error) {
	_, err := r.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
