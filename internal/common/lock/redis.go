package lock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only if it still carries our token, so an expired lock
// that someone else re-acquired is never released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker shared by every replica pointing at the same Redis.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
	token  func() string
	logger *slog.Logger
}

// DefaultTTL outlasts a status poll followed by a dispatch, each bounded by
// the provider timeout.
const DefaultTTL = 90 * time.Second

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "agripay:lock"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		client: client,
		prefix: trimmed,
		ttl:    ttl,
		poll:   50 * time.Millisecond,
		token:  uuid.NewString,
		logger: logger,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	redisKey := fmt.Sprintf("%s:%s", r.prefix, key)
	token := r.token()

	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must run even if the caller's context is already done.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
				r.logger.Warn("lock release failed, key held until ttl",
					"key", redisKey,
					"ttl", r.ttl,
					"error", err,
				)
			}
		})
	}, nil
}

// Open builds the Locker selected by cfg.Driver. The returned close func
// releases the driver's connections.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Locker, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewKeyedMutex(), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connecting to redis %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisLocker(client, cfg.Prefix, cfg.TTL, logger), client.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown lock driver %q", cfg.Driver)
}
