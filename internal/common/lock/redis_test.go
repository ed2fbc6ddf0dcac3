package lock

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"

	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRedis answers SET NX without a server and fails every script call.
type scriptedRedis struct{}

func (scriptedRedis) DialHook(redis.DialHook) redis.DialHook {
	return func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("no server")
	}
}

func (scriptedRedis) ProcessHook(redis.ProcessHook) redis.ProcessHook {
	return func(_ context.Context, cmd redis.Cmder) error {
		switch cmd.Name() {
		case "set":
			cmd.(*redis.BoolCmd).SetVal(true)
			return nil
		default:
			return errors.New("connection reset by peer")
		}
	}
}

func (scriptedRedis) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisLockerLogsFailedRelease(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	client.AddHook(scriptedRedis{})
	t.Cleanup(func() { _ = client.Close() })

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	l := NewRedisLocker(client, "test:lock", 0, logger)

	unlock, err := l.Lock(context.Background(), "PRD_1")
	require.NoError(t, err)
	unlock()

	out := buf.String()
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "lock release failed")
	assert.Contains(t, out, "test:lock:PRD_1")
	assert.Contains(t, out, "connection reset by peer")
}

func TestRedisLockerDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLocker(client, " ", 0, nil)
	assert.Equal(t, DefaultTTL, l.ttl)
	assert.Equal(t, "agripay:lock", l.prefix)
	assert.NotNil(t, l.logger)

	var cfg Config
	require.NoError(t, envconfig.Process("", &cfg))
	assert.Equal(t, DefaultTTL, cfg.TTL)
}
