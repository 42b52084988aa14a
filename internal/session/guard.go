package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// Guard extends duplicate suppression beyond one process.
type Guard interface {
	Acquire(ctx context.Context, fingerprint string, ttl time.Duration) (Lease, bool, error)
}

// Lease is a held Guard admission.
type Lease interface {
	Release(ctx context.Context) error
}

const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// RedisGuard admits a fingerprint with SET NX PX so only one replica runs a
// given request. Keys expire after the stale window whether or not the holder
// is still running.
type RedisGuard struct {
	client *backend.Client
	prefix string
}

func NewRedisGuard(client *backend.Client, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = "research:"
	}
	return &RedisGuard{client: client, prefix: prefix}
}

func (g *RedisGuard) Acquire(ctx context.Context, fingerprint string, ttl time.Duration) (Lease, bool, error) {
	key := g.prefix + "active:" + fingerprint
	token := uuid.New().String()
	ok, err := g.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis admission: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: g.client, key: key, token: token}, true, nil
}

type redisLease struct {
	client *backend.Client
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	return l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
}
