package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// RedisLocker is a Locker backed by Redis SET NX PX. Acquisition polls until
// the key is free or the context ends.
type RedisLocker struct {
	client    redis.Cmdable
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithPrefix sets the key prefix. Defaults to "statesaga:lock".
func WithPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		l.prefix = prefix
	}
}

// WithTTL sets the lease expiry. A lease outliving its TTL is lost.
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) {
		l.ttl = ttl
	}
}

// WithRetryWait sets the polling interval while a key is held elsewhere.
func WithRetryWait(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		l.retryWait = d
	}
}

// NewRedisLocker creates a RedisLocker on client.
func NewRedisLocker(client redis.Cmdable, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client:    client,
		prefix:    "statesaga:lock",
		ttl:       30 * time.Second,
		retryWait: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewRedisLockerFromURL parses a redis:// URL and creates a RedisLocker.
func NewRedisLockerFromURL(url string, opts ...RedisOption) (*RedisLocker, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisLocker(redis.NewClient(options), opts...), nil
}

func (l *RedisLocker) key(key string) string {
	return l.prefix + ":" + key
}

// Lock acquires key, polling every retry interval until ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (Lease, error) {
	full := l.key(key)
	token := newToken()
	for {
		ok, err := l.client.SetNX(ctx, full, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, fmt.Errorf("acquire %s: %w", full, err)
		}
		if ok {
			return &redisLease{client: l.client, key: full, token: token}, nil
		}
		timer := time.NewTimer(l.retryWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, context.Cause(ctx)
		case <-timer.C:
		}
	}
}

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string
}

func (l *redisLease) Unlock(ctx context.Context) error {
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
