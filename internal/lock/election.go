// Package lock provides a Redis-backed election lock so only one
// Guardian instance runs the tick scheduler's fan-out at a time when
// multiple replicas share a deployment.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ElectionLock is a single SETNX-based lock, held by at most one
// Guardian instance at a time. The holder's identity is a random
// value so Release/Extend never affect a lock some other instance
// has since acquired.
type ElectionLock struct {
	redis    *redis.Client
	key      string
	value    string
	ttl      time.Duration
	logger   *slog.Logger
	acquired bool
}

// Config configures the election lock.
type Config struct {
	TTL            time.Duration
	AcquireTimeout time.Duration
	ReleaseTimeout time.Duration
}

func (c *Config) withDefaults() *Config {
	cfg := Config{TTL: 30 * time.Second, AcquireTimeout: 5 * time.Second, ReleaseTimeout: 2 * time.Second}
	if c != nil {
		if c.TTL > 0 {
			cfg.TTL = c.TTL
		}
		if c.AcquireTimeout > 0 {
			cfg.AcquireTimeout = c.AcquireTimeout
		}
		if c.ReleaseTimeout > 0 {
			cfg.ReleaseTimeout = c.ReleaseTimeout
		}
	}
	return &cfg
}

// New creates an election lock bound to key. The lock is not acquired
// until Acquire is called.
func New(redisClient *redis.Client, key string, cfg *Config, logger *slog.Logger) *ElectionLock {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &ElectionLock{
		redis:  redisClient,
		key:    key,
		value:  generateHolderID(),
		ttl:    cfg.TTL,
		logger: logger,
	}
}

func generateHolderID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("holder_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Acquire attempts a single non-blocking SETNX. It returns false, not
// an error, when another instance already holds the lock - that is
// the expected steady state in a multi-replica deployment.
func (l *ElectionLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("election lock acquire %s: %w", l.key, err)
	}
	if ok {
		l.acquired = true
		l.logger.Debug("election lock acquired", "key", l.key, "ttl", l.ttl)
	}
	return ok, nil
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// Release drops the lock, but only if this holder still owns it -
// guards against releasing a lock a different instance has since
// acquired after this one's TTL expired.
func (l *ElectionLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	res, err := l.redis.Eval(ctx, releaseScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("election lock release %s: %w", l.key, err)
	}
	l.acquired = false
	if n, _ := res.(int64); n != 1 {
		l.logger.Warn("election lock was not held at release time", "key", l.key)
	}
	return nil
}

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end`

// Extend pushes the lock's TTL out, renewing the hold for a scheduler
// tick that ran longer than the original TTL.
func (l *ElectionLock) Extend(ctx context.Context, ttl time.Duration) error {
	if !l.acquired {
		return fmt.Errorf("election lock %s: extend called without holding it", l.key)
	}
	res, err := l.redis.Eval(ctx, extendScript, []string{l.key}, l.value, int(ttl.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("election lock extend %s: %w", l.key, err)
	}
	if n, _ := res.(int64); n != 1 {
		l.acquired = false
		return fmt.Errorf("election lock %s: no longer held", l.key)
	}
	l.ttl = ttl
	return nil
}

// IsAcquired reports whether this holder currently believes it owns
// the lock. It is not re-checked against Redis; Extend or a failed
// Release call is what discovers a lost lock.
func (l *ElectionLock) IsAcquired() bool {
	return l.acquired
}
