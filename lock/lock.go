// Package lock serialises work on an idempotency key across API replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"salessync/apperr"
)

// Locker holds an exclusive lease on key until release is called.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// RedisLocker leases keys through redislock with a short linear retry.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
	retry  redislock.RetryStrategy
	logger logrus.FieldLogger
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    ttl,
		retry:  redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
		logger: logger,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lk, err := l.client.Obtain(ctx, "lock:"+key, l.ttl, &redislock.Options{RetryStrategy: l.retry})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("lock: %s busy: %w", key, apperr.ErrStateConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("lock: obtain %s: %w", key, err)
	}
	return func() {
		// The caller's ctx may already be cancelled; releasing must still reach redis.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lk.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.WithError(err).WithField("key", key).Warn("lock release failed")
		}
	}, nil
}

// Noop grants every lease immediately. The unique indexes remain the backstop.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

// OrderKey, EventKey and VisitKey scope idempotency locks per tenant.
func OrderKey(tenantID, idempotencyKey string) string {
	return "order:" + tenantID + ":" + idempotencyKey
}

func EventKey(tenantID, idempotencyKey string) string {
	return "commission:" + tenantID + ":" + idempotencyKey
}

func VisitKey(tenantID, idempotencyKey string) string {
	return "visit:" + tenantID + ":" + idempotencyKey
}
