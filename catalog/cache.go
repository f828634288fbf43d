package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Cached fronts a Reader with Redis. Catalog rows are immutable inputs, so
// entries only expire by TTL. Redis failures fall through to the inner reader.
type Cached struct {
	inner  Reader
	rdb    *redis.Client
	ttl    time.Duration
	logger logrus.FieldLogger
}

func NewCached(inner Reader, rdb *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *Cached {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Cached{inner: inner, rdb: rdb, ttl: ttl, logger: logger}
}

func (c *Cached) Customer(ctx context.Context, tenantID, customerID string) (Customer, error) {
	key := "catalog:" + tenantID + ":customer:" + customerID
	var out Customer
	if c.get(ctx, key, &out) {
		return out, nil
	}
	out, err := c.inner.Customer(ctx, tenantID, customerID)
	if err != nil {
		return Customer{}, err
	}
	c.set(ctx, key, out)
	return out, nil
}

func (c *Cached) Surveys(ctx context.Context, tenantID, visitType string, brandIDs []string) ([]Survey, error) {
	key := "catalog:" + tenantID + ":surveys:" + visitType + ":" + strings.Join(brandIDs, ",")
	var out []Survey
	if c.get(ctx, key, &out) {
		return out, nil
	}
	out, err := c.inner.Surveys(ctx, tenantID, visitType, brandIDs)
	if err != nil {
		return nil, err
	}
	c.set(ctx, key, out)
	return out, nil
}

func (c *Cached) Board(ctx context.Context, tenantID, boardID string) (Board, error) {
	key := "catalog:" + tenantID + ":board:" + boardID
	var out Board
	if c.get(ctx, key, &out) {
		return out, nil
	}
	out, err := c.inner.Board(ctx, tenantID, boardID)
	if err != nil {
		return Board{}, err
	}
	c.set(ctx, key, out)
	return out, nil
}

func (c *Cached) get(ctx context.Context, key string, dest any) bool {
	if c.rdb == nil {
		return false
	}
	val, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.WithError(err).WithField("key", key).Warn("catalog cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(val, dest); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("catalog cache entry corrupt")
		return false
	}
	return true
}

func (c *Cached) set(ctx context.Context, key string, obj any) {
	if c.rdb == nil {
		return
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("catalog cache write failed")
	}
}
