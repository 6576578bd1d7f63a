package directions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"ecoroute/internal/model"
)

// Cache memoizes successful directions in Redis, keyed by provider and the
// exact ordered coordinates. Failures are never cached, and a Redis outage
// degrades to calling the provider directly.
type Cache struct {
	next Provider
	rdb  *redis.Client
	ttl  time.Duration
	log  logrus.FieldLogger
}

func NewCache(next Provider, rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *Cache {
	return &Cache{next: next, rdb: rdb, ttl: ttl, log: log}
}

func (c *Cache) Name() string { return c.next.Name() }

func (c *Cache) key(req Request) string {
	var b strings.Builder
	b.WriteString(c.next.Name())
	for _, p := range req.Points() {
		fmt.Fprintf(&b, "|%.6f,%.6f", p.Lat, p.Lng)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return "ecoroute:directions:" + hex.EncodeToString(sum[:16])
}

func (c *Cache) Directions(ctx context.Context, req Request) (model.Directions, error) {
	key := c.key(req)
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var d model.Directions
		if jerr := json.Unmarshal(raw, &d); jerr == nil {
			return d, nil
		}
		c.log.WithField("key", key).Warn("discarding unreadable cached directions")
	case !errors.Is(err, redis.Nil):
		c.log.WithError(err).Warn("directions cache read")
	}

	d, err := c.next.Directions(ctx, req)
	if err != nil {
		return d, err
	}
	if b, err := json.Marshal(d); err == nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			c.log.WithError(err).Warn("directions cache write")
		}
	}
	return d, nil
}
