package diagnostic

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const latestReportKey = "diagnostic:latest_report"

// Cache keeps the latest diagnostic report in Redis so the API can
// serve it without re-running the sweep.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a Cache. A zero ttl keeps reports until replaced.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// StoreLatest replaces the cached report.
func (c *Cache) StoreLatest(ctx context.Context, report Report) error {
	if c == nil || c.client == nil {
		return nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, latestReportKey, payload, c.ttl).Err()
}

// Latest returns the cached report, or ErrNoReport when absent.
func (c *Cache) Latest(ctx context.Context) (Report, error) {
	if c == nil || c.client == nil {
		return Report{}, ErrNoReport
	}
	payload, err := c.client.Get(ctx, latestReportKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Report{}, ErrNoReport
	}
	if err != nil {
		return Report{}, err
	}
	var report Report
	if err := json.Unmarshal(payload, &report); err != nil {
		return Report{}, err
	}
	return report, nil
}
