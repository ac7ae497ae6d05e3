package billing

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// StatusCache keeps the last live provider snapshot per account in Redis
// with a short TTL. It bounds provider API calls on hot status reads and is
// strictly best-effort: every failure degrades to a miss, never to an error,
// since the caller always has the persisted record as fallback.
type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

// NewStatusCache creates a snapshot cache. TTL values at or below zero
// default to 30 seconds.
func NewStatusCache(client *redis.Client, ttl time.Duration, log *slog.Logger) *StatusCache {
	if client == nil {
		panic("billing: redis client is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &StatusCache{client: client, ttl: ttl, log: log}
}

func statusCacheKey(accountID uuid.UUID) string {
	return "billing:status:" + accountID.String()
}

// Get returns the cached snapshot for an account, if present and fresh.
func (c *StatusCache) Get(ctx context.Context, accountID uuid.UUID) (billing.Snapshot, bool) {
	raw, err := c.client.Get(ctx, statusCacheKey(accountID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.DebugContext(ctx, "status cache read failed", logger.Error(err))
		}
		return billing.Snapshot{}, false
	}

	var snap billing.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// Stale encoding from an older build; treat as a miss.
		return billing.Snapshot{}, false
	}
	return snap, true
}

// Set stores a snapshot. Failures are logged and swallowed.
func (c *StatusCache) Set(ctx context.Context, accountID uuid.UUID, snap billing.Snapshot) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, statusCacheKey(accountID), raw, c.ttl).Err(); err != nil {
		c.log.DebugContext(ctx, "status cache write failed", logger.Error(err))
	}
}

// Invalidate drops the cached snapshot, used after command mutations so the
// next status read reflects the change immediately.
func (c *StatusCache) Invalidate(ctx context.Context, accountID uuid.UUID) {
	if err := c.client.Del(ctx, statusCacheKey(accountID)).Err(); err != nil {
		c.log.DebugContext(ctx, "status cache invalidation failed", logger.Error(err))
	}
}
