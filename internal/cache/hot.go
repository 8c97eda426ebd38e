package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const hotKeyPrefix = "klinefeed:day:"

// HotTier is an optional Redis front holding encoded day files for recent
// days. It is purely an accelerator: every error or miss falls through to
// disk silently, and bytes served from it are still digest-checked by the
// store.
type HotTier struct {
	client *redis.Client
}

// NewHotTier connects a hot tier to the given Redis instance.
func NewHotTier(addr string, db int) *HotTier {
	return &HotTier{client: redis.NewClient(&redis.Options{Addr: addr, DB: db})}
}

// NewHotTierFromClient wraps an existing client, used by tests.
func NewHotTierFromClient(c *redis.Client) *HotTier {
	return &HotTier{client: c}
}

// Ping verifies connectivity, for startup checks.
func (h *HotTier) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Get returns the cached bytes for an entry id, if present.
func (h *HotTier) Get(ctx context.Context, id string) ([]byte, bool) {
	data, err := h.client.Get(ctx, hotKeyPrefix+id).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("entry", id).Msg("Hot tier read failed")
		}
		return nil, false
	}
	return data, true
}

// Put stores the encoded day file under the entry's remaining TTL.
func (h *HotTier) Put(ctx context.Context, id string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := h.client.Set(ctx, hotKeyPrefix+id, data, ttl).Err(); err != nil {
		log.Debug().Err(err).Str("entry", id).Msg("Hot tier write failed")
	}
}

// Del removes an entry, called on invalidation.
func (h *HotTier) Del(ctx context.Context, id string) {
	if err := h.client.Del(ctx, hotKeyPrefix+id).Err(); err != nil {
		log.Debug().Err(err).Str("entry", id).Msg("Hot tier delete failed")
	}
}

// Close releases the Redis connection.
func (h *HotTier) Close() error {
	return h.client.Close()
}
