// README: Redis cache for dispatch dedupe and live offer lookups.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Kuany4953/wasil-sub001/internal/domain"
	"github.com/Kuany4953/wasil-sub001/internal/types"
)

const (
	dispatchKeyPrefix = "dispatch:ride:%s:dispatched_at"
	offerKeyPrefix    = "dispatch:offer:%s:%s"
	// offerKeySlack keeps offer keys alive slightly past the request TTL so
	// a late accept still sees why it lost.
	offerKeySlack = 5 * time.Second
)

// Cache mirrors the authoritative ride_requests rows into Redis. Every key
// expires on its own; the database never depends on this state.
type Cache struct {
	redis *redis.Client
}

func NewCache(rdb *redis.Client) *Cache {
	return &Cache{redis: rdb}
}

// TryBeginDispatch claims the single in-flight dispatch slot for a ride.
// It returns false when another wave was dispatched within the TTL.
func (c *Cache) TryBeginDispatch(ctx context.Context, rideID types.ID, ttl time.Duration) (bool, error) {
	ok, err := c.redis.SetNX(ctx, dispatchedAtKey(rideID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, domain.Unavailable("redis", err)
	}
	return ok, nil
}

// EndDispatch releases the in-flight slot early, used when a wave settles
// or produces no offers.
func (c *Cache) EndDispatch(ctx context.Context, rideID types.ID) error {
	if err := c.redis.Del(ctx, dispatchedAtKey(rideID)).Err(); err != nil {
		return domain.Unavailable("redis", err)
	}
	return nil
}

// MirrorOffers writes one lookup key per offered driver.
func (c *Cache) MirrorOffers(ctx context.Context, rideID types.ID, driverIDs []types.ID, ttl time.Duration) error {
	if len(driverIDs) == 0 {
		return nil
	}
	_, err := c.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, d := range driverIDs {
			pipe.Set(ctx, offerKey(rideID, d), "1", ttl+offerKeySlack)
		}
		return nil
	})
	if err != nil {
		return domain.Unavailable("redis", err)
	}
	return nil
}

// HasOffer reports whether a live offer key exists for the driver.
func (c *Cache) HasOffer(ctx context.Context, rideID, driverID types.ID) (bool, error) {
	err := c.redis.Get(ctx, offerKey(rideID, driverID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, domain.Unavailable("redis", err)
	}
	return true, nil
}

// DropOffer removes a single driver's offer key, leaving the dispatch slot
// and sibling offers alone.
func (c *Cache) DropOffer(ctx context.Context, rideID, driverID types.ID) error {
	if err := c.redis.Del(ctx, offerKey(rideID, driverID)).Err(); err != nil {
		return domain.Unavailable("redis", err)
	}
	return nil
}

// PurgeRide drops the dispatch slot and the given drivers' offer keys.
func (c *Cache) PurgeRide(ctx context.Context, rideID types.ID, driverIDs []types.ID) error {
	keys := make([]string, 0, len(driverIDs)+1)
	keys = append(keys, dispatchedAtKey(rideID))
	for _, d := range driverIDs {
		keys = append(keys, offerKey(rideID, d))
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return domain.Unavailable("redis", err)
	}
	return nil
}

func dispatchedAtKey(rideID types.ID) string {
	return fmt.Sprintf(dispatchKeyPrefix, string(rideID))
}

func offerKey(rideID, driverID types.ID) string {
	return fmt.Sprintf(offerKeyPrefix, string(rideID), string(driverID))
}
