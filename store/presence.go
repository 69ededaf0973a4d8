package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"studybuddy/store/redisdb"
)

// presence key: im:presence:<user>
// Value: the set of gateway ids currently holding a live session for the user.
// TTL bounds staleness; heartbeats renew it.
func presenceKey(user string) string { return "im:presence:" + user }

// PresenceOnline records the user as online on the given gateway and renews
// the TTL.
func PresenceOnline(ctx context.Context, user, gatewayID string, ttl time.Duration) error {
	rdb := redisdb.GetClient()
	if rdb == nil {
		return fmt.Errorf("redis not initialized")
	}
	pipe := rdb.TxPipeline()
	pipe.SAdd(ctx, presenceKey(user), gatewayID)
	pipe.Expire(ctx, presenceKey(user), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// PresenceOffline removes one gateway from the user's presence set. The key
// disappears with the last gateway.
func PresenceOffline(ctx context.Context, user, gatewayID string) error {
	rdb := redisdb.GetClient()
	if rdb == nil {
		return fmt.Errorf("redis not initialized")
	}
	return rdb.SRem(ctx, presenceKey(user), gatewayID).Err()
}

// PresenceLookup returns the gateways the user is connected to, if any.
func PresenceLookup(ctx context.Context, user string) (gateways []string, online bool, err error) {
	rdb := redisdb.GetClient()
	if rdb == nil {
		return nil, false, fmt.Errorf("redis not initialized")
	}
	vals, err := rdb.SMembers(ctx, presenceKey(user)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return vals, len(vals) > 0, nil
}
