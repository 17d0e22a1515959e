package ephemeralkv

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	freeSetKey     = "pool.free"
	busyKeyPrefix  = "busy:"
	runningSetKey  = "running_evaluations"
)

// acquireLeaseScript atomically pops an arbitrary member from pool.free
// and sets busy:{id} = evalID with a TTL, so no caller can observe an id
// missing from both sets.
var acquireLeaseScript = redis.NewScript(`
local id = redis.call("SPOP", KEYS[1])
if not id then
  return false
end
redis.call("SET", KEYS[2] .. id, ARGV[1], "EX", ARGV[2])
return id
`)

// releaseLeaseScript implements the idempotent release from spec 4.5:
// delete busy:{id} only if it still holds evalID, then add id back to
// pool.free (SADD is itself idempotent, so "iff not already present" is
// automatic).
var releaseLeaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[2])
if current == false or current ~= ARGV[2] then
  return 0
end
redis.call("DEL", KEYS[2])
redis.call("SADD", KEYS[1], ARGV[1])
return 1
`)

// RedisEngine is the production Engine, backed by a single Redis instance
// (or cluster-compatible client). Lease handoffs run as Lua scripts so the
// pop-and-set / check-and-delete-and-add sequences are atomic from every
// other client's perspective.
type RedisEngine struct {
	client *redis.Client
}

// NewRedisEngine wraps an existing *redis.Client. The caller owns the
// client's lifecycle beyond Start/Stop, which only verify connectivity.
func NewRedisEngine(client *redis.Client) *RedisEngine {
	return &RedisEngine{client: client}
}

func (e *RedisEngine) Start(ctx context.Context) error {
	if err := e.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ephemeralkv: connecting to redis: %w", err)
	}
	return nil
}

func (e *RedisEngine) Stop(ctx context.Context) error {
	return e.client.Close()
}

func (e *RedisEngine) AcquireLease(ctx context.Context, evalID string, ttl time.Duration) (string, bool, error) {
	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	res, err := acquireLeaseScript.Run(ctx, e.client, []string{freeSetKey, busyKeyPrefix}, evalID, ttlSeconds).Result()
	if err != nil {
		if err == redis.Nil {
			return "", false, nil
		}
		return "", false, fmt.Errorf("ephemeralkv: acquire lease: %w", err)
	}
	id, ok := res.(string)
	if !ok || id == "" {
		return "", false, nil
	}
	return id, true, nil
}

func (e *RedisEngine) ReleaseLease(ctx context.Context, executorID, evalID string) (bool, error) {
	res, err := releaseLeaseScript.Run(ctx, e.client, []string{freeSetKey, busyKeyPrefix + executorID}, executorID, evalID).Result()
	if err != nil {
		return false, fmt.Errorf("ephemeralkv: release lease: %w", err)
	}
	matched, _ := res.(int64)
	return matched == 1, nil
}

func (e *RedisEngine) SeedPool(ctx context.Context, ids []string) error {
	for _, id := range ids {
		exists, err := e.client.Exists(ctx, busyKeyPrefix+id).Result()
		if err != nil {
			return fmt.Errorf("ephemeralkv: seeding pool, checking %s: %w", id, err)
		}
		if exists > 0 {
			continue
		}
		if err := e.client.SAdd(ctx, freeSetKey, id).Err(); err != nil {
			return fmt.Errorf("ephemeralkv: seeding pool, adding %s: %w", id, err)
		}
	}
	return nil
}

func (e *RedisEngine) PoolFree(ctx context.Context) ([]string, error) {
	ids, err := e.client.SMembers(ctx, freeSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("ephemeralkv: pool free: %w", err)
	}
	return ids, nil
}

func (e *RedisEngine) PoolBusy(ctx context.Context) (map[string]string, error) {
	var cursor uint64
	out := make(map[string]string)
	for {
		keys, next, err := e.client.Scan(ctx, cursor, busyKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("ephemeralkv: pool busy scan: %w", err)
		}
		for _, key := range keys {
			evalID, err := e.client.Get(ctx, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue // lapsed between SCAN and GET
				}
				return nil, fmt.Errorf("ephemeralkv: pool busy get %s: %w", key, err)
			}
			out[key[len(busyKeyPrefix):]] = evalID
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (e *RedisEngine) RunningSetAdd(ctx context.Context, evalID string) error {
	return e.client.SAdd(ctx, runningSetKey, evalID).Err()
}

func (e *RedisEngine) RunningSetRemove(ctx context.Context, evalID string) error {
	return e.client.SRem(ctx, runningSetKey, evalID).Err()
}

func (e *RedisEngine) RunningSetMembers(ctx context.Context) ([]string, error) {
	members, err := e.client.SMembers(ctx, runningSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("ephemeralkv: running set members: %w", err)
	}
	return members, nil
}
