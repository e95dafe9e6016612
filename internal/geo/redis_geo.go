package geo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// DriverLoader hydrates driver documents from the authoritative store.
type DriverLoader interface {
	GetDrivers(ctx context.Context, ids []string) ([]models.Driver, error)
}

// LexClient is the subset of redis operations the lexicographic index needs.
type LexClient interface {
	RangeByLex(ctx context.Context, key, min, max string) ([]string, error)
	Get(ctx context.Context, key string) (string, error)
	Swap(ctx context.Context, setKey, metaKey, oldMember, newMember string) error
	Remove(ctx context.Context, setKey, metaKey, member string) error
}

// RedisSource keeps a sorted set of "geohash:driverID" members with score 0,
// so a proximity-key range is a single ZRANGEBYLEX. Eligibility is taken
// from the store, not from redis.
type RedisSource struct {
	client  LexClient
	key     string
	drivers DriverLoader
}

func NewRedisSource(client LexClient, key string, drivers DriverLoader) *RedisSource {
	return &RedisSource{client: client, key: key, drivers: drivers}
}

// NewRedisClient dials redis and wraps it as a LexClient.
func NewRedisClient(addr, password string) (*redis.Client, LexClient) {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return c, &redisAdapter{c: c}
}

func (r *RedisSource) DriversInRange(ctx context.Context, rg Range) ([]models.Driver, error) {
	members, err := r.client.RangeByLex(ctx, r.key, "["+rg.Start, "["+rg.End)
	if err != nil {
		return nil, fmt.Errorf("zrangebylex: %w", err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		hash, id, ok := strings.Cut(m, ":")
		if !ok || id == "" || !rg.Contains(hash) {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return r.drivers.GetDrivers(ctx, ids)
}

// Upsert moves the driver's member to its new proximity key.
func (r *RedisSource) Upsert(ctx context.Context, driverID, geohash string) error {
	old, err := r.client.Get(ctx, metaKey(driverID))
	if err != nil {
		return fmt.Errorf("read member: %w", err)
	}
	member := geohash + ":" + driverID
	if old == member {
		return nil
	}
	return r.client.Swap(ctx, r.key, metaKey(driverID), old, member)
}

// Forget drops the driver from the index.
func (r *RedisSource) Forget(ctx context.Context, driverID string) error {
	old, err := r.client.Get(ctx, metaKey(driverID))
	if err != nil {
		return fmt.Errorf("read member: %w", err)
	}
	if old == "" {
		return nil
	}
	return r.client.Remove(ctx, r.key, metaKey(driverID), old)
}

func metaKey(id string) string { return "driver:geo:" + id }

type redisAdapter struct{ c *redis.Client }

func (a *redisAdapter) RangeByLex(ctx context.Context, key, min, max string) ([]string, error) {
	return a.c.ZRangeByLex(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

func (a *redisAdapter) Get(ctx context.Context, key string) (string, error) {
	v, err := a.c.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return v, err
}

func (a *redisAdapter) Swap(ctx context.Context, setKey, metaKey, oldMember, newMember string) error {
	_, err := a.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if oldMember != "" {
			p.ZRem(ctx, setKey, oldMember)
		}
		p.ZAdd(ctx, setKey, redis.Z{Score: 0, Member: newMember})
		p.Set(ctx, metaKey, newMember, 0)
		return nil
	})
	return err
}

func (a *redisAdapter) Remove(ctx context.Context, setKey, metaKey, member string) error {
	_, err := a.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, setKey, member)
		p.Del(ctx, metaKey)
		return nil
	})
	return err
}
