package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"dealerdesk/backend/internal/domain"
)

type RedisBrokerCache struct {
	client redis.UniversalClient
}

func NewRedisBrokerCache(addr string, password string, db int) *RedisBrokerCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisBrokerCache{client: client}
}

// NewRedisBrokerCacheWithClient wraps an existing client.
func NewRedisBrokerCacheWithClient(client redis.UniversalClient) *RedisBrokerCache {
	return &RedisBrokerCache{client: client}
}

func (c *RedisBrokerCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBrokerCache) Close() error {
	return c.client.Close()
}

func (c *RedisBrokerCache) Get(ctx context.Context, id string) (*domain.Broker, bool, error) {
	val, err := c.client.Get(ctx, brokerKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var broker domain.Broker
	if err := json.Unmarshal([]byte(val), &broker); err != nil {
		return nil, false, err
	}
	return &broker, true, nil
}

func (c *RedisBrokerCache) Set(ctx context.Context, broker *domain.Broker, ttl time.Duration) error {
	if broker == nil {
		return nil
	}
	payload, err := json.Marshal(broker)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, brokerKey(broker.ID), payload, ttl).Err()
}

func (c *RedisBrokerCache) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, brokerKey(id))
	}
	return c.client.Del(ctx, keys...).Err()
}
