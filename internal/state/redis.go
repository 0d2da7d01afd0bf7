package state

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkgate/linkgate/internal/config"
)

// Redis is the shared-cache Store backend for multi-instance
// deployments. INCR and SETNX keep the no-lost-updates contract
// across processes.
type Redis struct {
	client *redis.Client
}

func NewRedis(cfg config.StateConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{client: client}, nil
}

func (r *Redis) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *Redis) SeenOnce(ctx context.Context, key string, horizon time.Duration) (bool, error) {
	set, err := r.client.SetNX(ctx, key, 1, horizon).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
