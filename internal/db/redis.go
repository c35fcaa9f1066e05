package db

import (
	"context"
	"log"
	"time"

	"fleet-triptracker/internal/config"

	"github.com/redis/go-redis/v9"
)

var pingRedisFn = func(ctx context.Context, client *redis.Client) error { return client.Ping(ctx).Err() }

// ConnectRedis returns nil when no address is configured or the server does
// not answer a ping; callers then keep the last fix and the offline queue in
// memory.
func ConnectRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := pingRedisFn(ctx, client); err != nil {
		log.Printf("db: redis %s unreachable, using memory stores: %v", cfg.RedisAddr, err)
		_ = client.Close()
		return nil
	}
	return client
}
