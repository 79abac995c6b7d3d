// Package repository contains the repository layer for the CBOE snapshots collector
package repository

import (
	"context"
	"time"

	"github.com/quantbots/cboesnaps/internal/config"
	"github.com/quantbots/cboesnaps/pkg/utils/zaplogger"
	"github.com/redis/go-redis/v9"
)

// ConnectRedis connects to Redis and returns a client
func ConnectRedis(cfg *config.Config) (*redis.Client, error) {
	zaplogger.Info(config.SingleLine)
	zaplogger.Info("Initializing Redis")

	// Setup Redis
	redisOpts, err := redis.ParseURL(cfg.RedisUrl)
	if err != nil {
		return nil, err
	}
	redisClient := redis.NewClient(redisOpts)

	// Check Redis connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = redisClient.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}

	zaplogger.Info("  * connected")

	return redisClient, nil
}
