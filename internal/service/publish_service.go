// Package service contains the service layer for the CBOE snapshots collector
package service

import (
	"context"
	"time"

	"github.com/lib/pq"
	"github.com/quantbots/cboesnaps/pkg/utils/zaplogger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// PostgresChannel carries ingest summaries inside Postgres
var PostgresChannel = "cboe_snapshot_ingest"

// RedisChannel is the channel downstream consumers subscribe to
var RedisChannel = "CH:CBOE:SNAPSHOTS:INGEST"

// PublishService relays ingest notifications from Postgres to Redis
type PublishService struct {
	db          *gorm.DB
	redisClient *redis.Client
	pgConnStr   string
}

// NewPublishService creates a new PublishService
func NewPublishService(db *gorm.DB, redisClient *redis.Client, pgConnStr string) *PublishService {

	return &PublishService{
		db:          db,
		redisClient: redisClient,
		pgConnStr:   pgConnStr,
	}
}

// PublishIngestsToRedisChannel forwards every ingest notification to Redis
func (s *PublishService) PublishIngestsToRedisChannel() {

	// Create a PostgreSQL listener
	listener := pq.NewListener(s.pgConnStr, 10*time.Second, time.Minute, nil)
	err := listener.Listen(PostgresChannel)
	if err != nil {
		zaplogger.Error("Failed to listen on Postgres channel", zaplogger.Fields{
			"channel": PostgresChannel,
			"error":   err.Error(),
		})
		return
	}

	ctx := context.Background()

	for {
		select {
		case n := <-listener.Notify:
			// A nil notification signals a re-established connection
			if n == nil {
				continue
			}
			// Publish the notification to Redis
			err := s.redisClient.Publish(ctx, RedisChannel, n.Extra).Err()
			if err != nil {
				zaplogger.Error("Failed to publish to Redis", zaplogger.Fields{"error": err})
			}
		case <-time.After(90 * time.Second):
			go func() {
				err := listener.Ping()
				if err != nil {
					zaplogger.Error("Error pinging PostgreSQL", zaplogger.Fields{"error": err})
				}
			}()
		}
	}
}
