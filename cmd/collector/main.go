// Package main is the entry point for the CBOE snapshots collector
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/quantbots/cboesnaps/internal/config"
	"github.com/quantbots/cboesnaps/internal/repository"
	"github.com/quantbots/cboesnaps/internal/service"
	"github.com/quantbots/cboesnaps/pkg/utils/zaplogger"
)

func main() {
	// Load configuration
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Print the configuration
	fmt.Println(cfg.String())

	// Connect to Postgres
	db, err := repository.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}

	// Connect Redis
	redisClient, err := repository.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Init logger
	err = zaplogger.InitLogger(db)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Setup logger
	defer zaplogger.Sync()
	zaplogger.SetLogLevel(cfg.AppLogLevel)

	// startUpMessage
	zaplogger.Info(cfg.AppName + " - " + cfg.AppVersion + " initialized")
	zaplogger.Info("Postgres initialized")
	zaplogger.Info("Redis initialized")

	// Setup and start cron jobs
	cronService := service.NewCronService(cfg, db)
	cronService.Start()

	// Setup and start the ingest relay
	publishService := service.NewPublishService(db, redisClient, cfg.PostgresDsn)
	go publishService.PublishIngestsToRedisChannel()

	// Block until asked to stop
	waitForShutdown(cronService)
}

// waitForShutdown blocks until SIGINT or SIGTERM, then stops the cron jobs
func waitForShutdown(cronService *service.CronService) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit

	cronService.Stop()
	zaplogger.Info("COLLECTOR STOPPED", zaplogger.Fields{"signal": sig.String()})
}
