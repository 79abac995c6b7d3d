// Package repository contains the repository layer for the CBOE snapshots collector
package repository

import (
	"fmt"

	"github.com/quantbots/cboesnaps/internal/config"
	"github.com/quantbots/cboesnaps/internal/models"
	"github.com/quantbots/cboesnaps/pkg/utils/zaplogger"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SchemaName is the Postgres schema holding the collector tables
var SchemaName = "cboe"

// ConnectPostgres connects to a Postgres database and returns a GORM database object
func ConnectPostgres(cfg *config.Config) (*gorm.DB, error) {
	zaplogger.Info(config.SingleLine)
	zaplogger.Info("Initializing Postgres")
	zaplogger.Info(config.SingleLine)

	// Set up GORM logger
	var logLevel logger.LogLevel
	switch cfg.PostgresLogLevel {
	case "silent":
		logLevel = logger.Silent
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	default:
		logLevel = logger.Info // Default to Info level
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	}

	if cfg.PostgresSchema != "" {
		SchemaName = cfg.PostgresSchema
	}

	// Open database connection
	postgresDSN := cfg.PostgresDsn + " search_path=" + SchemaName + ",public"
	db, err := gorm.Open(postgres.Open(postgresDSN), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %v", err)
	}

	zaplogger.Info("  * connected")

	// Create the schema if it doesn't exist
	createSchemaSql := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", SchemaName)
	if err := db.Exec(createSchemaSql).Error; err != nil {
		return nil, fmt.Errorf("failed to create schema: %v", err)
	}
	zaplogger.Info("  * migrating schema: \"" + SchemaName + "\"")

	// AutoMigrate will create tables and add/modify columns
	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %v", err)
	}

	// Report the snapshot table and index status
	status := GetSchemaStatus(db)
	zaplogger.Info("  * schema status")
	zaplogger.Info(fmt.Sprintf("    - table %q: %v", models.SnapshotsTableName, status.SnapshotsTable))
	zaplogger.Info(fmt.Sprintf("    - index %q: %v", "idx_options_symbol", status.SymbolIndex))
	zaplogger.Info(fmt.Sprintf("    - index %q: %v", "idx_options_expiration", status.ExpirationIndex))
	zaplogger.Info(fmt.Sprintf("    - index %q: %v", "idx_options_last_updated", status.LastUpdatedIndex))

	return db, nil
}

func autoMigrate(db *gorm.DB) error {
	tables := []struct {
		name  string
		model interface{}
	}{
		{models.SnapshotsTableName, &models.OptionSnapshotModel{}},
		{models.IngestRunsTableName, &models.IngestRunModel{}},
	}

	zaplogger.Info("  * migrating tables")
	for _, table := range tables {
		err := db.Table(SchemaName + "." + table.name).AutoMigrate(&table.model)
		if err != nil {
			return fmt.Errorf("failed to auto migrate table: %s, err:%v", table.name, err)
		}
		zaplogger.Info("    - \"" + SchemaName + "." + table.name + "\"")
	}

	return nil
}

// SchemaStatus reports whether the snapshot table and its indexes exist
type SchemaStatus struct {
	SnapshotsTable   bool
	SymbolIndex      bool
	ExpirationIndex  bool
	LastUpdatedIndex bool
}

// Ok reports whether every relation the collector writes to is present
func (s SchemaStatus) Ok() bool {
	return s.SnapshotsTable && s.SymbolIndex && s.ExpirationIndex && s.LastUpdatedIndex
}

// GetSchemaStatus checks the snapshot table and its indexes using the migrator
func GetSchemaStatus(db *gorm.DB) SchemaStatus {
	m := db.Migrator()
	return SchemaStatus{
		SnapshotsTable:   m.HasTable(&models.OptionSnapshotModel{}),
		SymbolIndex:      m.HasIndex(&models.OptionSnapshotModel{}, "idx_options_symbol"),
		ExpirationIndex:  m.HasIndex(&models.OptionSnapshotModel{}, "idx_options_expiration"),
		LastUpdatedIndex: m.HasIndex(&models.OptionSnapshotModel{}, "idx_options_last_updated"),
	}
}
