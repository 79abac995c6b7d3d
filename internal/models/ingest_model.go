// Package models contains the models for the CBOE snapshots collector
package models

import (
	"time"

	"gorm.io/datatypes"
)

// IngestRunsTableName is the name of the table for ingest runs
var IngestRunsTableName = "_ingest_runs"

// Ingest run statuses
const (
	IngestRunning   = "running"
	IngestCompleted = "completed"
	IngestSkipped   = "skipped"
	IngestFailed    = "failed"
)

// IngestRunModel records one collector run for auditing
type IngestRunModel struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	StartedAt         time.Time      `gorm:"index" json:"started_at"`
	FinishedAt        *time.Time     `json:"finished_at"`
	Status            string         `json:"status"`
	SourceUpdatedTime *time.Time     `gorm:"type:timestamp" json:"source_updated_time"`
	RowsFetched       int64          `json:"rows_fetched"`
	RowsUpserted      int64          `json:"rows_upserted"`
	DuplicatesRemoved int64          `json:"duplicates_removed"`
	MarketCounts      datatypes.JSON `gorm:"type:jsonb" json:"market_counts"`
	Error             *string        `json:"error"`
}

// TableName specifies the table name for the IngestRun model
func (IngestRunModel) TableName() string {
	return IngestRunsTableName
}
