// Package repository contains the repository layer for the CBOE snapshots collector
package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantbots/cboesnaps/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// IngestRepository is the database repository for ingest runs
type IngestRepository struct {
	DB *gorm.DB
}

// NewIngestRepository creates a new ingest repository
func NewIngestRepository(db *gorm.DB) *IngestRepository {
	return &IngestRepository{DB: db}
}

// CreateIngestRun records the start of a collector run
func (r *IngestRepository) CreateIngestRun(sourceUpdatedTime *time.Time) (*models.IngestRunModel, error) {
	run := models.IngestRunModel{
		StartedAt:         time.Now(),
		Status:            models.IngestRunning,
		SourceUpdatedTime: sourceUpdatedTime,
	}
	if err := r.DB.Create(&run).Error; err != nil {
		return nil, fmt.Errorf("failed to create ingest run: %v", err)
	}
	return &run, nil
}

// FinishIngestRun closes a run with its final status and totals
func (r *IngestRepository) FinishIngestRun(run *models.IngestRunModel, status string, rowsFetched, rowsUpserted, duplicatesRemoved int64, marketCounts map[string]int, runErr error) error {
	now := time.Now()
	run.FinishedAt = &now
	run.Status = status
	run.RowsFetched = rowsFetched
	run.RowsUpserted = rowsUpserted
	run.DuplicatesRemoved = duplicatesRemoved

	if len(marketCounts) > 0 {
		countsJSON, err := json.Marshal(marketCounts)
		if err != nil {
			return fmt.Errorf("failed to marshal market counts: %v", err)
		}
		run.MarketCounts = datatypes.JSON(countsJSON)
	}

	if runErr != nil {
		message := runErr.Error()
		run.Error = &message
	}

	if err := r.DB.Save(run).Error; err != nil {
		return fmt.Errorf("failed to finish ingest run: %v", err)
	}
	return nil
}

// GetRecentIngestRuns returns the most recent runs, newest first
func (r *IngestRepository) GetRecentIngestRuns(limit int) ([]models.IngestRunModel, error) {
	var runs []models.IngestRunModel
	err := r.DB.Order("started_at desc").Limit(limit).Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get recent ingest runs: %v", err)
	}
	return runs, nil
}
