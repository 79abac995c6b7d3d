// Package repository contains the repository layer for the CBOE snapshots collector
package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/quantbots/cboesnaps/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// snapshotKey is the composite identity of one snapshot row
type snapshotKey struct {
	Symbol          string
	CallPut         models.CallPut
	Expiration      string
	StrikePrice     float64
	LastUpdatedTime time.Time
}

// snapshotConflictColumns is the conflict target, matching the primary key order
var snapshotConflictColumns = []clause.Column{
	{Name: "symbol"},
	{Name: "call_put"},
	{Name: "expiration"},
	{Name: "strike_price"},
	{Name: "last_updated_time"},
}

// snapshotUpdateColumns are the measures refreshed when a key is republished
var snapshotUpdateColumns = []string{
	"volume", "matched", "routed",
	"bid_size", "bid_price", "ask_size", "ask_price", "last_price",
	"etl_in_dt",
}

// SnapshotRepository is the database repository for option snapshots
type SnapshotRepository struct {
	DB *gorm.DB
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{DB: db}
}

// UpsertSnapshots writes snapshots in batches, updating the measures when the
// key already exists. Returns the number of rows written.
func (r *SnapshotRepository) UpsertSnapshots(snapshots []models.OptionSnapshotModel) (int64, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}

	uniqueSnapshots := dedupeSnapshots(snapshots)

	var rowsAffected int64
	err := r.DB.Transaction(func(tx *gorm.DB) error {
		batchSize := 500
		for i := 0; i < len(uniqueSnapshots); i += batchSize {
			end := i + batchSize
			if end > len(uniqueSnapshots) {
				end = len(uniqueSnapshots)
			}

			batch := uniqueSnapshots[i:end]
			result := tx.Clauses(clause.OnConflict{
				Columns:   snapshotConflictColumns,
				DoUpdates: clause.AssignmentColumns(snapshotUpdateColumns),
			}).Create(&batch)
			if result.Error != nil {
				return fmt.Errorf("failed to upsert batch starting at index %d: %v", i, result.Error)
			}
			rowsAffected += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert snapshots: %v", err)
	}

	return rowsAffected, nil
}

// dedupeSnapshots drops earlier occurrences of a key within one batch. A key
// repeated in a single INSERT would make the ON CONFLICT clause fail.
func dedupeSnapshots(snapshots []models.OptionSnapshotModel) []models.OptionSnapshotModel {
	deduplicated := make(map[snapshotKey]models.OptionSnapshotModel, len(snapshots))
	keys := make([]snapshotKey, 0, len(snapshots))
	for _, snapshot := range snapshots {
		key := snapshotKey{
			Symbol:          snapshot.Symbol,
			CallPut:         snapshot.CallPut,
			Expiration:      snapshot.Expiration,
			StrikePrice:     snapshot.StrikePrice,
			LastUpdatedTime: snapshot.LastUpdatedTime,
		}
		if _, ok := deduplicated[key]; !ok {
			keys = append(keys, key)
		}
		deduplicated[key] = snapshot
	}

	uniqueSnapshots := make([]models.OptionSnapshotModel, 0, len(deduplicated))
	for _, key := range keys {
		uniqueSnapshots = append(uniqueSnapshots, deduplicated[key])
	}
	return uniqueSnapshots
}

// GetMaxLastUpdatedTime returns the newest source time in the table, nil when empty
func (r *SnapshotRepository) GetMaxLastUpdatedTime() (*time.Time, error) {
	var maxTime sql.NullTime
	row := r.DB.Model(&models.OptionSnapshotModel{}).Select("max(last_updated_time)").Row()
	if err := row.Scan(&maxTime); err != nil {
		return nil, fmt.Errorf("failed to get max last_updated_time: %v", err)
	}
	if !maxTime.Valid {
		return nil, nil
	}
	t := maxTime.Time
	return &t, nil
}

// CleanDuplicateSnapshots deletes redundant copies of a key, keeping the row
// with the newest etl_in_dt. Returns the number of rows removed.
func (r *SnapshotRepository) CleanDuplicateSnapshots() (int64, error) {
	stmt := fmt.Sprintf(`
		DELETE FROM %s
		WHERE ctid IN (
			SELECT ctid FROM (
				SELECT ctid, ROW_NUMBER() OVER (
					PARTITION BY symbol, expiration, call_put, strike_price, last_updated_time
					ORDER BY etl_in_dt DESC
				) AS rn
				FROM %s
			) ranked
			WHERE ranked.rn > 1
		)`, models.SnapshotsTableName, models.SnapshotsTableName)

	result := r.DB.Exec(stmt)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clean duplicate snapshots: %v", result.Error)
	}
	return result.RowsAffected, nil
}

// GetSnapshotsRecordCount returns the number of records in the snapshots table
func (r *SnapshotRepository) GetSnapshotsRecordCount() (int64, error) {
	var count int64
	err := r.DB.Table(models.SnapshotsTableName).Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to get snapshots record count: %v", err)
	}
	return count, nil
}

// GetSnapshotsBySymbol returns all snapshots for a symbol
func (r *SnapshotRepository) GetSnapshotsBySymbol(symbol string) ([]models.OptionSnapshotModel, error) {
	var snapshots []models.OptionSnapshotModel
	err := r.DB.Where("symbol = ?", symbol).Find(&snapshots).Error
	return snapshots, err
}

// GetSnapshotsByExpiration returns all snapshots for an expiration
func (r *SnapshotRepository) GetSnapshotsByExpiration(expiration string) ([]models.OptionSnapshotModel, error) {
	var snapshots []models.OptionSnapshotModel
	err := r.DB.Where("expiration = ?", expiration).Find(&snapshots).Error
	return snapshots, err
}

// GetSnapshotsUpdatedSince returns all snapshots published at or after the given time
func (r *SnapshotRepository) GetSnapshotsUpdatedSince(t time.Time) ([]models.OptionSnapshotModel, error) {
	var snapshots []models.OptionSnapshotModel
	err := r.DB.Where("last_updated_time >= ?", t).Find(&snapshots).Error
	return snapshots, err
}

// Notify sends a payload on a Postgres notification channel
func (r *SnapshotRepository) Notify(channel, payload string) error {
	if err := r.DB.Exec("SELECT pg_notify(?, ?)", channel, payload).Error; err != nil {
		return fmt.Errorf("failed to notify channel %s: %v", channel, err)
	}
	return nil
}
