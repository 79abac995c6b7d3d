// Package service contains the service layer for the CBOE snapshots collector
package service

import (
	"strconv"
	"time"

	"github.com/quantbots/cboesnaps/internal/config"
	"github.com/quantbots/cboesnaps/pkg/utils/zaplogger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// CronService is the service for the cron jobs
type CronService struct {
	cfg             *config.Config
	db              *gorm.DB
	c               *cron.Cron
	snapshotService *SnapshotService
}

// NewCronService creates a new CronService
func NewCronService(cfg *config.Config, db *gorm.DB) *CronService {
	// Initialize services
	snapshotService := NewSnapshotService(db, cfg.CboeBaseUrl)

	return &CronService{
		cfg:             cfg,
		db:              db,
		c:               cron.New(),
		snapshotService: snapshotService,
	}
}

// Start starts the cron service
func (cs *CronService) Start() {
	// Log the initialization to logger
	zaplogger.Info("Initializing CronService")

	// ------------------------------------------------------------
	// Add your SCHEDULED jobs here
	// ------------------------------------------------------------
	cs.addScheduledJob("CBOE Snapshots UPDATE Job", cs.snapshotsUpdateJob, "*/30 9-16 * * 1-5") // Every 30 mins, 09:00-16:30, Mon-Fri

	// ------------------------------------------------------------
	// Add your STARTUP jobs here
	// ------------------------------------------------------------
	cs.addStartupJob("CBOE Snapshots UPDATE Job", cs.snapshotsUpdateJob, 2*time.Second)
	// ------------------------------------------------------------

	cs.c.Start()
}

// Stop stops the cron service
func (cs *CronService) Stop() {
	cs.c.Stop()
}

// addStartupJob adds a startup job to the cron service
func (cs *CronService) addStartupJob(name string, job func(), delay time.Duration) {
	go func() {
		time.Sleep(delay)
		zaplogger.Info("STARTED STARTUP job", zaplogger.Fields{
			"job": name,
		})
		job()
		zaplogger.Info("COMPLETED STARTUP job", zaplogger.Fields{
			"job": name,
		})
	}()
	zaplogger.Info("QUEUED STARTUP job", zaplogger.Fields{
		"job": name,
	})
}

func (cs *CronService) addScheduledJob(name string, job func(), schedule string) {
	_, err := cs.c.AddFunc(schedule, func() {
		zaplogger.Info("STARTED SCHEDULED JOB", zaplogger.Fields{
			"job": name,
		})
		job()
		zaplogger.Info("COMPLETED SCHEDULED JOB", zaplogger.Fields{
			"job": name,
		})
	})
	if err != nil {
		zaplogger.Error("FAILED TO QUEUE SCHEDULED JOB", zaplogger.Fields{
			"job":   name,
			"error": err.Error(),
		})
		return
	}
	zaplogger.Info("QUEUED SCHEDULED job", zaplogger.Fields{
		"job": name,
	})
}

// snapshotsUpdateJob updates the option snapshots from the source
func (cs *CronService) snapshotsUpdateJob() {
	jobName := "CBOE Snapshots UPDATE Job "

	summary, err := cs.snapshotService.UpdateSnapshots()
	if err != nil {
		zaplogger.Error(jobName, zaplogger.Fields{
			"error": err.Error(),
		})
		return
	}

	if summary.Skipped {
		zaplogger.Info(jobName, zaplogger.Fields{
			"skipped":             true,
			"source_updated_time": summary.SourceUpdatedTime,
		})
		return
	}

	zaplogger.Info(jobName, zaplogger.Fields{
		"rows_fetched":       strconv.FormatInt(summary.RowsFetched, 10),
		"rows_upserted":      strconv.FormatInt(summary.RowsUpserted, 10),
		"duplicates_removed": strconv.FormatInt(summary.DuplicatesRemoved, 10),
	})
}
