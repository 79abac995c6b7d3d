// Package service contains the service layer for the CBOE snapshots collector
package service

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/quantbots/cboesnaps/internal/models"
	"github.com/quantbots/cboesnaps/internal/repository"
	"github.com/quantbots/cboesnaps/pkg/utils/state"
	"github.com/quantbots/cboesnaps/pkg/utils/zaplogger"
	"gorm.io/gorm"
)

var snapshotsUpdatedAtKey = "CBOE_SNAPSHOTS_UPDATED_AT"

// cboeMarkets are the exchange codes published on the symbol data page
var cboeMarkets = []string{"cone", "opt", "ctwo", "exo"}

var symbolDataPagePath = "/us/options/market_statistics/symbol_data/?mkt=cone"
var symbolDataCsvPath = "/us/options/market_statistics/symbol_data/csv/?mkt=%s"

// lastUpdatedRegex extracts the publication time from the symbol data page
var lastUpdatedRegex = regexp.MustCompile(`last updated (\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})`)

const lastUpdatedTimeLayout = "2006-01-02 15:04:05"

// SnapshotService downloads the CBOE symbol data and persists option snapshots
type SnapshotService struct {
	client     *http.Client
	baseURL    string
	repo       *repository.SnapshotRepository
	ingestRepo *repository.IngestRepository
	state      *state.State
	nyLocation *time.Location
}

// NewSnapshotService creates a new snapshot service
func NewSnapshotService(db *gorm.DB, baseURL string) *SnapshotService {
	stateManager, err := state.NewState(db)
	if err != nil {
		zaplogger.Fatal("failed to create state manager", zaplogger.Fields{"error": err})
	}

	nyLocation, err := time.LoadLocation("America/New_York")
	if err != nil {
		zaplogger.Fatal("failed to load America/New_York location", zaplogger.Fields{"error": err})
	}

	return &SnapshotService{
		client:     &http.Client{},
		baseURL:    baseURL,
		repo:       repository.NewSnapshotRepository(db),
		ingestRepo: repository.NewIngestRepository(db),
		state:      stateManager,
		nyLocation: nyLocation,
	}
}

// IngestSummary reports the outcome of one snapshots update run
type IngestSummary struct {
	Skipped           bool           `json:"skipped"`
	SourceUpdatedTime string         `json:"source_updated_time"`
	RowsFetched       int64          `json:"rows_fetched"`
	RowsUpserted      int64          `json:"rows_upserted"`
	DuplicatesRemoved int64          `json:"duplicates_removed"`
	MarketCounts      map[string]int `json:"market_counts"`
	EtlInDt           string         `json:"etl_in_dt"`
}

// UpdateSnapshots updates the option snapshots in the database
func (s *SnapshotService) UpdateSnapshots() (*IngestSummary, error) {
	defer zaplogger.TimeTrack(time.Now(), "UpdateSnapshots")

	sourceUpdatedTime, err := s.fetchSourceUpdatedTime()
	if err != nil {
		return nil, fmt.Errorf("failed to get source updated time: %v", err)
	}
	sourceUpdatedValue := sourceUpdatedTime.Format(lastUpdatedTimeLayout)

	// check if update is required
	snapshotsUpdatedAtValue, err := s.state.Get(snapshotsUpdatedAtKey)
	if err == nil {
		if !s.isUpdateSnapshotsRequired(snapshotsUpdatedAtValue, sourceUpdatedValue) {
			zaplogger.Info("Snapshots update not required", zaplogger.Fields{
				snapshotsUpdatedAtKey: snapshotsUpdatedAtValue,
			})
			return s.skipRun(sourceUpdatedTime), nil
		}
	}

	// the state key can lag the table, the table is authoritative
	maxLastUpdatedTime, err := s.repo.GetMaxLastUpdatedTime()
	if err != nil {
		return nil, err
	}
	if maxLastUpdatedTime != nil && maxLastUpdatedTime.Equal(sourceUpdatedTime) {
		if err := s.state.Set(snapshotsUpdatedAtKey, sourceUpdatedValue); err != nil {
			return nil, fmt.Errorf("failed to update state: %v", err)
		}
		zaplogger.Info("Snapshots update not required", zaplogger.Fields{
			"max_last_updated_time": sourceUpdatedValue,
		})
		return s.skipRun(sourceUpdatedTime), nil
	}

	zaplogger.Info("Snapshots update required", zaplogger.Fields{
		snapshotsUpdatedAtKey: snapshotsUpdatedAtValue,
		"source_updated_time": sourceUpdatedValue,
	})

	run, err := s.ingestRepo.CreateIngestRun(&sourceUpdatedTime)
	if err != nil {
		return nil, err
	}

	etlInDt := time.Now().In(s.nyLocation)
	summary := &IngestSummary{
		SourceUpdatedTime: sourceUpdatedValue,
		MarketCounts:      make(map[string]int),
		EtlInDt:           etlInDt.Format(lastUpdatedTimeLayout),
	}

	for _, market := range cboeMarkets {
		snapshots, err := s.fetchMarketSnapshots(market, sourceUpdatedTime, etlInDt)
		if err != nil {
			return nil, s.failRun(run, summary, fmt.Errorf("failed to fetch snapshots for market %s: %v", market, err))
		}

		upserted, err := s.repo.UpsertSnapshots(snapshots)
		if err != nil {
			return nil, s.failRun(run, summary, fmt.Errorf("failed to upsert snapshots for market %s: %v", market, err))
		}

		summary.MarketCounts[market] = len(snapshots)
		summary.RowsFetched += int64(len(snapshots))
		summary.RowsUpserted += upserted

		zaplogger.Info("Market snapshots upserted", zaplogger.Fields{
			"market":   market,
			"fetched":  len(snapshots),
			"upserted": upserted,
		})
	}

	removed, err := s.repo.CleanDuplicateSnapshots()
	if err != nil {
		return nil, s.failRun(run, summary, err)
	}
	summary.DuplicatesRemoved = removed

	// update state after all markets have been loaded
	if err := s.state.Set(snapshotsUpdatedAtKey, sourceUpdatedValue); err != nil {
		return nil, s.failRun(run, summary, fmt.Errorf("failed to update state: %v", err))
	}

	if err := s.ingestRepo.FinishIngestRun(run, models.IngestCompleted, summary.RowsFetched, summary.RowsUpserted, summary.DuplicatesRemoved, summary.MarketCounts, nil); err != nil {
		zaplogger.Error("Failed to finish ingest run", zaplogger.Fields{"error": err.Error()})
	}

	s.notifyIngestCompleted(summary)

	zaplogger.Info("Snapshots updated", zaplogger.Fields{
		"rows_fetched":       summary.RowsFetched,
		"rows_upserted":      summary.RowsUpserted,
		"duplicates_removed": summary.DuplicatesRemoved,
	})

	return summary, nil
}

// skipRun records a run that required no work
func (s *SnapshotService) skipRun(sourceUpdatedTime time.Time) *IngestSummary {
	run, err := s.ingestRepo.CreateIngestRun(&sourceUpdatedTime)
	if err != nil {
		zaplogger.Error("Failed to create ingest run", zaplogger.Fields{"error": err.Error()})
	} else if err := s.ingestRepo.FinishIngestRun(run, models.IngestSkipped, 0, 0, 0, nil, nil); err != nil {
		zaplogger.Error("Failed to finish ingest run", zaplogger.Fields{"error": err.Error()})
	}

	return &IngestSummary{
		Skipped:           true,
		SourceUpdatedTime: sourceUpdatedTime.Format(lastUpdatedTimeLayout),
	}
}

// failRun closes the run as failed and returns the original error
func (s *SnapshotService) failRun(run *models.IngestRunModel, summary *IngestSummary, runErr error) error {
	if err := s.ingestRepo.FinishIngestRun(run, models.IngestFailed, summary.RowsFetched, summary.RowsUpserted, summary.DuplicatesRemoved, summary.MarketCounts, runErr); err != nil {
		zaplogger.Error("Failed to finish ingest run", zaplogger.Fields{"error": err.Error()})
	}
	return runErr
}

// isUpdateSnapshotsRequired checks if the snapshots need to be updated.
// An update is required only when the source page time differs from the last
// ingested time.
func (s *SnapshotService) isUpdateSnapshotsRequired(lastUpdatedAt, sourceUpdatedAt string) bool {

	// parse last updated at time
	if _, err := time.Parse(lastUpdatedTimeLayout, lastUpdatedAt); err != nil {
		return true // If we can't parse the time, assume update is needed
	}

	return lastUpdatedAt != sourceUpdatedAt
}

// fetchSourceUpdatedTime scrapes the publication time from the symbol data page
func (s *SnapshotService) fetchSourceUpdatedTime() (time.Time, error) {

	url := s.baseURL + symbolDataPagePath

	// create request
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to create request: %v", err)
	}
	setBrowserHeaders(req)

	// make request
	resp, err := s.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch symbol data page: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read symbol data page: %v", err)
	}

	matches := lastUpdatedRegex.FindStringSubmatch(string(body))
	if len(matches) < 2 {
		return time.Time{}, fmt.Errorf("last updated time not found on symbol data page")
	}

	sourceUpdatedTime, err := time.Parse(lastUpdatedTimeLayout, matches[1])
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last updated time %q: %v", matches[1], err)
	}

	return sourceUpdatedTime, nil
}

// fetchMarketSnapshots downloads and parses the symbol data CSV for one market
func (s *SnapshotService) fetchMarketSnapshots(market string, lastUpdatedTime, etlInDt time.Time) ([]models.OptionSnapshotModel, error) {

	url := s.baseURL + fmt.Sprintf(symbolDataCsvPath, market)

	// create request
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for market %s: %v", market, err)
	}
	setBrowserHeaders(req)

	// make request
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download CSV for market %s: %v", market, err)
	}
	defer resp.Body.Close()

	reader := csv.NewReader(resp.Body)
	reader.FieldsPerRecord = -1 // source rows vary in width, short rows are skipped below
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV for market %s: %v", market, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no records in CSV for market %s", market)
	}

	snapshots := make([]models.OptionSnapshotModel, 0, len(records)-1)
	for _, record := range records[1:] { // Skip header row
		// record : [Symbol, Call/Put, Expiration, Strike Price, Volume, Matched, Routed, Bid Size, Bid Price, Ask Size, Ask Price, Last Price]
		if len(record) < 12 {
			continue
		}

		callPut := models.NormalizeCallPut(record[1])
		if err := callPut.Validate(); err != nil {
			zaplogger.Warn("Unexpected call_put value", zaplogger.Fields{
				"market":   market,
				"symbol":   record[0],
				"call_put": record[1],
			})
		}

		strikePrice, _ := strconv.ParseFloat(record[3], 64)
		volume, _ := strconv.ParseInt(record[4], 10, 64)
		matched, _ := strconv.ParseInt(record[5], 10, 64)
		routed, _ := strconv.ParseInt(record[6], 10, 64)
		bidSize, _ := strconv.ParseInt(record[7], 10, 64)
		bidPrice, _ := strconv.ParseFloat(record[8], 64)
		askSize, _ := strconv.ParseInt(record[9], 10, 64)
		askPrice, _ := strconv.ParseFloat(record[10], 64)
		lastPrice, _ := strconv.ParseFloat(record[11], 64)

		snapshots = append(snapshots, models.OptionSnapshotModel{
			Symbol:          record[0],
			CallPut:         callPut,
			Expiration:      record[2],
			StrikePrice:     strikePrice,
			Volume:          volume,
			Matched:         matched,
			Routed:          routed,
			BidSize:         bidSize,
			BidPrice:        bidPrice,
			AskSize:         askSize,
			AskPrice:        askPrice,
			LastPrice:       lastPrice,
			LastUpdatedTime: lastUpdatedTime,
			EtlInDt:         etlInDt,
		})
	}

	return snapshots, nil
}

// notifyIngestCompleted publishes the run summary on the Postgres channel
func (s *SnapshotService) notifyIngestCompleted(summary *IngestSummary) {
	payload, err := json.Marshal(summary)
	if err != nil {
		zaplogger.Error("Failed to marshal ingest summary", zaplogger.Fields{"error": err.Error()})
		return
	}
	if err := s.repo.Notify(PostgresChannel, string(payload)); err != nil {
		zaplogger.Error("Failed to notify ingest completed", zaplogger.Fields{"error": err.Error()})
	}
}

// setBrowserHeaders sets the headers the source expects from a browser
func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/csv,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Referer", "https://www.cboe.com/")
}
