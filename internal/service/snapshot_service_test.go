package service

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/quantbots/cboesnaps/internal/models"
	"github.com/quantbots/cboesnaps/internal/repository"
	"github.com/quantbots/cboesnaps/pkg/utils/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testPageBody = `<!doctype html><html><body>
<p>Trading volume for all symbols, last updated 2025-08-22 16:30:00 (Intraday volume is delayed 20 minutes)</p>
</body></html>`

const testCsvBody = `Symbol,Call/Put,Expiration,Strike Price,Volume,Matched,Routed,Bid Size,Bid Price,Ask Size,Ask Price,Last Price
AAPL,C,2025-09-19,150,1200,1100,100,10,1.25,12,1.35,1.30
AAPL,P,2025-09-19,150,800,700,100,5,0.95,7,1.05,1.00
TRAILER
SPXW,C,2025-08-29,5400,15,10,5,1,bad,2,2.10,2.05
`

// newTestService builds a service pointed at a test server, without a database
func newTestService(baseURL string) *SnapshotService {
	return &SnapshotService{
		client:  &http.Client{},
		baseURL: baseURL,
	}
}

// testDB connects to the test database, migrates the collector tables and
// truncates them. Tests are skipped when no test DSN is exported.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("CBOE_SNAPS_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CBOE_SNAPS_TEST_PG_DSN not set, skipping database tests")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&models.OptionSnapshotModel{}))
	require.NoError(t, db.AutoMigrate(&models.IngestRunModel{}))
	require.NoError(t, db.AutoMigrate(&state.StateEntry{}))
	require.NoError(t, db.Exec("TRUNCATE TABLE "+models.SnapshotsTableName).Error)
	require.NoError(t, db.Exec("TRUNCATE TABLE "+models.IngestRunsTableName).Error)
	require.NoError(t, db.Exec("TRUNCATE TABLE "+state.StateTableName).Error)

	return db
}

// newSourceServer serves the symbol data page and the same CSV body for every market
func newSourceServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/us/options/market_statistics/symbol_data/":
			fmt.Fprint(w, testPageBody)
		case "/us/options/market_statistics/symbol_data/csv/":
			fmt.Fprint(w, testCsvBody)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFetchSourceUpdatedTime(t *testing.T) {
	t.Run("extracts the page time", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/us/options/market_statistics/symbol_data/", r.URL.Path)
			assert.Equal(t, "cone", r.URL.Query().Get("mkt"))
			fmt.Fprint(w, testPageBody)
		}))
		defer server.Close()

		s := newTestService(server.URL)
		got, err := s.fetchSourceUpdatedTime()
		require.NoError(t, err)

		want, err := time.Parse(lastUpdatedTimeLayout, "2025-08-22 16:30:00")
		require.NoError(t, err)
		assert.True(t, got.Equal(want))
	})

	t.Run("errors when the marker is missing", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "<html><body>down for maintenance</body></html>")
		}))
		defer server.Close()

		s := newTestService(server.URL)
		_, err := s.fetchSourceUpdatedTime()
		assert.Error(t, err)
	})
}

func TestFetchMarketSnapshots(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/us/options/market_statistics/symbol_data/csv/", r.URL.Path)
		assert.Equal(t, "cone", r.URL.Query().Get("mkt"))
		fmt.Fprint(w, testCsvBody)
	}))
	defer server.Close()

	lastUpdatedTime, err := time.Parse(lastUpdatedTimeLayout, "2025-08-22 16:30:00")
	require.NoError(t, err)
	etlInDt := time.Date(2025, 8, 22, 12, 45, 0, 0, time.UTC)

	s := newTestService(server.URL)
	snapshots, err := s.fetchMarketSnapshots("cone", lastUpdatedTime, etlInDt)
	require.NoError(t, err)

	// header row and the short trailer row are skipped
	require.Len(t, snapshots, 3)

	first := snapshots[0]
	assert.Equal(t, "AAPL", first.Symbol)
	assert.Equal(t, models.CallPutCall, first.CallPut)
	assert.Equal(t, "2025-09-19", first.Expiration)
	assert.Equal(t, 150.0, first.StrikePrice)
	assert.Equal(t, int64(1200), first.Volume)
	assert.Equal(t, int64(1100), first.Matched)
	assert.Equal(t, int64(100), first.Routed)
	assert.Equal(t, int64(10), first.BidSize)
	assert.Equal(t, 1.25, first.BidPrice)
	assert.Equal(t, int64(12), first.AskSize)
	assert.Equal(t, 1.35, first.AskPrice)
	assert.Equal(t, 1.30, first.LastPrice)
	assert.True(t, first.LastUpdatedTime.Equal(lastUpdatedTime))
	assert.True(t, first.EtlInDt.Equal(etlInDt))

	assert.Equal(t, models.CallPutPut, snapshots[1].CallPut)

	// malformed numeric fields default to zero, the row is kept
	bad := snapshots[2]
	assert.Equal(t, "SPXW", bad.Symbol)
	assert.Equal(t, 0.0, bad.BidPrice)
	assert.Equal(t, 2.10, bad.AskPrice)
}

func TestIsUpdateSnapshotsRequired(t *testing.T) {
	s := newTestService("")

	t.Run("not required when times match", func(t *testing.T) {
		assert.False(t, s.isUpdateSnapshotsRequired("2025-08-22 16:30:00", "2025-08-22 16:30:00"))
	})

	t.Run("required when the source is newer", func(t *testing.T) {
		assert.True(t, s.isUpdateSnapshotsRequired("2025-08-22 16:00:00", "2025-08-22 16:30:00"))
	})

	t.Run("required when the state is empty", func(t *testing.T) {
		assert.True(t, s.isUpdateSnapshotsRequired("", "2025-08-22 16:30:00"))
	})

	t.Run("required when the state is not a time", func(t *testing.T) {
		assert.True(t, s.isUpdateSnapshotsRequired("not a time", "2025-08-22 16:30:00"))
	})
}

func TestUpdateSnapshots(t *testing.T) {
	pageTime, err := time.Parse(lastUpdatedTimeLayout, "2025-08-22 16:30:00")
	require.NoError(t, err)

	seedSnapshot := func(at time.Time) models.OptionSnapshotModel {
		return models.OptionSnapshotModel{
			Symbol:          "AAPL",
			CallPut:         models.CallPutCall,
			Expiration:      "2025-09-19",
			StrikePrice:     150,
			Volume:          100,
			Matched:         90,
			Routed:          10,
			BidSize:         5,
			BidPrice:        1.20,
			AskSize:         6,
			AskPrice:        1.40,
			LastPrice:       1.30,
			LastUpdatedTime: at,
			EtlInDt:         at,
		}
	}

	t.Run("skips when the table already holds the page time", func(t *testing.T) {
		db := testDB(t)
		server := newSourceServer()
		defer server.Close()

		s := NewSnapshotService(db, server.URL)

		// the table is current but the state key is empty
		seeded := seedSnapshot(pageTime)
		require.NoError(t, db.Create(&seeded).Error)

		summary, err := s.UpdateSnapshots()
		require.NoError(t, err)
		assert.True(t, summary.Skipped)
		assert.Equal(t, "2025-08-22 16:30:00", summary.SourceUpdatedTime)

		// the state key is backfilled from the table
		value, err := s.state.Get(snapshotsUpdatedAtKey)
		require.NoError(t, err)
		assert.Equal(t, "2025-08-22 16:30:00", value)

		// the run is recorded as skipped and nothing was ingested
		runs, err := repository.NewIngestRepository(db).GetRecentIngestRuns(1)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, models.IngestSkipped, runs[0].Status)
		require.NotNil(t, runs[0].SourceUpdatedTime)
		assert.True(t, runs[0].SourceUpdatedTime.Equal(pageTime))

		count, err := repository.NewSnapshotRepository(db).GetSnapshotsRecordCount()
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})

	t.Run("ingests when the table is older than the page", func(t *testing.T) {
		db := testDB(t)
		server := newSourceServer()
		defer server.Close()

		s := NewSnapshotService(db, server.URL)

		staleTime := pageTime.Add(-30 * time.Minute)
		seeded := seedSnapshot(staleTime)
		require.NoError(t, db.Create(&seeded).Error)
		require.NoError(t, s.state.Set(snapshotsUpdatedAtKey, staleTime.Format(lastUpdatedTimeLayout)))

		summary, err := s.UpdateSnapshots()
		require.NoError(t, err)
		assert.False(t, summary.Skipped)
		assert.Equal(t, int64(12), summary.RowsFetched) // 3 parsed rows for each of the 4 markets
		assert.Equal(t, int64(12), summary.RowsUpserted)
		assert.Equal(t, int64(0), summary.DuplicatesRemoved)
		assert.Equal(t, map[string]int{"cone": 3, "opt": 3, "ctwo": 3, "exo": 3}, summary.MarketCounts)

		// the stale row stays as history, three distinct keys arrive at the page time
		repo := repository.NewSnapshotRepository(db)
		count, err := repo.GetSnapshotsRecordCount()
		require.NoError(t, err)
		assert.Equal(t, int64(4), count)

		fresh, err := repo.GetSnapshotsUpdatedSince(pageTime)
		require.NoError(t, err)
		assert.Len(t, fresh, 3)

		value, err := s.state.Get(snapshotsUpdatedAtKey)
		require.NoError(t, err)
		assert.Equal(t, "2025-08-22 16:30:00", value)

		runs, err := repository.NewIngestRepository(db).GetRecentIngestRuns(1)
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, models.IngestCompleted, runs[0].Status)
		assert.Equal(t, int64(12), runs[0].RowsFetched)
		assert.JSONEq(t, `{"cone":3,"opt":3,"ctwo":3,"exo":3}`, string(runs[0].MarketCounts))
	})
}
