package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-coverage/internal/backfill"
	"github.com/johnayoung/go-ohlcv-coverage/internal/coverage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/models"
	"github.com/johnayoung/go-ohlcv-coverage/internal/quality"
	"github.com/johnayoung/go-ohlcv-coverage/internal/repair"
	"github.com/johnayoung/go-ohlcv-coverage/internal/storage"
	"github.com/johnayoung/go-ohlcv-coverage/internal/timerange"
)

// coveringFiller closes coverage over whatever range it is asked to fill,
// which is what the repair verification step expects of a successful run.
type coveringFiller struct {
	cov   coverage.Store
	mu    sync.Mutex
	calls []timerange.Range
}

func (f *coveringFiller) Run(ctx context.Context, key models.SeriesKey, requested timerange.Range) (*backfill.Stats, error) {
	f.mu.Lock()
	f.calls = append(f.calls, requested)
	f.mu.Unlock()
	if err := f.cov.MarkCovered(ctx, key, requested); err != nil {
		return nil, err
	}
	return &backfill.Stats{Key: key, Requested: requested, Effective: requested, GapsFound: 1, GapsFilled: 1}, nil
}

func auditCoverage(t *testing.T) *coverage.FileStore {
	t.Helper()
	store, err := coverage.NewFileStore(filepath.Join(t.TempDir(), "coverage.json"), nil)
	require.NoError(t, err)
	return store
}

func TestNewAuditorRequiresRepairer(t *testing.T) {
	mem := storage.NewMemoryStorage()
	scanner := quality.NewScanner(mem, mem, quality.Weights{}, nil)

	_, err := NewAuditor(scanner, auditCoverage(t), nil, AuditConfig{RepairGaps: true})
	assert.Error(t, err)
}

func TestAuditorRejectsBadSchedule(t *testing.T) {
	mem := storage.NewMemoryStorage()
	scanner := quality.NewScanner(mem, mem, quality.Weights{}, nil)
	a, err := NewAuditor(scanner, auditCoverage(t), nil, AuditConfig{Schedule: "not a schedule"})
	require.NoError(t, err)

	assert.Error(t, a.Start())
}

func TestAuditRunOnceWithNoTrackedSeries(t *testing.T) {
	mem := storage.NewMemoryStorage()
	scanner := quality.NewScanner(mem, mem, quality.Weights{}, nil)
	a, err := NewAuditor(scanner, auditCoverage(t), nil, AuditConfig{})
	require.NoError(t, err)

	assert.NoError(t, a.RunOnce(context.Background()))
}

// A tracked series with no recent records is flagged; with repair enabled the
// audit hands the whole lookback span to the filler as one gap.
func TestAuditRunOnceRepairsFlaggedSeries(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	cov := auditCoverage(t)
	key, err := models.NewSeriesKey("binance", models.InstrumentSpot, "BTCUSDT", models.SeriesCandles, "1h")
	require.NoError(t, err)

	// Register the key with old coverage far outside the audit window.
	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, cov.MarkCovered(ctx, key, timerange.Range{Start: old, End: old.Add(time.Hour)}))

	filler := &coveringFiller{cov: cov}
	repairer := repair.NewService(filler, mem, cov, repair.Config{Mode: repair.ModeSmart})
	scanner := quality.NewScanner(mem, mem, quality.Weights{}, nil)

	lookback := 2 * time.Hour
	a, err := NewAuditor(scanner, cov, repairer, AuditConfig{Lookback: lookback, RepairGaps: true})
	require.NoError(t, err)

	require.NoError(t, a.RunOnce(ctx))

	require.Len(t, filler.calls, 1)
	assert.Equal(t, lookback, filler.calls[0].Duration())
}

func TestAuditRunOnceReportsWithoutRepairing(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStorage()
	cov := auditCoverage(t)
	key, err := models.NewSeriesKey("binance", models.InstrumentSpot, "BTCUSDT", models.SeriesCandles, "1h")
	require.NoError(t, err)

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	oldRange := timerange.Range{Start: old, End: old.Add(time.Hour)}
	require.NoError(t, cov.MarkCovered(ctx, key, oldRange))

	scanner := quality.NewScanner(mem, mem, quality.Weights{}, nil)
	a, err := NewAuditor(scanner, cov, nil, AuditConfig{Lookback: 2 * time.Hour})
	require.NoError(t, err)

	require.NoError(t, a.RunOnce(ctx))

	// Report-only audits never touch coverage.
	covered, err := cov.Covered(ctx, key)
	require.NoError(t, err)
	require.Len(t, covered, 1)
	assert.True(t, covered[0].Equal(oldRange))
}
