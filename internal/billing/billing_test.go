package billing

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestChargeAppliesMargin(t *testing.T) {
	svc, err := NewService(testDB(t), nil)
	require.NoError(t, err)

	billed, err := svc.Charge(context.Background(), 1, 2, "build", "claude-sonnet-4", 150, 0.02, map[string]any{"run_id": "r1"})
	require.NoError(t, err)
	assert.InDelta(t, 0.03, billed, 1e-9) // 0.02 * 1.5

	var entry LedgerEntry
	require.NoError(t, svc.db.First(&entry).Error)
	assert.Equal(t, "build", entry.OpType)
	assert.Equal(t, 150, entry.Tokens)
	assert.InDelta(t, 0.02, entry.RawUSD, 1e-9)
	assert.Contains(t, entry.Meta, "r1")
}

func TestChargeMarginNeverBelowRaw(t *testing.T) {
	t.Setenv("FORGE_PROFIT_MARGIN", "0.5")
	svc, err := NewService(testDB(t), nil)
	require.NoError(t, err)

	billed, err := svc.Charge(context.Background(), 1, 0, "qa", "m", 10, 0.10, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, billed, 0.10)
}

func TestTotalForUser(t *testing.T) {
	svc, err := NewService(testDB(t), nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = svc.Charge(ctx, 7, 1, "decision", "m", 10, 0.01, nil)
	require.NoError(t, err)
	_, err = svc.Charge(ctx, 7, 1, "build_fallback", "m", 20, 0.02, nil)
	require.NoError(t, err)
	_, err = svc.Charge(ctx, 8, 1, "build", "m", 20, 0.50, nil)
	require.NoError(t, err)

	total, err := svc.TotalForUser(ctx, 7)
	require.NoError(t, err)
	assert.InDelta(t, 0.045, total, 1e-9) // (0.01+0.02)*1.5
}

type failingReporter struct{ called bool }

func (f *failingReporter) Report(context.Context, uint, float64, string) error {
	f.called = true
	return assert.AnError
}

func TestChargeSurvivesReporterFailure(t *testing.T) {
	rep := &failingReporter{}
	svc, err := NewService(testDB(t), rep)
	require.NoError(t, err)

	billed, err := svc.Charge(context.Background(), 1, 1, "design", "m", 10, 0.04, nil)
	require.NoError(t, err)
	assert.Greater(t, billed, 0.0)
	assert.True(t, rep.called)
}
