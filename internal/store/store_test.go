package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/decode"
	"forgeline/internal/pipeline"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", ":memory:")
	require.NoError(t, err)
	return s
}

func TestBackendConnectionLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	active, err := s.IsBackendActive(ctx, 42)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, s.ConnectBackend(ctx, 42, "postgres"))

	active, err = s.IsBackendActive(ctx, 42)
	require.NoError(t, err)
	assert.True(t, active)

	// reconnecting is idempotent
	require.NoError(t, s.ConnectBackend(ctx, 42, "postgres"))
	active, err = s.IsBackendActive(ctx, 42)
	require.NoError(t, err)
	assert.True(t, active)

	// other projects unaffected
	active, err = s.IsBackendActive(ctx, 43)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestSaveAndLoadAudit(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	record := pipeline.AuditRecord{
		QAStatus:        "fail",
		QAIssues:        []decode.QAIssue{{Path: "app.js", Severity: "high", Message: "broken"}},
		RepairApplied:   true,
		PhasesCompleted: 2,
		PhasesTotal:     3,
		FilesGenerated:  7,
		SkippedSteps:    []string{"UI: step \"routing\" has no target path"},
	}
	usage := pipeline.UsageSnapshot{InputTokens: 1000, OutputTokens: 400, CostUSD: 0.12}

	require.NoError(t, s.SaveAudit(ctx, "run-1", 5, pipeline.RunSucceeded, record, usage))

	audit, err := s.AuditForRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", audit.Status)
	assert.Equal(t, "fail", audit.QAStatus)
	assert.True(t, audit.RepairApplied)
	assert.Equal(t, 2, audit.PhasesCompleted)
	assert.Contains(t, audit.Issues, "app.js")
	assert.Contains(t, audit.SkippedSteps, "routing")
	assert.InDelta(t, 0.12, audit.CostUSD, 1e-9)
}

func TestStripeCustomerFor(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.StripeCustomerFor(ctx, 9)
	assert.Error(t, err)

	require.NoError(t, s.DB().Create(&Account{UserID: 9, StripeCustomerID: "cus_123"}).Error)
	id, err := s.StripeCustomerFor(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, "cus_123", id)

	require.NoError(t, s.DB().Create(&Account{UserID: 10}).Error)
	_, err = s.StripeCustomerFor(ctx, 10)
	assert.Error(t, err)
}

func TestAuditForUnknownRun(t *testing.T) {
	s := testStore(t)
	_, err := s.AuditForRun(context.Background(), "missing")
	assert.Error(t, err)
}
