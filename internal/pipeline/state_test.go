package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"forgeline/internal/decode"
)

func TestApplyLastWriteWins(t *testing.T) {
	state := NewState(nil)
	changes := []decode.FileChange{
		{Path: "a.js", Action: "create", Content: "v1"},
		{Path: "b.js", Action: "create", Content: "b"},
		{Path: "a.js", Action: "update", Content: "v2"},
		{Path: "a.js", Action: "mystery", Content: "v3"}, // unknown action, update semantics
	}
	state.Apply(changes)

	files := state.Files()
	assert.Equal(t, "v3", files["a.js"])
	assert.Equal(t, "b", files["b.js"])
	assert.Equal(t, 2, state.FileCount())
}

func TestApplyIdempotentReplay(t *testing.T) {
	changes := []decode.FileChange{
		{Path: "x.js", Action: "create", Content: "one"},
		{Path: "y.js", Action: "create", Content: "two"},
		{Path: "x.js", Action: "update", Content: "three"},
	}

	once := NewState(nil)
	once.Apply(changes)

	twice := NewState(nil)
	twice.Apply(changes)
	twice.Apply(changes)

	assert.Equal(t, once.Files(), twice.Files())
}

func TestApplySkipsEmptyPath(t *testing.T) {
	state := NewState(nil)
	applied := state.Apply([]decode.FileChange{
		{Path: "", Content: "lost"},
		{Path: "kept.js", Content: "ok"},
	})
	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, state.FileCount())
}

func TestPatchOnlyExistingPaths(t *testing.T) {
	state := NewState(map[string]string{"app.js": "old"})
	applied := state.Patch([]decode.FileChange{
		{Path: "app.js", Action: "update", Content: "fixed"},
		{Path: "ghost.js", Action: "update", Content: "ignored"},
	})
	assert.Equal(t, 1, applied)
	files := state.Files()
	assert.Equal(t, "fixed", files["app.js"])
	assert.NotContains(t, files, "ghost.js")
}

func TestNewStateCopiesExistingFiles(t *testing.T) {
	existing := map[string]string{"index.html": "<html>"}
	state := NewState(existing)
	state.Apply([]decode.FileChange{{Path: "index.html", Content: "changed"}})
	assert.Equal(t, "<html>", existing["index.html"])
}

func TestNormalizePhasesDefaultsUnknownTypeToUI(t *testing.T) {
	plan := &decode.PhasePlan{Phases: []decode.PlannedPhase{
		{ID: "p1", Title: "Skeleton", Type: "ui"},
		{ID: "p2", Title: "Logic", Type: "logic"},
		{ID: "p3", Title: "API", Type: "backend"},
		{ID: "p4", Title: "Weird", Type: "frontend-magic"},
		{ID: "p5", Title: "Missing"},
	}}
	phases := normalizePhases(plan)
	assert.Equal(t, PhaseUI, phases[0].Type)
	assert.Equal(t, PhaseLogic, phases[1].Type)
	assert.Equal(t, PhaseBackend, phases[2].Type)
	assert.Equal(t, PhaseUI, phases[3].Type)
	assert.Equal(t, PhaseUI, phases[4].Type)
	for _, p := range phases {
		assert.Equal(t, PhasePending, p.Status)
	}
}

func TestCostAccumulator(t *testing.T) {
	var c CostAccumulator
	c.Record(100, 50, 0.01)
	c.Record(200, 100, 0.02)

	snap := c.Snapshot()
	assert.Equal(t, 300, snap.InputTokens)
	assert.Equal(t, 150, snap.OutputTokens)
	assert.InDelta(t, 0.03, snap.CostUSD, 1e-9)
}

func TestCancelTokenIdempotent(t *testing.T) {
	token := NewCancelToken()
	assert.False(t, token.Cancelled())
	token.Cancel()
	token.Cancel()
	assert.True(t, token.Cancelled())
	select {
	case <-token.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}
