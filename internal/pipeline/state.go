package pipeline

import (
	"encoding/json"
	"sync"

	"forgeline/internal/ai"
	"forgeline/internal/decode"
)

// PhaseType classifies a build phase.
type PhaseType string

const (
	PhaseUI      PhaseType = "ui"
	PhaseLogic   PhaseType = "logic"
	PhaseBackend PhaseType = "backend"
)

// PhaseStatus tracks a phase through the run.
type PhaseStatus string

const (
	PhasePending PhaseStatus = "pending"
	PhaseActive  PhaseStatus = "active"
	PhaseDone    PhaseStatus = "done"
	PhaseFailed  PhaseStatus = "failed"
)

// Phase is one coarse stage of the build.
type Phase struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Type        PhaseType   `json:"type"`
	Status      PhaseStatus `json:"status"`
}

// BuildRequest is the immutable input of one run.
type BuildRequest struct {
	Prompt        string
	Images        []ai.Image
	ProjectID     uint
	UserID        uint
	ExistingFiles map[string]string
}

// State is the orchestrator's working memory for one run. It is owned
// exclusively by the run goroutine; the mutex only guards the file map
// against concurrent snapshot reads from callers.
type State struct {
	Decision     decode.Decision
	Requirements decode.Requirements
	DesignSpec   json.RawMessage
	Phases       []Phase

	mu    sync.RWMutex
	files map[string]string

	Cost CostAccumulator
}

// NewState creates run state seeded with the project's existing files.
func NewState(existing map[string]string) *State {
	files := make(map[string]string, len(existing))
	for path, content := range existing {
		files[path] = content
	}
	return &State{files: files}
}

// Apply folds file changes into the accumulated file map. Creates insert,
// updates overwrite, unknown actions get update semantics. Paths are never
// removed; last write wins in application order.
func (s *State) Apply(changes []decode.FileChange) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied := 0
	for _, ch := range changes {
		if ch.Path == "" {
			continue
		}
		s.files[ch.Path] = ch.Content
		applied++
	}
	return applied
}

// Patch overwrites only paths that already exist. Patches naming unknown
// paths are ignored. Returns the number applied.
func (s *State) Patch(changes []decode.FileChange) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied := 0
	for _, ch := range changes {
		if _, ok := s.files[ch.Path]; !ok {
			continue
		}
		s.files[ch.Path] = ch.Content
		applied++
	}
	return applied
}

// Files returns a copy of the accumulated file map.
func (s *State) Files() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.files))
	for path, content := range s.files {
		out[path] = content
	}
	return out
}

// FileCount returns the number of accumulated files.
func (s *State) FileCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// Paths returns the accumulated file paths, for threading into prompts.
func (s *State) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	paths := make([]string, 0, len(s.files))
	for path := range s.files {
		paths = append(paths, path)
	}
	return paths
}

// normalizePhases converts a decoded phase plan into run phases. Unknown
// or missing phase types default to ui rather than failing the run.
func normalizePhases(plan *decode.PhasePlan) []Phase {
	phases := make([]Phase, 0, len(plan.Phases))
	for _, p := range plan.Phases {
		typ := PhaseType(p.Type)
		switch typ {
		case PhaseUI, PhaseLogic, PhaseBackend:
		default:
			typ = PhaseUI
		}
		phases = append(phases, Phase{
			ID:          p.ID,
			Title:       p.Title,
			Description: p.Description,
			Type:        typ,
			Status:      PhasePending,
		})
	}
	return phases
}
