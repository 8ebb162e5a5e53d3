package pipeline

import "forgeline/internal/decode"

// ActionConnectBackend marks a message that requires the caller to
// provision a backend connection before the run can resume.
const ActionConnectBackend = "CONNECT_BACKEND"

// Message is a narrative/status message for display.
type Message struct {
	Content        string `json:"content"`
	RequiresAction string `json:"requires_action,omitempty"`
}

// UsageSnapshot is a read-only view of the run's accumulated usage.
type UsageSnapshot struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// AuditRecord summarizes the run for the final success/failure report.
type AuditRecord struct {
	QAStatus        string           `json:"qa_status"`
	QAIssues        []decode.QAIssue `json:"qa_issues,omitempty"`
	RepairApplied   bool             `json:"repair_applied"`
	PhasesCompleted int              `json:"phases_completed"`
	PhasesTotal     int              `json:"phases_total"`
	FilesGenerated  int              `json:"files_generated"`
	SkippedSteps    []string         `json:"skipped_steps,omitempty"`
}

// Events is the callback contract through which a run is observed. All
// callbacks fire from the run's own goroutine, in order; implementations
// must not block for long.
type Events interface {
	OnPlanUpdate(phases []Phase)
	OnMessage(msg Message)
	OnPhaseStart(phaseIndex int)
	OnPhaseComplete(phaseIndex int)
	OnStepStart(phaseIndex int, label string)
	OnStepComplete(phaseIndex int)
	OnChunkComplete(files map[string]string, explanation string, usage UsageSnapshot)
	OnSuccess(files map[string]string, explanation string, audit AuditRecord, usage UsageSnapshot)
	OnError(message string, retriesRemaining int)
	OnFinalError(message string, audit *AuditRecord)
	OnCancelled()
}

// NopEvents discards every event. Useful as an embedding base.
type NopEvents struct{}

func (NopEvents) OnPlanUpdate([]Phase)                                       {}
func (NopEvents) OnMessage(Message)                                          {}
func (NopEvents) OnPhaseStart(int)                                           {}
func (NopEvents) OnPhaseComplete(int)                                        {}
func (NopEvents) OnStepStart(int, string)                                    {}
func (NopEvents) OnStepComplete(int)                                         {}
func (NopEvents) OnChunkComplete(map[string]string, string, UsageSnapshot)   {}
func (NopEvents) OnSuccess(map[string]string, string, AuditRecord, UsageSnapshot) {}
func (NopEvents) OnError(string, int)                                        {}
func (NopEvents) OnFinalError(string, *AuditRecord)                          {}
func (NopEvents) OnCancelled()                                               {}
