package server

import (
	"sync"
	"time"

	"forgeline/internal/pipeline"
)

// historyRetention keeps a finished run's event history replayable for
// late subscribers before the hub drops it.
const historyRetention = 15 * time.Minute

// EventBridge adapts a run's callbacks into hub envelopes. The run ID is
// assigned by the orchestrator after the bridge is constructed, so events
// emitted before Bind are buffered and flushed once the ID is known.
type EventBridge struct {
	hub       *Hub
	retention time.Duration

	mu     sync.Mutex
	runID  string
	queued []Envelope
}

// NewEventBridge creates a bridge publishing through hub.
func NewEventBridge(hub *Hub) *EventBridge {
	return &EventBridge{hub: hub, retention: historyRetention}
}

// Bind attaches the run ID and flushes anything buffered before it.
func (b *EventBridge) Bind(runID string) {
	b.mu.Lock()
	b.runID = runID
	queued := b.queued
	b.queued = nil
	b.mu.Unlock()

	for _, env := range queued {
		b.hub.Publish(runID, env)
	}
}

func (b *EventBridge) emit(eventType string, data interface{}) {
	env := Envelope{Type: eventType, Data: data, Timestamp: time.Now().UTC()}

	b.mu.Lock()
	if b.runID == "" {
		b.queued = append(b.queued, env)
		b.mu.Unlock()
		return
	}
	runID := b.runID
	b.mu.Unlock()

	b.hub.Publish(runID, env)
}

func (b *EventBridge) OnPlanUpdate(phases []pipeline.Phase) {
	b.emit("plan_update", map[string]interface{}{"phases": phases})
}

func (b *EventBridge) OnMessage(msg pipeline.Message) {
	b.emit("message", msg)
}

func (b *EventBridge) OnPhaseStart(phaseIndex int) {
	b.emit("phase_start", map[string]interface{}{"phase_index": phaseIndex})
}

func (b *EventBridge) OnPhaseComplete(phaseIndex int) {
	b.emit("phase_complete", map[string]interface{}{"phase_index": phaseIndex})
}

func (b *EventBridge) OnStepStart(phaseIndex int, label string) {
	b.emit("step_start", map[string]interface{}{"phase_index": phaseIndex, "label": label})
}

func (b *EventBridge) OnStepComplete(phaseIndex int) {
	b.emit("step_complete", map[string]interface{}{"phase_index": phaseIndex})
}

func (b *EventBridge) OnChunkComplete(files map[string]string, explanation string, usage pipeline.UsageSnapshot) {
	b.emit("chunk_complete", map[string]interface{}{
		"files":       files,
		"explanation": explanation,
		"usage":       usage,
	})
}

func (b *EventBridge) OnSuccess(files map[string]string, explanation string, audit pipeline.AuditRecord, usage pipeline.UsageSnapshot) {
	b.emit("success", map[string]interface{}{
		"files":       files,
		"explanation": explanation,
		"audit":       audit,
		"usage":       usage,
	})
	b.scheduleForget()
}

// scheduleForget drops the run's hub history after the retention window.
// Terminal events have already been delivered and stay replayable until
// then.
func (b *EventBridge) scheduleForget() {
	b.mu.Lock()
	runID := b.runID
	b.mu.Unlock()
	if runID == "" {
		return
	}
	time.AfterFunc(b.retention, func() { b.hub.Forget(runID) })
}

func (b *EventBridge) OnError(message string, retriesRemaining int) {
	b.emit("step_error", map[string]interface{}{
		"message":           message,
		"retries_remaining": retriesRemaining,
	})
}

func (b *EventBridge) OnFinalError(message string, audit *pipeline.AuditRecord) {
	b.emit("fatal_error", map[string]interface{}{
		"message": message,
		"audit":   audit,
	})
	b.scheduleForget()
}

func (b *EventBridge) OnCancelled() {
	b.emit("cancelled", nil)
	b.scheduleForget()
}
