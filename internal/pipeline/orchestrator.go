// Package pipeline implements the generation orchestrator: the state
// machine that turns one build request into a deterministic sequence of
// provider calls, manages retries, timeouts, provider fallback and cost
// accounting, and emits a progress/event stream to its caller.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgeline/internal/ai"
	"forgeline/internal/decode"
	"forgeline/internal/logging"
	"forgeline/internal/metrics"
)

// ErrRunNotFound is returned by Cancel and Resume for unknown run IDs.
var ErrRunNotFound = errors.New("run not found")

// RunStatus is the externally visible state of a run.
type RunStatus string

const (
	RunRunning         RunStatus = "running"
	RunAwaitingBackend RunStatus = "awaiting_backend"
	RunSucceeded       RunStatus = "succeeded"
	RunFailed          RunStatus = "failed"
	RunCancelled       RunStatus = "cancelled"
)

// Biller converts reported token counts and raw USD cost into a deducted
// balance. Invoked once per successfully completed step, never per attempt.
type Biller interface {
	Charge(ctx context.Context, userID, projectID uint, opType, model string, tokens int, costUSD float64, meta map[string]any) (float64, error)
}

// BackendStatus reports whether a project has an active backend connection.
type BackendStatus interface {
	IsBackendActive(ctx context.Context, projectID uint) (bool, error)
}

// Notifier delivers fire-and-forget run notifications.
type Notifier interface {
	RunEvent(ctx context.Context, runID, event string, payload map[string]any)
}

// Exporter snapshots the generated file set after a successful run.
type Exporter interface {
	Export(ctx context.Context, runID string, files map[string]string) error
}

// AuditStore persists the end-of-run audit record.
type AuditStore interface {
	SaveAudit(ctx context.Context, runID string, projectID uint, status RunStatus, record AuditRecord, usage UsageSnapshot) error
}

// Run is one in-flight or finished generation run.
type Run struct {
	ID    string
	Req   BuildRequest
	State *State

	cancel  *CancelToken
	events  Events
	ackOnce sync.Once

	mu       sync.RWMutex
	status   RunStatus
	skipped  []string
	qa       *decode.QAResult
	repaired bool
}

// Status returns the run's current status.
func (r *Run) Status() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Run) setStatus(s RunStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Cancel sets the run's cancellation token. The run stops at its next
// suspension point and emits exactly one cancellation acknowledgment.
func (r *Run) Cancel() {
	r.cancel.Cancel()
}

func (r *Run) audit() AuditRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec := AuditRecord{
		QAStatus:       "not_run",
		RepairApplied:  r.repaired,
		PhasesTotal:    len(r.State.Phases),
		FilesGenerated: r.State.FileCount(),
		SkippedSteps:   append([]string(nil), r.skipped...),
	}
	for _, p := range r.State.Phases {
		if p.Status == PhaseDone {
			rec.PhasesCompleted++
		}
	}
	if r.qa != nil {
		rec.QAStatus = r.qa.Status
		rec.QAIssues = r.qa.Issues
	}
	return rec
}

// Orchestrator drives generation runs. One instance serves many
// independent runs; each run executes as a single sequential goroutine
// with no shared mutable state beyond its own State.
type Orchestrator struct {
	executor  *StepExecutor
	prompts   PromptSource
	biller    Biller
	backends  BackendStatus
	notifier  Notifier
	exporter  Exporter
	audits    AuditStore
	retention time.Duration

	mu   sync.RWMutex
	runs map[string]*Run
}

// Options wires the orchestrator's collaborators. Gateway, Providers and
// the step policy are required; the rest may be nil.
type Options struct {
	Gateway     ai.Gateway
	Providers   []ai.Config
	StepTimeout time.Duration
	MaxAttempts int
	BackoffBase time.Duration

	Prompts  PromptSource
	Biller   Biller
	Backends BackendStatus
	Notifier Notifier
	Exporter Exporter
	Audits   AuditStore

	// RunRetention bounds how long a finished run stays queryable in the
	// registry before eviction. Zero selects the default.
	RunRetention time.Duration
}

// defaultRunRetention keeps finished runs available for status polls.
const defaultRunRetention = 15 * time.Minute

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	prompts := opts.Prompts
	if prompts == nil {
		prompts = StaticPrompts{}
	}
	retention := opts.RunRetention
	if retention <= 0 {
		retention = defaultRunRetention
	}
	selector := NewSelector(opts.Providers)
	return &Orchestrator{
		executor:  NewStepExecutor(opts.Gateway, selector, opts.StepTimeout, opts.MaxAttempts, opts.BackoffBase),
		prompts:   prompts,
		biller:    opts.Biller,
		backends:  opts.Backends,
		notifier:  opts.Notifier,
		exporter:  opts.Exporter,
		audits:    opts.Audits,
		retention: retention,
		runs:      make(map[string]*Run),
	}
}

// Start begins a new run and returns immediately. Progress is observed
// through the events callbacks.
func (o *Orchestrator) Start(req BuildRequest, events Events) *Run {
	if events == nil {
		events = NopEvents{}
	}
	run := &Run{
		ID:     uuid.New().String(),
		Req:    req,
		State:  NewState(req.ExistingFiles),
		cancel: NewCancelToken(),
		events: events,
		status: RunRunning,
	}
	o.mu.Lock()
	o.runs[run.ID] = run
	o.mu.Unlock()

	metrics.Get().ActiveRunsGauge.Inc()
	go o.execute(run)
	return run
}

// Get returns a run by ID.
func (o *Orchestrator) Get(runID string) (*Run, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	run, ok := o.runs[runID]
	return run, ok
}

// Cancel cancels a run by ID. A run halted at the backend-connection
// gate has no goroutine left to observe the token, so it is finalized
// here; a running run stops at its next suspension point.
func (o *Orchestrator) Cancel(runID string) error {
	run, ok := o.Get(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	run.Cancel()
	if run.Status() == RunAwaitingBackend {
		o.finishCancelled(run)
	}
	return nil
}

// Resume continues a run halted at the backend-connection gate. It
// re-enters at phase planning with the decision and requirements context
// retained.
func (o *Orchestrator) Resume(runID string) error {
	run, ok := o.Get(runID)
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if run.Status() != RunAwaitingBackend {
		return fmt.Errorf("run %s is %s, not awaiting backend", runID, run.Status())
	}
	run.setStatus(RunRunning)
	go func() {
		if o.checkCancelled(run) {
			return
		}
		o.executeFromPlanning(run)
	}()
	return nil
}

// execute drives a fresh run from the decision step.
func (o *Orchestrator) execute(r *Run) {
	// Decision: the high-level build strategy. Failure here is fatal;
	// nothing downstream can proceed without it.
	if o.checkCancelled(r) {
		return
	}
	var dec decode.Decision
	if _, err := o.step(r, StepDecision, decisionPrompt(r.Req), r.Req.Images, &dec); err != nil {
		o.finishStep(r, err)
		return
	}
	r.State.Decision = dec
	r.events.OnMessage(Message{Content: dec.Summary})

	// RequirementsGate: classify backend need, halt if unmet.
	if o.checkCancelled(r) {
		return
	}
	var reqs decode.Requirements
	if _, err := o.step(r, StepRequirements, requirementsPrompt(r.Req, &dec), nil, &reqs); err != nil {
		o.finishStep(r, err)
		return
	}
	r.State.Requirements = reqs

	if reqs.NeedsBackend && !o.backendActive(r) {
		r.setStatus(RunAwaitingBackend)
		r.events.OnMessage(Message{
			Content:        "This app needs a backend (storage, auth or server-side logic). Connect a backend to continue.",
			RequiresAction: ActionConnectBackend,
		})
		logging.L().Info("run awaiting backend connection",
			zap.String("run_id", r.ID), zap.Uint("project_id", r.Req.ProjectID))
		// a cancel racing the halt transition may have missed the
		// AwaitingBackend status; the token settles it either way
		if r.cancel.Cancelled() {
			o.finishCancelled(r)
		}
		return
	}

	o.executeFromPlanning(r)
}

// executeFromPlanning drives phase planning through completion. Also the
// re-entry point after a backend-gate resume.
func (o *Orchestrator) executeFromPlanning(r *Run) {
	// PhasePlanning
	if o.checkCancelled(r) {
		return
	}
	var plan decode.PhasePlan
	if _, err := o.step(r, StepPhasePlan, phasePlanPrompt(r.Req, r.State), nil, &plan); err != nil {
		o.finishStep(r, err)
		return
	}
	r.State.Phases = normalizePhases(&plan)
	r.events.OnPlanUpdate(append([]Phase(nil), r.State.Phases...))

	// Design
	if o.checkCancelled(r) {
		return
	}
	var design map[string]any
	if _, err := o.step(r, StepDesign, designPrompt(r.Req, r.State), nil, &design); err != nil {
		o.finishStep(r, err)
		return
	}
	r.State.DesignSpec = mustMarshal(design)

	// Per-phase plan/build loop. Phase failure is never fatal to the run.
	for i := range r.State.Phases {
		if o.checkCancelled(r) {
			return
		}
		if !o.executePhase(r, i) {
			return // cancelled inside the phase
		}
		r.events.OnPlanUpdate(append([]Phase(nil), r.State.Phases...))
	}

	// Schema generation only for backend builds; fatal on failure.
	if r.State.Requirements.NeedsBackend {
		if o.checkCancelled(r) {
			return
		}
		var schema decode.SchemaResult
		if _, err := o.step(r, StepSchema, schemaPrompt(r.State), nil, &schema); err != nil {
			o.finishStep(r, err)
			return
		}
		path := schema.Path
		if path == "" {
			path = "backend/schema.sql"
		}
		r.State.Apply([]decode.FileChange{{Path: path, Action: "create", Content: schema.Schema}})
	}

	// QA
	if o.checkCancelled(r) {
		return
	}
	var qa decode.QAResult
	if _, err := o.step(r, StepQA, qaPrompt(r.State), nil, &qa); err != nil {
		o.finishStep(r, err)
		return
	}
	r.mu.Lock()
	r.qa = &qa
	r.mu.Unlock()

	// Repair at most once. QA may ship patches directly; otherwise one
	// repair step asks for them. Only existing paths are patched.
	if !qa.Passed() {
		if len(qa.Patches) > 0 {
			r.State.Patch(qa.Patches)
			r.mu.Lock()
			r.repaired = true
			r.mu.Unlock()
		} else if len(qa.Issues) > 0 {
			if o.checkCancelled(r) {
				return
			}
			var repair decode.RepairResult
			if _, err := o.step(r, StepRepair, repairPrompt(&qa, r.State), nil, &repair); err != nil {
				o.finishStep(r, err)
				return
			}
			r.State.Patch(repair.Patches)
			r.mu.Lock()
			r.repaired = true
			r.mu.Unlock()
		}
	}

	o.finishSuccess(r)
}

// executePhase runs one phase's plan/build loop. Returns false only when
// the run was cancelled mid-phase; step failures inside a phase are
// recorded and building continues.
func (o *Orchestrator) executePhase(r *Run, idx int) bool {
	phase := &r.State.Phases[idx]
	phase.Status = PhaseActive
	r.events.OnPhaseStart(idx)

	var plan decode.FilePlan
	if _, err := o.step(r, StepFilePlan, filePlanPrompt(*phase, r.State), nil, &plan); err != nil {
		if errors.Is(err, ErrCancelled) {
			o.finishCancelled(r)
			return false
		}
		// a phase whose plan never materialized is failed, not fatal
		phase.Status = PhaseFailed
		o.recordSkip(r, fmt.Sprintf("%s: file plan failed: %v", phase.Title, err))
		r.events.OnPhaseComplete(idx)
		return true
	}

	failed := 0
	for _, step := range plan.Steps {
		if r.cancel.Cancelled() {
			o.finishCancelled(r)
			return false
		}

		path := step.Path()
		if path == "" {
			// malformed step: no resolvable target path, skip and go on
			o.recordSkip(r, fmt.Sprintf("%s: step %q has no target path", phase.Title, step.Label))
			logging.L().Warn("skipping build step without target path",
				zap.String("run_id", r.ID), zap.String("label", step.Label))
			continue
		}

		r.events.OnStepStart(idx, step.Label)
		var built decode.BuildResult
		if _, err := o.step(r, StepBuild, buildStepPrompt(step, *phase, r.State), nil, &built); err != nil {
			if errors.Is(err, ErrCancelled) {
				o.finishCancelled(r)
				return false
			}
			failed++
			o.recordSkip(r, fmt.Sprintf("%s: build of %s failed: %v", phase.Title, path, err))
			continue
		}

		changes := built.Files
		// models occasionally omit the path on single-file results
		for j := range changes {
			if changes[j].Path == "" {
				changes[j].Path = path
			}
		}
		applied := r.State.Apply(changes)
		metrics.Get().FilesGenerated.Add(float64(applied))

		r.events.OnChunkComplete(r.State.Files(), built.Explanation, r.State.Cost.Snapshot())
		r.events.OnStepComplete(idx)
	}

	if failed > 0 && failed == len(plan.Steps) {
		phase.Status = PhaseFailed
	} else {
		phase.Status = PhaseDone
	}
	r.events.OnPhaseComplete(idx)
	return true
}

// step executes one pipeline step, records usage on success, and
// dispatches the billing charge asynchronously.
func (o *Orchestrator) step(r *Run, kind StepKind, prompt string, images []ai.Image, result any) (*StepOutcome, error) {
	onRetry := func(msg string, remaining int) {
		r.events.OnError(msg, remaining)
	}
	out, err := o.executor.Run(context.Background(), r.cancel, kind, prompt, o.prompts.System(kind), images, result, onRetry)
	if err != nil {
		return nil, err
	}
	r.State.Cost.Record(out.Usage.InputTokens, out.Usage.OutputTokens, out.Usage.CostUSD)
	o.chargeAsync(r, out)
	return out, nil
}

// chargeAsync dispatches the billing charge after a step commits. Never
// awaited by the run's control flow; failures go to the log side channel.
func (o *Orchestrator) chargeAsync(r *Run, out *StepOutcome) {
	if o.biller == nil {
		return
	}
	usage := out.Usage
	go func() {
		_, err := o.biller.Charge(context.Background(), r.Req.UserID, r.Req.ProjectID,
			out.OpType, usage.Model, usage.InputTokens+usage.OutputTokens, usage.CostUSD,
			map[string]any{"run_id": r.ID, "provider": string(usage.Provider)})
		if err != nil {
			logging.L().Error("billing charge failed",
				zap.String("run_id", r.ID),
				zap.String("op_type", out.OpType),
				zap.Error(err))
		}
	}()
}

func (o *Orchestrator) backendActive(r *Run) bool {
	if o.backends == nil {
		return false
	}
	active, err := o.backends.IsBackendActive(context.Background(), r.Req.ProjectID)
	if err != nil {
		logging.L().Error("backend status query failed",
			zap.String("run_id", r.ID), zap.Error(err))
		return false
	}
	return active
}

func (o *Orchestrator) recordSkip(r *Run, detail string) {
	r.mu.Lock()
	r.skipped = append(r.skipped, detail)
	r.mu.Unlock()
}

// checkCancelled reports and finalizes cancellation observed between
// state transitions.
func (o *Orchestrator) checkCancelled(r *Run) bool {
	if !r.cancel.Cancelled() {
		return false
	}
	o.finishCancelled(r)
	return true
}

// finishStep maps a step error to the run's terminal state.
func (o *Orchestrator) finishStep(r *Run, err error) {
	if errors.Is(err, ErrCancelled) {
		o.finishCancelled(r)
		return
	}
	o.finishFailed(r, err.Error())
}

// finishCancelled emits the single cancellation acknowledgment. No
// success or error event follows for this run.
func (o *Orchestrator) finishCancelled(r *Run) {
	r.ackOnce.Do(func() {
		r.setStatus(RunCancelled)
		metrics.Get().ActiveRunsGauge.Dec()
		metrics.Get().RunsTotal.WithLabelValues("cancelled").Inc()
		logging.L().Info("run cancelled", zap.String("run_id", r.ID))
		r.events.OnCancelled()
		o.persistAudit(r, RunCancelled)
		o.retire(r.ID)
	})
}

// retire evicts a finished run from the registry once its retention
// window passes. Status polls fail with ErrRunNotFound after that; the
// persisted audit remains the durable record.
func (o *Orchestrator) retire(runID string) {
	time.AfterFunc(o.retention, func() {
		o.mu.Lock()
		delete(o.runs, runID)
		o.mu.Unlock()
	})
}

func (o *Orchestrator) finishFailed(r *Run, msg string) {
	r.setStatus(RunFailed)
	metrics.Get().ActiveRunsGauge.Dec()
	metrics.Get().RunsTotal.WithLabelValues("failed").Inc()
	audit := r.audit()
	logging.L().Error("run failed", zap.String("run_id", r.ID), zap.String("error", msg))
	r.events.OnFinalError(msg, &audit)
	o.persistAudit(r, RunFailed)
	o.notifyAsync(r, "run.failed", map[string]any{"error": msg})
	o.retire(r.ID)
}

func (o *Orchestrator) finishSuccess(r *Run) {
	r.setStatus(RunSucceeded)
	metrics.Get().ActiveRunsGauge.Dec()
	metrics.Get().RunsTotal.WithLabelValues("succeeded").Inc()

	files := r.State.Files()
	audit := r.audit()
	usage := r.State.Cost.Snapshot()
	logging.L().Info("run succeeded",
		zap.String("run_id", r.ID),
		zap.Int("files", len(files)),
		zap.Float64("cost_usd", usage.CostUSD))

	r.events.OnSuccess(files, r.State.Decision.Summary, audit, usage)
	o.persistAudit(r, RunSucceeded)
	o.notifyAsync(r, "run.succeeded", map[string]any{"files": len(files), "cost_usd": usage.CostUSD})

	if o.exporter != nil {
		runID := r.ID
		exporter := o.exporter
		go func() {
			if err := exporter.Export(context.Background(), runID, files); err != nil {
				logging.L().Error("snapshot export failed",
					zap.String("run_id", runID), zap.Error(err))
			}
		}()
	}
	o.retire(r.ID)
}

func (o *Orchestrator) persistAudit(r *Run, status RunStatus) {
	if o.audits == nil {
		return
	}
	if err := o.audits.SaveAudit(context.Background(), r.ID, r.Req.ProjectID, status, r.audit(), r.State.Cost.Snapshot()); err != nil {
		logging.L().Error("audit persist failed", zap.String("run_id", r.ID), zap.Error(err))
	}
}

func (o *Orchestrator) notifyAsync(r *Run, event string, payload map[string]any) {
	if o.notifier == nil {
		return
	}
	notifier := o.notifier
	runID := r.ID
	go notifier.RunEvent(context.Background(), runID, event, payload)
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
