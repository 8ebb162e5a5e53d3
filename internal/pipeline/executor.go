package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/ai"
	"forgeline/internal/decode"
	"forgeline/internal/logging"
	"forgeline/internal/metrics"
)

// StepKind names one logical pipeline step.
type StepKind string

const (
	StepDecision     StepKind = "decision"
	StepRequirements StepKind = "requirements"
	StepPhasePlan    StepKind = "phase_plan"
	StepDesign       StepKind = "design"
	StepFilePlan     StepKind = "file_plan"
	StepBuild        StepKind = "build"
	StepSchema       StepKind = "schema"
	StepQA           StepKind = "qa"
	StepRepair       StepKind = "repair"
)

// ErrCancelled reports that the run's cancellation token was observed.
// Never conflated with a step failure.
var ErrCancelled = errors.New("run cancelled")

// StepFailedError is the terminal per-step failure after retries and the
// fallback attempt are exhausted.
type StepFailedError struct {
	Step    StepKind
	LastErr error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.Step, e.LastErr)
}

func (e *StepFailedError) Unwrap() error { return e.LastErr }

// StepOutcome carries the usage and billing tag of a successful step.
type StepOutcome struct {
	Usage  ai.Usage
	OpType string // step kind, or "<kind>_fallback" for a fallback success
}

// RetryNotice is invoked before each retry so the caller can surface
// progress. attemptsRemaining counts attempts still available.
type RetryNotice func(message string, attemptsRemaining int)

// StepExecutor runs one logical step against the gateway with a wall-clock
// timeout, bounded retries with strictly increasing backoff, cancellation
// checks before every attempt, and one fallback-provider attempt after the
// active provider is exhausted.
type StepExecutor struct {
	gateway     ai.Gateway
	selector    *Selector
	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration

	// wait blocks for d or until cancel fires; returns false on cancel.
	// Replaceable in tests.
	wait func(d time.Duration, cancel *CancelToken) bool
}

// NewStepExecutor creates an executor with the given policy. maxAttempts
// is the total attempt budget against the active provider.
func NewStepExecutor(gateway ai.Gateway, selector *Selector, timeout time.Duration, maxAttempts int, backoffBase time.Duration) *StepExecutor {
	return &StepExecutor{
		gateway:     gateway,
		selector:    selector,
		timeout:     timeout,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		wait: func(d time.Duration, cancel *CancelToken) bool {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return true
			case <-cancel.Done():
				return false
			}
		},
	}
}

// Run executes one step and decodes its JSON result into result. A decode
// failure is a retryable step failure: the same malformed text replayed
// would fail identically, so the whole step retries with a fresh call.
func (e *StepExecutor) Run(ctx context.Context, cancel *CancelToken, kind StepKind, prompt, system string, images []ai.Image, result any, onRetry RetryNotice) (*StepOutcome, error) {
	start := time.Now()
	outcome, err := e.run(ctx, cancel, kind, prompt, system, images, result, onRetry)
	label := "success"
	switch {
	case errors.Is(err, ErrCancelled):
		label = "cancelled"
	case err != nil:
		label = "failed"
	}
	metrics.Get().ObserveStep(string(kind), label, time.Since(start))
	return outcome, err
}

func (e *StepExecutor) run(ctx context.Context, cancel *CancelToken, kind StepKind, prompt, system string, images []ai.Image, result any, onRetry RetryNotice) (*StepOutcome, error) {
	active, err := e.selector.Active()
	if err != nil {
		return nil, &StepFailedError{Step: kind, LastErr: err}
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if cancel.Cancelled() {
			return nil, ErrCancelled
		}

		usage, err := e.attempt(ctx, active, prompt, system, images, result)
		if err == nil {
			return &StepOutcome{Usage: usage, OpType: string(kind)}, nil
		}
		lastErr = err

		var ce *ai.ConfigError
		if errors.As(err, &ce) {
			// misconfiguration cannot heal between attempts
			break
		}

		if attempt < e.maxAttempts {
			remaining := e.maxAttempts - attempt
			if onRetry != nil {
				onRetry(err.Error(), remaining)
			}
			metrics.Get().RetriesTotal.WithLabelValues(string(kind)).Inc()
			logging.L().Warn("step attempt failed, retrying",
				zap.String("step", string(kind)),
				zap.Int("attempt", attempt),
				zap.Int("remaining", remaining),
				zap.Error(err))
			// strictly increasing backoff: attempt * base
			if !e.wait(time.Duration(attempt)*e.backoffBase, cancel) {
				return nil, ErrCancelled
			}
		}
	}

	// One fallback-provider attempt before the step is considered failed.
	if fb, ok := e.selector.Fallback(); ok {
		if cancel.Cancelled() {
			return nil, ErrCancelled
		}
		metrics.Get().FallbacksTotal.WithLabelValues(string(kind), string(fb.Kind)).Inc()
		logging.L().Info("trying fallback provider",
			zap.String("step", string(kind)),
			zap.String("provider", string(fb.Kind)))
		usage, err := e.attempt(ctx, fb, prompt, system, images, result)
		if err == nil {
			return &StepOutcome{Usage: usage, OpType: string(kind) + "_fallback"}, nil
		}
		lastErr = err
	}

	return nil, &StepFailedError{Step: kind, LastErr: lastErr}
}

// attempt performs one gateway call with the per-step timeout and decodes
// the result. Timeout expiry surfaces from the HTTP client as a provider
// error, so it follows the same retry path.
func (e *StepExecutor) attempt(ctx context.Context, cfg ai.Config, prompt, system string, images []ai.Image, result any) (ai.Usage, error) {
	callCtx, cancelFn := context.WithTimeout(ctx, e.timeout)
	defer cancelFn()

	completion, err := e.gateway.Invoke(callCtx, cfg, prompt, system, images)
	if err != nil {
		return ai.Usage{}, err
	}
	if err := decodeFresh(completion.Text, result); err != nil {
		return ai.Usage{}, err
	}
	metrics.Get().ObserveUsage(string(completion.Usage.Provider),
		completion.Usage.InputTokens, completion.Usage.OutputTokens, completion.Usage.CostUSD)
	return completion.Usage, nil
}

// decodeFresh unmarshals into a new value of result's type and assigns
// it only on success. Unmarshal populates fields in document order
// before reporting a type error, so decoding straight into result would
// let a failed attempt leak partial state into a later winning attempt.
func decodeFresh(text string, result any) error {
	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return decode.Into(text, result)
	}
	fresh := reflect.New(rv.Elem().Type())
	if err := decode.Into(text, fresh.Interface()); err != nil {
		return err
	}
	rv.Elem().Set(fresh.Elem())
	return nil
}
