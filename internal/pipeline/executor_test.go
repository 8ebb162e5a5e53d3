package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/ai"
	"forgeline/internal/decode"
)

// fakeGateway scripts provider responses. Responses are served per
// provider kind, falling back to the default queue.
type fakeGateway struct {
	mu       sync.Mutex
	calls    []ai.Config
	byKind   map[ai.Kind]func(call int) (string, error)
	kindHits map[ai.Kind]int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		byKind:   make(map[ai.Kind]func(int) (string, error)),
		kindHits: make(map[ai.Kind]int),
	}
}

func (f *fakeGateway) respond(kind ai.Kind, fn func(call int) (string, error)) {
	f.byKind[kind] = fn
}

func (f *fakeGateway) Invoke(_ context.Context, cfg ai.Config, _, _ string, _ []ai.Image) (*ai.Completion, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cfg)
	f.kindHits[cfg.Kind]++
	n := f.kindHits[cfg.Kind]
	fn := f.byKind[cfg.Kind]
	f.mu.Unlock()

	if fn == nil {
		return nil, &ai.ProviderError{Kind: cfg.Kind, Message: "unscripted provider"}
	}
	text, err := fn(n)
	if err != nil {
		return nil, err
	}
	return &ai.Completion{
		Text: text,
		Usage: ai.Usage{
			InputTokens:  100,
			OutputTokens: 50,
			CostUSD:      0.01,
			Provider:     cfg.Kind,
			Model:        "test-model",
		},
	}, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testProviders() []ai.Config {
	return []ai.Config{
		{Kind: ai.KindClaude, APIKey: "primary-key", Active: true},
		{Kind: ai.KindGemini, APIKey: "fallback-key", Fallback: true},
	}
}

// newTestExecutor returns an executor with recorded, non-sleeping backoff.
func newTestExecutor(gw ai.Gateway, providers []ai.Config) (*StepExecutor, *[]time.Duration) {
	ex := NewStepExecutor(gw, NewSelector(providers), time.Second, 3, 2*time.Second)
	waits := &[]time.Duration{}
	ex.wait = func(d time.Duration, cancel *CancelToken) bool {
		*waits = append(*waits, d)
		return !cancel.Cancelled()
	}
	return ex, waits
}

func TestExecutorSuccessFirstAttempt(t *testing.T) {
	gw := newFakeGateway()
	gw.respond(ai.KindClaude, func(int) (string, error) { return `{"strategy": "spa", "summary": "ok"}`, nil })
	ex, waits := newTestExecutor(gw, testProviders())

	var out struct {
		Strategy string `json:"strategy"`
	}
	res, err := ex.Run(context.Background(), NewCancelToken(), StepDecision, "p", "s", nil, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, "spa", out.Strategy)
	assert.Equal(t, "decision", res.OpType)
	assert.Equal(t, 100, res.Usage.InputTokens)
	assert.Empty(t, *waits)
}

func TestExecutorRetriesInvalidJSONThenSucceeds(t *testing.T) {
	gw := newFakeGateway()
	gw.respond(ai.KindClaude, func(call int) (string, error) {
		if call < 3 {
			return `{"files": [{"path": "a.js", "content": "trunca`, nil
		}
		return `{"files": [{"path": "a.js", "action": "create", "content": "final"}], "explanation": "done"}`, nil
	})
	ex, waits := newTestExecutor(gw, testProviders())

	var retries []int
	onRetry := func(msg string, remaining int) { retries = append(retries, remaining) }

	var out struct {
		Files []struct {
			Content string `json:"content"`
		} `json:"files"`
	}
	_, err := ex.Run(context.Background(), NewCancelToken(), StepBuild, "p", "s", nil, &out, onRetry)
	require.NoError(t, err)

	// attempts 1 and 2 failed decode, attempt 3 won; onError fired twice
	assert.Equal(t, []int{2, 1}, retries)
	assert.Equal(t, "final", out.Files[0].Content)
	assert.Equal(t, 3, gw.callCount())
	// strictly increasing backoff between attempts
	require.Len(t, *waits, 2)
	assert.Equal(t, 2*time.Second, (*waits)[0])
	assert.Equal(t, 4*time.Second, (*waits)[1])
	assert.Greater(t, (*waits)[1], (*waits)[0])
}

func TestExecutorResultReflectsWinningAttemptOnly(t *testing.T) {
	gw := newFakeGateway()
	gw.respond(ai.KindClaude, func(call int) (string, error) {
		if call == 1 {
			// status is populated before the issues field fails the decode
			return `{"status": "ghost", "issues": "not-a-list"}`, nil
		}
		return `{"issues": []}`, nil
	})
	ex, _ := newTestExecutor(gw, testProviders())

	var out decode.QAResult
	_, err := ex.Run(context.Background(), NewCancelToken(), StepQA, "p", "s", nil, &out, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, gw.callCount())

	// nothing the failed attempt wrote survives into the final result
	assert.Empty(t, out.Status)
	assert.NotNil(t, out.Issues)
	assert.Empty(t, out.Issues)
}

func TestExecutorRetryBoundThenFallback(t *testing.T) {
	gw := newFakeGateway()
	gw.respond(ai.KindClaude, func(int) (string, error) {
		return "", &ai.ProviderError{Kind: ai.KindClaude, Status: 503, Message: "overloaded"}
	})
	gw.respond(ai.KindGemini, func(int) (string, error) { return `{"ok": true}`, nil })
	ex, _ := newTestExecutor(gw, testProviders())

	var out map[string]any
	res, err := ex.Run(context.Background(), NewCancelToken(), StepQA, "p", "s", nil, &out, nil)
	require.NoError(t, err)

	// exactly maxAttempts against active, exactly one fallback attempt
	assert.Equal(t, 3, gw.kindHits[ai.KindClaude])
	assert.Equal(t, 1, gw.kindHits[ai.KindGemini])
	// fallback calls carry a distinct billing tag
	assert.Equal(t, "qa_fallback", res.OpType)
}

func TestExecutorFailsAfterFallbackExhausted(t *testing.T) {
	gw := newFakeGateway()
	gw.respond(ai.KindClaude, func(int) (string, error) {
		return "", &ai.ProviderError{Kind: ai.KindClaude, Message: "down"}
	})
	gw.respond(ai.KindGemini, func(int) (string, error) {
		return "", &ai.ProviderError{Kind: ai.KindGemini, Message: "also down"}
	})
	ex, _ := newTestExecutor(gw, testProviders())

	var out map[string]any
	_, err := ex.Run(context.Background(), NewCancelToken(), StepDesign, "p", "s", nil, &out, nil)

	var sf *StepFailedError
	require.Error(t, err)
	require.True(t, errors.As(err, &sf))
	assert.Equal(t, StepDesign, sf.Step)
	assert.Equal(t, 4, gw.callCount())
}

func TestExecutorConfigErrorNotRetried(t *testing.T) {
	gw := newFakeGateway()
	gw.respond(ai.KindClaude, func(int) (string, error) {
		return "", &ai.ConfigError{Kind: ai.KindClaude, Reason: "no API key configured"}
	})
	providers := []ai.Config{{Kind: ai.KindClaude, APIKey: "k", Active: true}}
	ex, waits := newTestExecutor(gw, providers)

	var out map[string]any
	_, err := ex.Run(context.Background(), NewCancelToken(), StepDecision, "p", "s", nil, &out, nil)
	require.Error(t, err)
	assert.Equal(t, 1, gw.callCount())
	assert.Empty(t, *waits)
}

func TestExecutorCancelledBeforeAttempt(t *testing.T) {
	gw := newFakeGateway()
	gw.respond(ai.KindClaude, func(int) (string, error) { return `{"ok": true}`, nil })
	ex, _ := newTestExecutor(gw, testProviders())

	token := NewCancelToken()
	token.Cancel()

	var out map[string]any
	_, err := ex.Run(context.Background(), token, StepDecision, "p", "s", nil, &out, nil)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, gw.callCount())
}

func TestExecutorCancelledDuringBackoff(t *testing.T) {
	gw := newFakeGateway()
	gw.respond(ai.KindClaude, func(int) (string, error) {
		return "", &ai.ProviderError{Kind: ai.KindClaude, Message: "boom"}
	})
	ex, _ := newTestExecutor(gw, testProviders())

	token := NewCancelToken()
	ex.wait = func(d time.Duration, cancel *CancelToken) bool {
		token.Cancel()
		return false
	}

	var out map[string]any
	_, err := ex.Run(context.Background(), token, StepDecision, "p", "s", nil, &out, nil)
	assert.ErrorIs(t, err, ErrCancelled)
	// no further attempts, and no fallback, once cancelled
	assert.Equal(t, 1, gw.callCount())
}
