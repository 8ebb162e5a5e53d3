// Package ai implements the provider gateway: a uniform interface for
// invoking an LLM provider with a prompt, a system instruction, and
// optional images, returning raw text plus token/cost usage.
//
// The gateway performs no retry; retry, timeout, and fallback policy
// belong to the pipeline step executor.
package ai

import (
	"context"
	"fmt"
)

// Kind identifies an interchangeable provider backend.
type Kind string

const (
	KindClaude Kind = "claude"
	KindGPT4   Kind = "gpt4"
	KindGemini Kind = "gemini"
	KindOllama Kind = "ollama"
)

// Config identifies one configured provider. Read-only during a run.
type Config struct {
	Kind     Kind   `json:"kind"`
	APIKey   string `json:"-"`
	Model    string `json:"model"`
	BaseURL  string `json:"base_url,omitempty"`
	Active   bool   `json:"active"`
	Fallback bool   `json:"fallback"`
}

// Image is a binary attachment forwarded to providers that accept them.
type Image struct {
	MediaType string
	Data      []byte // raw bytes, base64-encoded at the wire boundary
}

// Usage reports token counts and raw USD cost for one call.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Provider     Kind    `json:"provider"`
	Model        string  `json:"model"`
}

// Completion is the raw result of one provider call.
type Completion struct {
	Text  string
	Usage Usage
}

// Gateway invokes a configured provider. Implementations must be safe for
// concurrent use by independent runs.
type Gateway interface {
	Invoke(ctx context.Context, cfg Config, prompt, system string, images []Image) (*Completion, error)
}

// ConfigError indicates a provider is not usable as configured. Never
// retried; the affected step fails immediately.
type ConfigError struct {
	Kind   Kind
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Reason)
}

// ProviderError carries a transport or provider-reported failure,
// including timeouts. Retryable by the step executor.
type ProviderError struct {
	Kind    Kind
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, e.Message)
}
