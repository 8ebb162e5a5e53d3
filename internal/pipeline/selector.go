package pipeline

import (
	"os"

	"forgeline/internal/ai"
)

// Selector chooses the active provider for a step and the designated
// fallback tried once after the active provider fails.
type Selector struct {
	providers []ai.Config
}

// NewSelector creates a selector over the configured provider table.
func NewSelector(providers []ai.Config) *Selector {
	return &Selector{providers: providers}
}

func usable(cfg ai.Config) bool {
	return cfg.APIKey != "" || cfg.Kind == ai.KindOllama
}

// Active resolves the provider for a step: the provider flagged active
// with a credential, else the one flagged fallback with a credential,
// else an environment-default Anthropic credential if present.
func (s *Selector) Active() (ai.Config, error) {
	for _, cfg := range s.providers {
		if cfg.Active && usable(cfg) {
			return cfg, nil
		}
	}
	for _, cfg := range s.providers {
		if cfg.Fallback && usable(cfg) {
			return cfg, nil
		}
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return ai.Config{Kind: ai.KindClaude, APIKey: key}, nil
	}
	return ai.Config{}, &ai.ConfigError{Kind: "none", Reason: "no provider with a credential configured"}
}

// Fallback returns the designated fallback provider, if one distinct from
// the active provider is configured with a credential.
func (s *Selector) Fallback() (ai.Config, bool) {
	active, err := s.Active()
	if err != nil {
		return ai.Config{}, false
	}
	for _, cfg := range s.providers {
		if cfg.Fallback && usable(cfg) && cfg.Kind != active.Kind {
			return cfg, true
		}
	}
	return ai.Config{}, false
}
