package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeline/internal/ai"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8090", cfg.Port)
	assert.Equal(t, 75*time.Second, cfg.StepTimeout)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	require.Len(t, cfg.Providers, 4)
}

func TestLoadProviderFlags(t *testing.T) {
	t.Setenv("ACTIVE_PROVIDER", "gpt4")
	t.Setenv("FALLBACK_PROVIDER", "claude")

	cfg, err := Load()
	require.NoError(t, err)

	byKind := map[ai.Kind]ai.Config{}
	for _, p := range cfg.Providers {
		byKind[p.Kind] = p
	}
	assert.True(t, byKind[ai.KindGPT4].Active)
	assert.False(t, byKind[ai.KindGPT4].Fallback)
	assert.True(t, byKind[ai.KindClaude].Fallback)
	assert.False(t, byKind[ai.KindClaude].Active)
	assert.False(t, byKind[ai.KindGemini].Active)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STEP_TIMEOUT", "30s")
	t.Setenv("STEP_MAX_ATTEMPTS", "5")
	t.Setenv("PORT", "9000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.StepTimeout)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, "9000", cfg.Port)
}

func TestLoadRejectsZeroAttempts(t *testing.T) {
	t.Setenv("STEP_MAX_ATTEMPTS", "0")
	_, err := Load()
	assert.Error(t, err)
}
