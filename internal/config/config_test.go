package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	return NewManager(filepath.Join(dir, "config.yaml"), nil)
}

func TestForceReloadWritesDefaultsOnFirstRun(t *testing.T) {
	m := tempManager(t)

	cfg, err := m.ForceReload()
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)

	data, err := os.ReadFile(m.path)
	require.NoError(t, err)
	require.Contains(t, string(data), "rest_port: 7860")
}

func TestForceReloadDeepMergesPartialFile(t *testing.T) {
	m := tempManager(t)
	require.NoError(t, os.WriteFile(m.path, []byte("rest_port: 9000\nconversation_analysis:\n  model: gpt-4o\n"), 0o600))

	cfg, err := m.ForceReload()
	require.NoError(t, err)

	require.Equal(t, 9000, cfg.RESTPort)
	require.Equal(t, "gpt-4o", cfg.ConversationAnalysis.Model)
	// Everything else should still carry the compiled-in default.
	require.Equal(t, Defaults().MCPPort, cfg.MCPPort)
	require.Equal(t, Defaults().DecayRates, cfg.DecayRates)
	require.Equal(t, Defaults().ConversationAnalysis.Provider, cfg.ConversationAnalysis.Provider)
}

func TestGetCachesUntilForceReload(t *testing.T) {
	m := tempManager(t)

	first, err := m.Get()
	require.NoError(t, err)
	require.Equal(t, 7860, first.RESTPort)

	// Edit the file behind the manager's back; Get should still see the
	// cached value.
	require.NoError(t, os.WriteFile(m.path, []byte("rest_port: 1234\n"), 0o600))
	cached, err := m.Get()
	require.NoError(t, err)
	require.Equal(t, 7860, cached.RESTPort)

	reloaded, err := m.ForceReload()
	require.NoError(t, err)
	require.Equal(t, 1234, reloaded.RESTPort)
}

func TestApplyEnvOverridesOverlaysConfigValue(t *testing.T) {
	t.Setenv("MNESIS_REST_PORT", "5150")
	t.Setenv("MNESIS_CONVERSATION_ANALYSIS_PROVIDER", "ollama")

	cfg := Defaults()
	applyEnvOverrides(&cfg)

	require.Equal(t, 5150, cfg.RESTPort)
	require.Equal(t, "ollama", cfg.ConversationAnalysis.Provider)
}

func TestSaveRoundTripsThroughForceReload(t *testing.T) {
	m := tempManager(t)
	cfg := Defaults()
	cfg.ValidationMode = "strict"
	cfg.DecayRates.Working = 0.5

	require.NoError(t, m.Save(cfg))

	reloaded, err := m.ForceReload()
	require.NoError(t, err)
	require.Equal(t, "strict", reloaded.ValidationMode)
	require.Equal(t, 0.5, reloaded.DecayRates.Working)
}
