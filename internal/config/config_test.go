package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, "localhost", cfg.Bus.Host)
	require.Equal(t, 7892, cfg.Bus.Port)
	require.Equal(t, 20, cfg.Agent.MaxSteps)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  host: \"0.0.0.0\"\n  port: 9999\nagent:\n  max_steps: 5\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Bus.Host)
	require.Equal(t, 9999, cfg.Bus.Port)
	require.Equal(t, 5, cfg.Agent.MaxSteps)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bus:\n  port: 9999\n"), 0o644))

	t.Setenv("BUB_BUS_PORT", "1111")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1111, cfg.Bus.Port)
}

func TestFlagsOverrideEverything(t *testing.T) {
	t.Setenv("BUB_AGENT_MODEL", "env-model")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "env-model", cfg.Agent.Model)

	cfg.ApplyFlags(Flags{Model: "flag-model"})
	require.Equal(t, "flag-model", cfg.Agent.Model)
}

func TestResolveAPIKeyFallsBackToEnv(t *testing.T) {
	t.Setenv("LLM_API_KEY", "fallback-key")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "fallback-key", cfg.Agent.APIKey)
}
