package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEngineConfigIsValid(t *testing.T) {
	cfg := DefaultEngineConfig("/repo")
	loader := NewConfigLoader("KHE_TEST")
	require.NoError(t, loader.validate(cfg))
}

func TestLoadEngineConfigAppliesYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
graph_dir: custom-graphs
concurrency: 8
log_level: debug
`), 0o644))

	cfg, err := LoadEngineConfig("KHE_TEST", dir, configFile)
	require.NoError(t, err)

	assert.Equal(t, "custom-graphs", cfg.GraphDir)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Fields the file doesn't mention keep their defaults.
	assert.Equal(t, "hooks", cfg.HooksDir)
}

func TestLoadEngineConfigMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadEngineConfig("KHE_TEST", dir, filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultEngineConfig(dir).GraphDir, cfg.GraphDir)
}

func TestLoadEngineConfigEnvOverridesWin(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KHE_TEST_CONCURRENCY", "16")
	t.Setenv("KHE_TEST_LOG_LEVEL", "warn")

	cfg, err := LoadEngineConfig("KHE_TEST", dir, "")
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Concurrency)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidatorRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultEngineConfig("/repo")
	cfg.LogLevel = "verbose"
	loader := NewConfigLoader("KHE_TEST")
	err := loader.validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LogLevel")
}

func TestValidatorRejectsNonPositiveDurations(t *testing.T) {
	cfg := DefaultEngineConfig("/repo")
	cfg.StepTimeout = 0
	loader := NewConfigLoader("KHE_TEST")
	err := loader.validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "StepTimeout")
}

func TestEnvConfigGetDurationFallsBackOnParseFailure(t *testing.T) {
	ec := NewEnvConfig("KHE_TEST")
	t.Setenv("KHE_TEST_BAD_DURATION", "not-a-duration")
	assert.Equal(t, 5*time.Second, ec.GetDuration("BAD_DURATION", 5*time.Second))
}

func TestEnvConfigGetStringSliceSplitsAndTrims(t *testing.T) {
	ec := NewEnvConfig("KHE_TEST")
	t.Setenv("KHE_TEST_LIST", "a, b ,c")
	assert.Equal(t, []string{"a", "b", "c"}, ec.GetStringSlice("LIST", nil))
}
