package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.StructureID = 1035466617946
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int32(10000003), cfg.RegionID)
	assert.Equal(t, 20, cfg.DoctrineTarget)
	assert.Equal(t, 30, cfg.HistoryLookback)
	assert.Equal(t, 5, cfg.MaxRetriesPerPage)
	assert.NotEmpty(t, cfg.UserAgent)
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.StructureID = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.UserAgent = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.HistoryConcurrency = MaxHistoryConcurrency + 1
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.HistoryConcurrency = 0
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.HistoryConcurrency)

	cfg = validConfig()
	cfg.HistoryLookback = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
structure_id: 1035466617946
region_id: 10000002
doctrine_target: 25
history_lookback_days: 14
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1035466617946), cfg.StructureID)
	assert.Equal(t, int32(10000002), cfg.RegionID)
	assert.Equal(t, 25, cfg.DoctrineTarget)
	assert.Equal(t, 14, cfg.HistoryLookback)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8, cfg.HistoryConcurrency)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("HUBSTOCK_STRUCTURE_ID", "42")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), cfg.StructureID)
	assert.Equal(t, int32(10000003), cfg.RegionID)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("structure_id: 1\nregion_id: 10000002\n"), 0o644))

	t.Setenv("HUBSTOCK_STRUCTURE_ID", "99")
	t.Setenv("ESI_CLIENT_ID", "client-from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(99), cfg.StructureID)
	assert.Equal(t, "client-from-env", cfg.ClientID)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
