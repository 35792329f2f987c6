package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubstock/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execRoot(t *testing.T, args ...string) *config.Config {
	t.Helper()
	var got *config.Config
	cmd := newRootCmd(func(ctx context.Context, cfg *config.Config, once bool, interval time.Duration) error {
		got = cfg
		return nil
	})
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	require.NotNil(t, got)
	return got
}

func TestHistFlagLeavesConfigValueWhenUnset(t *testing.T) {
	path := writeConfig(t, "structure_id: 42\nfresh_history: false\n")
	cfg := execRoot(t, "--config", path)
	assert.False(t, cfg.FreshHistory)

	path = writeConfig(t, "structure_id: 42\nfresh_history: true\n")
	cfg = execRoot(t, "--config", path)
	assert.True(t, cfg.FreshHistory)
}

func TestHistFlagOverridesConfigWhenSet(t *testing.T) {
	path := writeConfig(t, "structure_id: 42\nfresh_history: true\n")
	cfg := execRoot(t, "--config", path, "--hist=false")
	assert.False(t, cfg.FreshHistory)

	path = writeConfig(t, "structure_id: 42\nfresh_history: false\n")
	cfg = execRoot(t, "--config", path, "--hist")
	assert.True(t, cfg.FreshHistory)
}
