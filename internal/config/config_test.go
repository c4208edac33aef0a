package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/named-data/dsu/internal/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "state", cfg.StateFile)
	require.Equal(t, 7376, cfg.Repo.Port)
}

func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dsu.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
deployment_prefix: /org/openmhealth
producer_prefix: dsu
repo:
  host: repo.local
  port: 9000
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/org/openmhealth", cfg.DeploymentPrefix)
	require.Equal(t, "repo.local:9000", cfg.RepoAddr())
}
