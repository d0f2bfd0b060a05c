package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dataDir := t.TempDir()
	cfg, err := Load(Config{DataDir: dataDir})
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Address)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, 110, cfg.MaxPods)
	assert.Equal(t, filepath.Join(dataDir, "config", "krustlet.crt"), cfg.CertFile)
	assert.Equal(t, filepath.Join(dataDir, "config", "krustlet.key"), cfg.PrivateKeyFile)
}

func TestLoadFilePrecedence(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "config"), 0700))

	fileCfg := Config{Port: 4000, MaxPods: 50}
	data, err := json.Marshal(fileCfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "config", "config.json"), data, 0600))

	cfg, err := Load(Config{DataDir: dataDir})
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, 50, cfg.MaxPods)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "config"), 0700))

	data, err := json.Marshal(Config{Port: 4000})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "config", "config.json"), data, 0600))

	t.Setenv("KRUSTLET_PORT", "5000")

	cfg, err := Load(Config{DataDir: dataDir})
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Port)
}

func TestLoadCLIOverridesEnv(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("KRUSTLET_PORT", "5000")

	cfg, err := Load(Config{DataDir: dataDir, Port: 6000})
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Port)
}

func TestParseLabels(t *testing.T) {
	labels := parseLabels("tier=edge, zone=us-east-1,malformed")
	assert.Equal(t, map[string]string{"tier": "edge", "zone": "us-east-1"}, labels)
}
