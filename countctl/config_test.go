package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
compaction:
  incremental_threshold: 8
  verify_snapshot: false
sharing:
  relay_url: ws://relay.example:8090/relay
  auth_token: token
`), 0o644)
	assert.Equal(t, nil, err)

	cfg, err := LoadConfig(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, "ws://relay.example:8090/relay", cfg.Sharing.RelayUrl)
	assert.Equal(t, "token", cfg.Sharing.AuthToken)
	// unset sections keep the defaults
	assert.Equal(t, ":8090", cfg.Relay.Addr)

	settings, err := cfg.DocumentStoreSettings()
	assert.Equal(t, nil, err)
	assert.Equal(t, 8, settings.Compaction.IncrementalThreshold)
	assert.Equal(t, false, settings.Compaction.VerifySnapshot)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	settings, err := cfg.DocumentStoreSettings()
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, settings.Compaction.IncrementalThreshold)
	assert.Equal(t, true, settings.Compaction.VerifySnapshot)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.NotEqual(t, nil, err)
}
