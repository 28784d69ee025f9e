package main

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"bringyour.com/cloudcount/docstore"
)

const DefaultConfigPath = "~/.countctl/config.yaml"

type Config struct {
	Compaction CompactionConfig `yaml:"compaction"`
	Sharing    SharingConfig    `yaml:"sharing"`
	Relay      RelayConfig      `yaml:"relay"`
}

type CompactionConfig struct {
	IncrementalThreshold int   `yaml:"incremental_threshold"`
	VerifySnapshot       *bool `yaml:"verify_snapshot"`
}

type SharingConfig struct {
	RelayUrl  string `yaml:"relay_url"`
	AuthToken string `yaml:"auth_token,omitempty"`
}

type RelayConfig struct {
	Addr   string `yaml:"addr"`
	Secret string `yaml:"secret,omitempty"`
	// 0 keeps the relay default
	MaxBlobsPerDocument int `yaml:"max_blobs_per_document"`
}

func DefaultConfig() *Config {
	return &Config{
		Sharing: SharingConfig{
			RelayUrl: "ws://127.0.0.1:8090/relay",
		},
		Relay: RelayConfig{
			Addr: ":8090",
		},
	}
}

// LoadConfig reads the YAML config at `path`. A missing file at the default
// path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath
	}
	path, err := expandUserPath(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (self *Config) DocumentStoreSettings() (*docstore.DocumentStoreSettings, error) {
	settings := docstore.DefaultDocumentStoreSettings()
	if 0 < self.Compaction.IncrementalThreshold {
		settings.Compaction.IncrementalThreshold = self.Compaction.IncrementalThreshold
	}
	if self.Compaction.VerifySnapshot != nil {
		settings.Compaction.VerifySnapshot = *self.Compaction.VerifySnapshot
	}
	if err := settings.Compaction.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func expandUserPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
