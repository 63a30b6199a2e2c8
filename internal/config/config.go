// Package config loads the engine's tuning knobs from YAML, grounded on
// the format the teacher already uses for fixture files
// (internal/testhelper), generalized from test fixtures to a runtime
// configuration schema: page size, buffer pool capacity, journal block
// size, commit policy, IO meter threshold, and the set of volumes to open
// at startup.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// VolumeConfig names one volume to open at startup.
type VolumeConfig struct {
	Name           string `yaml:"name"`
	Path           string `yaml:"path"`
	BufferSize     int    `yaml:"bufferSize"`
	InitialPages   uint64 `yaml:"initialPages"`
	ExtensionPages uint64 `yaml:"extensionPages"`
	MaximumPages   uint64 `yaml:"maximumPages"`
	ReadOnly       bool   `yaml:"readOnly"`
	Create         bool   `yaml:"create"`
	Temporary      bool   `yaml:"temporary"`
}

// Config is the top-level engine configuration document (§4.8's
// "configuration" ambient concern).
type Config struct {
	PageSize               int            `yaml:"pageSize"`
	BufferFrames            int            `yaml:"bufferFrames"`
	JournalDir              string         `yaml:"journalDir"`
	JournalPrefix           string         `yaml:"journalPrefix"`
	JournalBlockSize        uint64         `yaml:"journalBlockSize"`
	FlushIntervalMillis     int            `yaml:"flushIntervalMillis"`
	CheckpointCron          string         `yaml:"checkpointCron"`
	QuiescentThresholdKBps  float64        `yaml:"quiescentThresholdKBps"`
	CommitPolicy            string         `yaml:"commitPolicy"`
	Volumes                 []VolumeConfig `yaml:"volumes"`
	ManagementListenAddr    string         `yaml:"managementListenAddr"`
	LogLevel                string         `yaml:"logLevel"`
}

// Default returns the configuration Parse starts from, so it is what an
// empty YAML document produces. The journal block size, flush interval
// and quiescent threshold equal internal/journal's own fallbacks;
// BufferFrames and PageSize differ from the fallbacks of internal/buffer
// (1024 frames) and internal/exchange (16384-byte pages).
func Default() Config {
	return Config{
		PageSize:               8192,
		BufferFrames:           4096,
		JournalPrefix:          "persistit",
		JournalBlockSize:       256 << 20,
		FlushIntervalMillis:    50,
		QuiescentThresholdKBps: 100,
		CommitPolicy:           "hard",
		LogLevel:               "info",
	}
}

// Load reads and parses a YAML configuration file, filling any field left
// unset in the document with Default()'s values.
func Load(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(buf)
}

// Parse decodes a YAML document into a Config, applying defaults for
// zero-valued fields.
func Parse(buf []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants Unmarshal alone can't express.
func (c Config) Validate() error {
	switch c.CommitPolicy {
	case "hard", "group", "commit":
	default:
		return fmt.Errorf("config: unrecognized commitPolicy %q", c.CommitPolicy)
	}
	for _, v := range c.Volumes {
		if v.Name == "" || v.Path == "" {
			return fmt.Errorf("config: volume entry missing name or path: %+v", v)
		}
	}
	return nil
}
