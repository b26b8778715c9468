package cmd

import (
	"bytes"
	_ "embed"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/graphprof/graph/profile"
)

const (
	configFile    = "graphprof.yaml"
	userConfigDir = ".graphprof"
	userConfig    = "config.yaml"
)

//go:embed defaults.yaml
var embeddedDefaults []byte

// Config represents the full graphprof.yaml structure.
// All top-level sections must be listed to satisfy KnownFields(true) strict parsing.
type Config struct {
	Version  string                           `yaml:"version"`
	Hardware map[string]profile.HardwareCalib `yaml:"hardware"`
	Defaults Defaults                         `yaml:"defaults"`
}

// Defaults holds the values used when the matching flag is not set.
type Defaults struct {
	Hardware            string           `yaml:"hardware"`
	Seed                int64            `yaml:"seed"`
	Repeat              int              `yaml:"repeat"`
	Workers             int              `yaml:"workers"`
	RewriteBudgetFactor int              `yaml:"rewrite_budget_factor"`
	FoldLimit           int              `yaml:"fold_limit"`
	Symbols             map[string]int64 `yaml:"symbols"`
}

// parseConfig decodes a config with strict field checking: typos must cause errors.
func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "parse config YAML")
	}
	return &cfg, nil
}

// resolveConfigPath finds the config file to use.
// Resolution order: explicit flag > ./graphprof.yaml > ~/.graphprof/config.yaml.
// An empty path means the embedded defaults.
func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	if _, err := os.Stat(configFile); err == nil {
		return configFile
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, userConfigDir, userConfig)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadConfig reads the resolved config. Fields a file leaves empty fall
// back to the embedded defaults.
func loadConfig(explicitPath string) (*Config, error) {
	base, err := parseConfig(embeddedDefaults)
	if err != nil {
		return nil, errors.Wrap(err, "embedded defaults")
	}
	path := resolveConfigPath(explicitPath)
	if path == "" {
		logrus.Debugf("[config] using embedded defaults")
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %q", path)
	}
	cfg, err := parseConfig(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %q", path)
	}
	logrus.Debugf("[config] using %s", path)
	return mergeConfig(base, cfg), nil
}

func mergeConfig(base, over *Config) *Config {
	out := *base
	if over.Version != "" {
		out.Version = over.Version
	}
	out.Hardware = make(map[string]profile.HardwareCalib, len(base.Hardware)+len(over.Hardware))
	for k, v := range base.Hardware {
		out.Hardware[k] = v
	}
	for k, v := range over.Hardware {
		out.Hardware[k] = v
	}
	d := over.Defaults
	if d.Hardware != "" {
		out.Defaults.Hardware = d.Hardware
	}
	if d.Seed != 0 {
		out.Defaults.Seed = d.Seed
	}
	if d.Repeat != 0 {
		out.Defaults.Repeat = d.Repeat
	}
	if d.Workers != 0 {
		out.Defaults.Workers = d.Workers
	}
	if d.RewriteBudgetFactor != 0 {
		out.Defaults.RewriteBudgetFactor = d.RewriteBudgetFactor
	}
	if d.FoldLimit != 0 {
		out.Defaults.FoldLimit = d.FoldLimit
	}
	if len(d.Symbols) > 0 {
		out.Defaults.Symbols = d.Symbols
	}
	return &out
}
