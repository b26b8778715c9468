package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and the working directory at empty temp dirs so no
// real config file is picked up.
func isolate(t *testing.T) (home, wd string) {
	t.Helper()
	home, wd = t.TempDir(), t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(wd)
	return home, wd
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestEmbeddedDefaults_Parse(t *testing.T) {
	cfg, err := parseConfig(embeddedDefaults)
	require.NoError(t, err)

	assert.Equal(t, "cpu", cfg.Defaults.Hardware)
	for name, hw := range cfg.Hardware {
		assert.NoError(t, hw.Validate(), name)
	}
	assert.Contains(t, cfg.Hardware, cfg.Defaults.Hardware, "default hardware must be calibrated")
}

func TestParseConfig_RejectsUnknownFields(t *testing.T) {
	// GIVEN a config with a typo in a defaults key
	data := []byte("defaults:\n  sede: 3\n")

	// WHEN parsed
	_, err := parseConfig(data)

	// THEN strict decoding fails
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sede")
}

func TestResolveConfigPath_Order(t *testing.T) {
	home, wd := isolate(t)

	// GIVEN no config files
	assert.Equal(t, "", resolveConfigPath(""))

	// WHEN only the user config exists
	user := filepath.Join(home, userConfigDir, userConfig)
	writeFile(t, user, "version: \"1\"\n")
	assert.Equal(t, user, resolveConfigPath(""))

	// WHEN a project config exists too, it wins
	writeFile(t, filepath.Join(wd, configFile), "version: \"1\"\n")
	assert.Equal(t, configFile, resolveConfigPath(""))

	// AND an explicit path beats both
	assert.Equal(t, "/some/where.yaml", resolveConfigPath("/some/where.yaml"))
}

func TestLoadConfig_MergesOverEmbedded(t *testing.T) {
	_, wd := isolate(t)
	// GIVEN a project config overriding one default and adding hardware
	writeFile(t, filepath.Join(wd, configFile), `
hardware:
  tiny:
    tflops_peak: 0.01
    bw_peak_tbs: 0.01
    bw_efficiency: 1
    mfu: 1
defaults:
  repeat: 9
  symbols: {S: 16}
`)

	// WHEN loaded
	cfg, err := loadConfig("")
	require.NoError(t, err)

	// THEN overrides apply and everything else keeps the embedded value
	assert.Equal(t, 9, cfg.Defaults.Repeat)
	assert.Equal(t, int64(42), cfg.Defaults.Seed)
	assert.Equal(t, map[string]int64{"S": 16}, cfg.Defaults.Symbols)
	assert.Contains(t, cfg.Hardware, "tiny")
	assert.Contains(t, cfg.Hardware, "H100")
}

func TestLoadConfig_MissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := loadConfig("does-not-exist.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does-not-exist.yaml")
}

func TestApplyDefaults_RespectsChangedFlags(t *testing.T) {
	// GIVEN a config whose defaults differ from the flag values
	cfg := &Config{Defaults: Defaults{Seed: 7, Repeat: 3, Workers: 4, Hardware: "H100"}}
	o := &options{seed: 99, repeat: 5, workers: 1, hardware: "cpu"}

	// WHEN only --seed was set by the user
	o.applyDefaults(cfg, func(name string) bool { return name == "seed" })

	// THEN the user's seed survives and the rest come from the config
	assert.Equal(t, int64(99), o.seed)
	assert.Equal(t, 3, o.repeat)
	assert.Equal(t, 4, o.workers)
	assert.Equal(t, "H100", o.hardware)
}
