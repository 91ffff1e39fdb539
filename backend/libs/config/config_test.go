package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	HTTP struct {
		Port string `yaml:"port" env:"SAMPLE_HTTP_PORT"`
	} `yaml:"http"`
	Billing struct {
		WindowHours int64         `yaml:"windowHours"`
		Grace       time.Duration `yaml:"grace"`
	} `yaml:"billing"`
	Origins []string `yaml:"origins" env:"SAMPLE_ORIGINS"`
	Ignored string   `env:"-"`
}

func TestLoadConfigFromFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  port: \"9000\"\nbilling:\n  windowHours: 12\n"), 0o600))

	t.Setenv("SAMPLE_HTTP_PORT", "9100")
	t.Setenv("BILLING_GRACE", "15s")
	t.Setenv("SAMPLE_ORIGINS", "a, b,,c")

	var cfg sampleConfig
	require.NoError(t, LoadConfigFrom(path, &cfg))

	assert.Equal(t, "9100", cfg.HTTP.Port)
	assert.Equal(t, int64(12), cfg.Billing.WindowHours)
	assert.Equal(t, 15*time.Second, cfg.Billing.Grace)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Origins)
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	var cfg sampleConfig
	assert.Error(t, LoadConfigFrom("", cfg))
	assert.Error(t, LoadConfigFrom("", nil))
}

func TestLoadConfigReportsBadValue(t *testing.T) {
	t.Setenv("BILLING_WINDOWHOURS", "many")
	var cfg sampleConfig
	err := LoadConfigFrom("", &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BILLING_WINDOWHOURS")
}
