package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlement.yaml")
	yaml := `
database:
  driver: memory
billing:
  windowHours: 12
scheduler:
  tickSpec: "@every 2m"
stream:
  pollInterval: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SETTLEMENT_HTTP_PORT", "9100")
	t.Setenv("SETTLEMENT_REDIS_LOCK_TTL", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.HTTPAddress())
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, int64(12), cfg.Billing.WindowHours)
	assert.Equal(t, int64(7500), cfg.Billing.ProviderShareBP)
	assert.Equal(t, "@every 2m", cfg.Scheduler.TickSpec)
	assert.Equal(t, "@every 30s", cfg.Scheduler.BudgetSpec)
	assert.Equal(t, 2*time.Second, cfg.Stream.PollInterval)
	assert.Equal(t, 90*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, 10*time.Second, cfg.StopGrace())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{name: "memory driver", mutate: func(c *Config) { c.Database.Driver = DriverMemory }, ok: true},
		{name: "postgres without dsn", mutate: func(c *Config) {}, ok: false},
		{name: "postgres with dsn", mutate: func(c *Config) { c.Database.DSN = "postgres://localhost/settlement" }, ok: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Database.Driver = "sqlite" }, ok: false},
		{name: "share out of range", mutate: func(c *Config) {
			c.Database.Driver = DriverMemory
			c.Billing.ProviderShareBP = 12000
		}, ok: false},
		{name: "production needs secret", mutate: func(c *Config) {
			c.Database.Driver = DriverMemory
			c.Environment = "production"
		}, ok: false},
		{name: "default lock ttl outlives wipe", mutate: func(c *Config) {
			c.Database.Driver = DriverMemory
			c.Redis.Addr = "localhost:6379"
		}, ok: true},
		{name: "lock ttl shorter than wipe", mutate: func(c *Config) {
			c.Database.Driver = DriverMemory
			c.Redis.Addr = "localhost:6379"
			c.Redis.LockTTL = 30 * time.Second
		}, ok: false},
		{name: "lock ttl equal to wipe", mutate: func(c *Config) {
			c.Database.Driver = DriverMemory
			c.Redis.Addr = "localhost:6379"
			c.Redis.LockTTL = 90 * time.Second
			c.Orchestrator.WipeTimeout = 90 * time.Second
		}, ok: false},
		{name: "lock ttl ignored without redis", mutate: func(c *Config) {
			c.Database.Driver = DriverMemory
			c.Redis.LockTTL = time.Second
		}, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestHTTPAddress(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8090", cfg.HTTPAddress())
	cfg.HTTP.Port = ":7000"
	assert.Equal(t, ":7000", cfg.HTTPAddress())
	cfg.HTTP.Port = ""
	assert.Equal(t, ":8090", cfg.HTTPAddress())
}
