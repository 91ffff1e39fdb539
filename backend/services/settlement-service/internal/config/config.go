package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "gpurental/backend/libs/config"
	"gpurental/backend/services/settlement-service/internal/scheduler"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config defines settlement service configuration.
type Config struct {
	Environment string `yaml:"environment" env:"SETTLEMENT_ENV"`

	HTTP struct {
		Port string `yaml:"port" env:"SETTLEMENT_HTTP_PORT"`
	} `yaml:"http"`

	Database struct {
		Driver          string        `yaml:"driver" env:"SETTLEMENT_DB_DRIVER"`
		DSN             string        `yaml:"dsn" env:"SETTLEMENT_DB_DSN"`
		MaxOpenConns    int           `yaml:"maxOpenConns" env:"SETTLEMENT_DB_MAX_OPEN_CONNS"`
		MaxIdleConns    int           `yaml:"maxIdleConns" env:"SETTLEMENT_DB_MAX_IDLE_CONNS"`
		ConnMaxLifetime time.Duration `yaml:"connMaxLifetime" env:"SETTLEMENT_DB_CONN_MAX_LIFETIME"`
		Migrate         bool          `yaml:"migrate" env:"SETTLEMENT_DB_MIGRATE"`
	} `yaml:"database"`

	Redis struct {
		Addr     string        `yaml:"addr" env:"SETTLEMENT_REDIS_ADDR"`
		Password string        `yaml:"password" env:"SETTLEMENT_REDIS_PASSWORD"`
		DB       int           `yaml:"db" env:"SETTLEMENT_REDIS_DB"`
		LockTTL  time.Duration `yaml:"lockTTL" env:"SETTLEMENT_REDIS_LOCK_TTL"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string        `yaml:"jwtSecret" env:"SETTLEMENT_JWT_SECRET"`
		TokenTTL  time.Duration `yaml:"tokenTTL" env:"SETTLEMENT_TOKEN_TTL"`
	} `yaml:"auth"`

	Docker struct {
		Host string `yaml:"host" env:"SETTLEMENT_DOCKER_HOST"`
	} `yaml:"docker"`

	Billing struct {
		WindowHours       int64  `yaml:"windowHours" env:"SETTLEMENT_BILLING_WINDOW_HOURS"`
		ProviderShareBP   int64  `yaml:"providerShareBp" env:"SETTLEMENT_BILLING_PROVIDER_SHARE_BP"`
		PlatformAccountID string `yaml:"platformAccountId" env:"SETTLEMENT_BILLING_PLATFORM_ACCOUNT"`
	} `yaml:"billing"`

	Jobs struct {
		StopGraceSeconds  int     `yaml:"stopGraceSeconds" env:"SETTLEMENT_JOBS_STOP_GRACE_SECONDS"`
		MemoryMB          int64   `yaml:"memoryMb" env:"SETTLEMENT_JOBS_MEMORY_MB"`
		CPUs              float64 `yaml:"cpus" env:"SETTLEMENT_JOBS_CPUS"`
		MaxEstimatedHours int64   `yaml:"maxEstimatedHours" env:"SETTLEMENT_JOBS_MAX_ESTIMATED_HOURS"`
		CodeMountTarget   string  `yaml:"codeMountTarget" env:"SETTLEMENT_JOBS_CODE_MOUNT_TARGET"`
	} `yaml:"jobs"`

	Orchestrator struct {
		WipeImage        string        `yaml:"wipeImage" env:"SETTLEMENT_WIPE_IMAGE"`
		ResidualMemoryMB float64       `yaml:"residualMemoryMb" env:"SETTLEMENT_WIPE_RESIDUAL_MEMORY_MB"`
		LogTailLines     int           `yaml:"logTailLines" env:"SETTLEMENT_LOG_TAIL_LINES"`
		ProbeTimeout     time.Duration `yaml:"probeTimeout" env:"SETTLEMENT_PROBE_TIMEOUT"`
		WipeTimeout      time.Duration `yaml:"wipeTimeout" env:"SETTLEMENT_WIPE_TIMEOUT"`
	} `yaml:"orchestrator"`

	Audit struct {
		Workers   int `yaml:"workers" env:"SETTLEMENT_AUDIT_WORKERS"`
		QueueSize int `yaml:"queueSize" env:"SETTLEMENT_AUDIT_QUEUE_SIZE"`
	} `yaml:"audit"`

	RateLimit struct {
		PerMinute int `yaml:"perMinute" env:"SETTLEMENT_RATE_LIMIT_PER_MINUTE"`
		Burst     int `yaml:"burst" env:"SETTLEMENT_RATE_LIMIT_BURST"`
	} `yaml:"rateLimit"`

	Stream struct {
		PollInterval time.Duration `yaml:"pollInterval" env:"SETTLEMENT_STREAM_POLL_INTERVAL"`
		WriteTimeout time.Duration `yaml:"writeTimeout" env:"SETTLEMENT_STREAM_WRITE_TIMEOUT"`
	} `yaml:"stream"`

	Scheduler scheduler.Config `yaml:"scheduler"`

	Payout struct {
		URL            string `yaml:"url" env:"SETTLEMENT_PAYOUT_URL"`
		TimeoutSeconds int    `yaml:"timeoutSeconds" env:"SETTLEMENT_PAYOUT_TIMEOUT"`
	} `yaml:"payout"`
}

// Load configuration via shared helper.
func Load() (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in settings before file and env overrides.
func Default() *Config {
	cfg := &Config{Environment: "development"}
	cfg.HTTP.Port = "8090"
	cfg.Database.Driver = DriverPostgres
	cfg.Database.Migrate = true
	cfg.Auth.TokenTTL = time.Hour
	cfg.Billing.WindowHours = 24
	cfg.Billing.ProviderShareBP = 7500
	cfg.Billing.PlatformAccountID = "platform"
	cfg.Jobs.StopGraceSeconds = 10
	cfg.Jobs.MemoryMB = 16384
	cfg.Jobs.CPUs = 4
	cfg.Jobs.MaxEstimatedHours = 720
	cfg.Jobs.CodeMountTarget = "/workspace"
	cfg.Audit.Workers = 2
	cfg.Audit.QueueSize = 1024
	cfg.RateLimit.PerMinute = 600
	cfg.RateLimit.Burst = 60
	cfg.Stream.PollInterval = 5 * time.Second
	cfg.Stream.WriteTimeout = 10 * time.Second
	cfg.Scheduler = scheduler.Config{
		TickSpec:    "@every 1m",
		BudgetSpec:  "@every 30s",
		ClosingSpec: "@every 5m",
	}
	cfg.Payout.TimeoutSeconds = 5
	return cfg
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres:
		if strings.TrimSpace(c.Database.DSN) == "" {
			return errors.New("config: database dsn required for postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Billing.ProviderShareBP <= 0 || c.Billing.ProviderShareBP > 10000 {
		return errors.New("config: billing provider share must be within 1..10000 basis points")
	}
	if c.Production() && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("config: jwt secret required in production")
	}
	if c.Redis.Addr != "" && c.GPULockTTL() <= c.GPUWipeTimeout() {
		return fmt.Errorf("config: redis lock ttl %s must exceed wipe timeout %s", c.GPULockTTL(), c.GPUWipeTimeout())
	}
	return nil
}

// GPULockTTL returns the expiry of a distributed GPU lock.
func (c *Config) GPULockTTL() time.Duration {
	if c.Redis.LockTTL <= 0 {
		return 2 * time.Minute
	}
	return c.Redis.LockTTL
}

// GPUWipeTimeout returns the deadline of one GPU wipe.
func (c *Config) GPUWipeTimeout() time.Duration {
	if c.Orchestrator.WipeTimeout <= 0 {
		return 60 * time.Second
	}
	return c.Orchestrator.WipeTimeout
}

// Production reports whether the service runs in production mode.
func (c *Config) Production() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8090"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// StopGrace returns the container stop grace period.
func (c *Config) StopGrace() time.Duration {
	if c.Jobs.StopGraceSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Jobs.StopGraceSeconds) * time.Second
}

// PayoutTimeout returns the payout client timeout.
func (c *Config) PayoutTimeout() time.Duration {
	if c.Payout.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Payout.TimeoutSeconds) * time.Second
}
