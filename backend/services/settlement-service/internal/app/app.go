package app

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	libredis "gpurental/backend/libs/redis"
	"gpurental/backend/services/settlement-service/internal/audit"
	"gpurental/backend/services/settlement-service/internal/auth"
	"gpurental/backend/services/settlement-service/internal/clients"
	"gpurental/backend/services/settlement-service/internal/config"
	"gpurental/backend/services/settlement-service/internal/db"
	httpserver "gpurental/backend/services/settlement-service/internal/http"
	"gpurental/backend/services/settlement-service/internal/http/handlers"
	"gpurental/backend/services/settlement-service/internal/http/middleware"
	"gpurental/backend/services/settlement-service/internal/metrics"
	"gpurental/backend/services/settlement-service/internal/orchestrator"
	redisstore "gpurental/backend/services/settlement-service/internal/redis"
	"gpurental/backend/services/settlement-service/internal/repository"
	"gpurental/backend/services/settlement-service/internal/repository/memory"
	"gpurental/backend/services/settlement-service/internal/scheduler"
	"gpurental/backend/services/settlement-service/internal/service"
	"gpurental/backend/services/settlement-service/internal/ws"
)

const migrateTimeout = 30 * time.Second

// App wires settlement service dependencies.
type App struct {
	server    *httpserver.Server
	scheduler *scheduler.Scheduler
	streams   *ws.Manager
	audit     *audit.Logger
	db        *sql.DB
	redis     *goredis.Client
	docker    *orchestrator.DockerDaemon
	logger    *zap.Logger
}

// New constructs application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	pingers := map[string]handlers.Pinger{}

	var (
		store      repository.Store
		auditStore repository.AuditStore
	)
	switch cfg.Database.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, state is lost on restart")
		store = memory.New()
		auditStore = memory.NewAuditStore()
	default:
		sqlDB, err := db.NewPostgres(cfg.Database.DSN, db.PoolConfig{
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
			ConnLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("app: connect postgres: %w", err)
		}
		a.db = sqlDB
		if cfg.Database.Migrate {
			ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
			err := db.Migrate(ctx, sqlDB)
			cancel()
			if err != nil {
				return nil, err
			}
		}
		store = repository.NewPostgresStore(sqlDB)
		auditStore = repository.NewAuditRepository(sqlDB)
		pingers["postgres"] = pingFunc(sqlDB.PingContext)
	}

	var gpuLocks orchestrator.Locker
	var limiter middleware.Limiter = middleware.NewLocalLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
	if cfg.Redis.Addr != "" {
		client, err := libredis.NewRedisClient(libredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("app: connect redis: %w", err)
		}
		a.redis = client
		gpuLocks = redisstore.NewGPULocker(client, cfg.GPULockTTL())
		limiter = redisstore.NewRateLimitStore(client, cfg.RateLimit.PerMinute, time.Minute)
		pingers["redis"] = pingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	docker, err := orchestrator.NewDockerDaemon(cfg.Docker.Host)
	if err != nil {
		return nil, err
	}
	a.docker = docker
	pingers["docker"] = docker

	a.audit = audit.NewLogger(auditStore, audit.Config{
		Workers:    cfg.Audit.Workers,
		QueueSize:  cfg.Audit.QueueSize,
		Production: cfg.Production(),
	}, logger)
	a.audit.Start()

	orch := orchestrator.New(docker, gpuLocks, orchestrator.Config{
		StopTimeout:      cfg.StopGrace(),
		WipeImage:        cfg.Orchestrator.WipeImage,
		ResidualMemoryMB: cfg.Orchestrator.ResidualMemoryMB,
		LogTailLines:     cfg.Orchestrator.LogTailLines,
		ProbeTimeout:     cfg.Orchestrator.ProbeTimeout,
		WipeTimeout:      cfg.GPUWipeTimeout(),
		CodeMountTarget:  cfg.Jobs.CodeMountTarget,
	}, logger)

	walletService := service.NewWalletService(store, a.audit, logger)
	billingService := service.NewBillingService(store, walletService, service.BillingConfig{
		WindowHours:       cfg.Billing.WindowHours,
		ProviderShareBP:   cfg.Billing.ProviderShareBP,
		PlatformAccountID: cfg.Billing.PlatformAccountID,
	}, a.audit, logger)
	fleetService := service.NewFleetService(store, orch, a.audit, logger)
	payout := clients.NewPayoutClient(cfg.Payout.URL, cfg.PayoutTimeout(), logger)
	jobService := service.NewJobService(store, billingService, orch, payout, service.JobsConfig{
		MemoryMB:          cfg.Jobs.MemoryMB,
		CPUs:              cfg.Jobs.CPUs,
		MaxEstimatedHours: cfg.Jobs.MaxEstimatedHours,
	}, a.audit, logger)

	a.scheduler = scheduler.New(billingService, jobService, cfg.Scheduler, logger)
	a.streams = ws.NewManager(jobService, cfg.Stream.PollInterval, logger)
	streamServer := ws.NewServer(a.streams, cfg.Stream.WriteTimeout, logger)

	var tokens middleware.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	} else {
		logger.Warn("jwt secret not set, trusting identity headers from the gateway")
	}

	router := httpserver.NewRouter(httpserver.RouterDeps{
		WalletHandlers:  handlers.NewWalletHandlers(walletService, logger),
		BillingHandlers: handlers.NewBillingHandlers(billingService, logger),
		JobHandlers:     handlers.NewJobHandlers(jobService, streamServer, logger),
		FleetHandlers:   handlers.NewFleetHandlers(fleetService, logger),
		AuditHandlers:   handlers.NewAuditHandlers(a.audit, logger),
		HealthHandler:   handlers.NewHealthHandler(pingers),
		MetricsHandler:  metrics.Handler(),
	},
		middleware.AuthMiddleware(tokens),
		middleware.AuditMiddleware(a.audit),
	)

	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger,
		middleware.RecoveryMiddleware(logger),
		metrics.InstrumentHandler,
		middleware.LoggingMiddleware(logger),
		middleware.RateLimitMiddleware(limiter, a.audit, logger),
	)

	ok = true
	return a, nil
}

// Run starts background sweeps, the stream poller and the HTTP server.
func (a *App) Run(ctx context.Context) error {
	if err := a.scheduler.Start(); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.scheduler.Stop(stopCtx)
	}()

	var wg sync.WaitGroup
	streamCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.streams.Start(streamCtx)
	}()

	return a.server.Run(ctx)
}

// Close releases resources. The audit queue is drained before the store closes.
func (a *App) Close() {
	if a.audit != nil {
		a.audit.Close()
	}
	if a.docker != nil {
		if err := a.docker.Close(); err != nil {
			a.logger.Warn("failed to close docker client", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
