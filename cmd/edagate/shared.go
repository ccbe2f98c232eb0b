package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/edagate/internal/config"
	"github.com/jkaninda/edagate/internal/gateway"
	"github.com/jkaninda/edagate/internal/mcpserver"
	"github.com/jkaninda/edagate/internal/observability"
	"github.com/jkaninda/edagate/internal/ratelimit"
	"github.com/jkaninda/edagate/internal/sandbox"
	"github.com/jkaninda/edagate/internal/security"
	"github.com/jkaninda/edagate/internal/storage"
	pgstore "github.com/jkaninda/edagate/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/edagate/internal/storage/sqlite"
	"github.com/jkaninda/edagate/internal/tools"
	"github.com/jkaninda/edagate/internal/tools/eda"
	"github.com/jkaninda/edagate/internal/tools/project"
	"github.com/jkaninda/edagate/internal/workspace"
)

// Flags shared by every command that reads the config.
var (
	configPath    string
	transportFlag string
	portFlag      int
)

// loadConfig loads the config file named by EDAGATE_CONFIG or --config and
// applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(goutils.Env("EDAGATE_CONFIG", configPath))
	if err != nil {
		return nil, err
	}
	if transportFlag == "" && portFlag == 0 {
		return cfg, nil
	}
	if transportFlag != "" {
		cfg.Server.Transport = transportFlag
	}
	if portFlag != 0 {
		cfg.Server.Port = portFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the JSON logger on stderr. stdout stays free for the
// stdio transport.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// Components holds every initialized subsystem. Built once by
// initComponents, torn down by Cleanup.
type Components struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Obs       *observability.Observability
	Health    *observability.HealthChecker
	Store     storage.Store         // nil when the audit sink is JSONL or auditing is off.
	Audit     *security.AuditTrail  // nil when auditing is off.
	Limiter   *ratelimit.Limiter
	Guard     *gateway.RequestGuard
	Executor  sandbox.Executor
	Registry  *tools.Registry
	MCP       *mcpserver.Server

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (c *Components) Cleanup() {
	for i := len(c.cleanups) - 1; i >= 0; i-- {
		c.cleanups[i]()
	}
}

func (c *Components) addCleanup(fn func()) {
	c.cleanups = append(c.cleanups, fn)
}

// auditor returns the audit trail as an Auditor, or nil when auditing is
// off. A nil *AuditTrail must not leak into the interface.
func (c *Components) auditor() security.Auditor {
	if c.Audit == nil {
		return nil
	}
	return c.Audit
}

// initComponents performs all initialization shared by the transports.
// Callers must call Cleanup when done, also on error.
func initComponents(cfg *config.Config, logger *slog.Logger) (*Components, error) {
	c := &Components{
		Config: cfg,
		Logger: logger,
	}

	ws, err := workspace.New(cfg.ResolvedWorkspace())
	if err != nil {
		return c, fmt.Errorf("initializing workspace: %w", err)
	}
	c.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return c, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return c, fmt.Errorf("initializing observability: %w", err)
	}
	c.Obs = obs
	c.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		c.Health = obs.Health
	} else {
		c.Health = observability.NewHealthChecker(logger)
	}
	metrics := obs.MetricsOrNil()

	if err := initAudit(c); err != nil {
		return c, err
	}

	c.Limiter = ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Security.RateLimitRPM,
		MaxClients:        cfg.Security.RateLimitMaxClients,
	})
	c.Guard = gateway.NewRequestGuard(
		c.Limiter,
		security.NewGuard(cfg.Security.APIKey),
		security.NewCORSPolicy(cfg.Security.AllowedOrigins),
		logger,
	)
	if a := c.auditor(); a != nil {
		c.Guard.WithAuditor(a)
	}
	if metrics != nil {
		c.Guard.WithMetrics(metrics)
	}

	docker := sandbox.NewDockerExecutor(sandbox.DockerConfig{
		Binary:         cfg.Sandbox.DockerBinary,
		MemoryLimit:    cfg.Sandbox.MemoryLimit,
		CPULimit:       strconv.FormatFloat(cfg.Sandbox.CPULimit, 'f', -1, 64),
		Network:        cfg.Sandbox.Network,
		PIDsLimit:      cfg.Sandbox.PIDsLimit,
		DefaultTimeout: cfg.Sandbox.Timeout(),
	}, logger)
	c.Executor = observability.NewInstrumentedExecutor(docker, metrics, obs.TracerOrNil(), obs.AnomalyOrNil())
	if checkSandbox, _ := healthChecks(cfg); checkSandbox {
		c.Health.AddCheck("docker", observability.CommandCheck(docker.Config().Binary, "version"))
	}

	pdkCache := cfg.PDKCacheDir()
	if err := os.MkdirAll(pdkCache, 0750); err != nil {
		return c, fmt.Errorf("creating PDK cache %s: %w", pdkCache, err)
	}

	c.Registry = tools.NewRegistry(logger)
	if metrics != nil {
		c.Registry.WithMetrics(metrics)
	}
	for _, t := range project.Tools(ws, logger) {
		c.Registry.Register(t)
	}
	runner := eda.NewRunner(eda.Config{
		YosysImage:    cfg.Images.Yosys,
		OpenLaneImage: cfg.Images.OpenLane,
		PDKCacheDir:   pdkCache,
		FlowTimeout:   eda.DefaultFlowTimeout,
	}, ws, c.Executor, c.auditor(), logger)
	for _, t := range runner.Tools() {
		c.Registry.Register(t)
	}
	logger.Debug("tools registered", slog.Any("tools", c.Registry.List()))

	c.MCP = mcpserver.New(c.Registry, version, logger)
	return c, nil
}

// healthChecks reports which readiness checks to register. Both are on
// unless observability.health says otherwise.
func healthChecks(cfg *config.Config) (docker, db bool) {
	if cfg.Observability == nil || cfg.Observability.Health == nil {
		return true, true
	}
	h := cfg.Observability.Health
	return h.IncludeSandbox, h.IncludeDB
}

// initAudit opens the configured audit sink and starts the trail.
func initAudit(c *Components) error {
	cfg, logger := c.Config, c.Logger
	if !cfg.Audit.Enabled {
		logger.Warn("security audit trail disabled")
		return nil
	}

	var sink security.AuditSink
	switch cfg.Audit.Sink {
	case config.AuditSinkJSONL:
		jsonl, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
		if err != nil {
			return err
		}
		sink = jsonl
	default:
		store, err := initStore(cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing storage: %w", err)
		}
		c.Store = store
		c.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		sink = security.NewStoreAuditLogger(store.Audit(), logger)
		if _, checkDB := healthChecks(cfg); checkDB {
			c.Health.AddCheck("database", store.Ping)
		}
		logger.Debug("audit store ready", slog.String("driver", store.Driver()))
	}

	trail := security.NewAuditTrail(sink, cfg.Audit.QueueSize, logger)
	if m := c.Obs.MetricsOrNil(); m != nil {
		trail.OnDrop(m.RecordAuditDrop)
	}
	trail.Start()
	c.Audit = trail
	c.addCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Close flushes the queue and closes the sink; the sink is only
		// closed here when the flush did not finish.
		if err := trail.Close(ctx); err != nil {
			logger.Error("flushing audit trail", slog.String("error", err.Error()))
			if err := sink.Close(); err != nil {
				logger.Error("closing audit sink", slog.String("error", err.Error()))
			}
		}
	})
	return nil
}

// initStore opens the storage backend selected by config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	sc := cfg.StorageConfig()

	switch sc.Driver {
	case storage.DriverPostgres:
		return initPostgresStore(sc.Postgres, logger)
	case storage.DriverSQLite:
		return sqlitestore.Open(sqlitestore.Config{
			Path:        sc.SQLite.Path,
			JournalMode: sc.SQLite.JournalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", sc.Driver)
	}
}

func initPostgresStore(pc storage.PostgresConfig, logger *slog.Logger) (storage.Store, error) {
	db, err := pgstore.Open(pgstore.Config{
		DSN:             pc.DSN,
		MaxOpenConns:    pc.MaxOpenConns,
		MaxIdleConns:    pc.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pc.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return db, nil
}
