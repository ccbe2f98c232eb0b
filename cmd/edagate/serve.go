package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jkaninda/edagate/internal/config"
	"github.com/jkaninda/edagate/internal/fileserver"
	"github.com/jkaninda/edagate/internal/gateway"
	"github.com/jkaninda/edagate/internal/gateway/httpapi"
	"github.com/jkaninda/edagate/internal/mcpserver"
	"github.com/jkaninda/edagate/internal/tools/eda"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server (streamable HTTP or stdio)",
	Long: `Start edagate. With the streamable-http transport the MCP endpoint, the
JSON tool API and the probes listen on the main port, and run artifacts are
served read-only on the file server port. With stdio, MCP JSON-RPC is spoken
on stdin/stdout and no listener is opened.`,
	RunE: runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `edagate --port 9000` and `edagate serve --port 9000` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&transportFlag, "transport", "", "override MCP transport (streamable-http or stdio)")
		cmd.Flags().IntVar(&portFlag, "port", 0, "override HTTP listen port")
	}
}

// responseMargin is added to the longest run so the HTTP write deadline
// never cuts off a report.
const responseMargin = time.Minute

// runServe starts edagate with the configured transport.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log.Level)

	c, err := initComponents(cfg, logger)
	defer c.Cleanup()
	if err != nil {
		return err
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := startMaintenance(c)
	if err != nil {
		return err
	}
	defer func() { <-sched.Stop().Done() }()

	if cfg.Open() {
		logger.Warn("auth disabled (explicit open mode)")
	}

	if cfg.Server.Transport == config.TransportStdio {
		logger.Info("starting edagate",
			slog.String("version", version),
			slog.String("transport", cfg.Server.Transport),
			slog.String("workspace", c.Workspace.Root),
		)
		if err := c.MCP.ServeStdio(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
			return fmt.Errorf("stdio transport: %w", err)
		}
		return nil
	}

	gateways, err := buildGateways(c)
	if err != nil {
		return err
	}
	printBanner(cfg)

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errs:
		if runErr != nil {
			logger.Error("gateway exited with error", slog.String("error", runErr.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}

	return runErr
}

// buildGateways creates the HTTP API and, unless disabled, the file server.
func buildGateways(c *Components) ([]gateway.Gateway, error) {
	cfg := c.Config
	metrics := c.Obs.MetricsOrNil()

	apiCfg := httpapi.Config{
		ListenAddr:    cfg.Server.Addr(),
		EnableDocs:    cfg.Server.EnableDocs,
		Version:       version,
		WriteTimeout:  max(cfg.Sandbox.Timeout(), eda.DefaultFlowTimeout) + responseMargin,
		MetricsPath:   cfg.MetricsPath(),
		HealthChecker: c.Health,
		Metrics:       metrics,
		Tracer:        c.Obs.SpanTracer(),
	}
	if metrics != nil {
		apiCfg.MetricsRegistry = metrics.Registry
	}
	gateways := []gateway.Gateway{
		httpapi.NewGateway(apiCfg, c.Registry, c.MCP.HTTPHandler(), c.Guard, c.Logger),
	}

	if cfg.Server.FileServerPort == 0 {
		c.Logger.Info("file server disabled")
		return gateways, nil
	}
	resolver, err := fileserver.NewResolver(c.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("initializing file resolver: %w", err)
	}
	files := fileserver.NewServer(cfg.Server.FileServerAddr(), resolver, c.Guard, c.Logger)
	if a := c.auditor(); a != nil {
		files.WithAuditor(a)
	}
	if metrics != nil {
		files.WithMetrics(metrics)
	}
	return append(gateways, files), nil
}

// startMaintenance schedules the rate limiter sweep and audit retention.
func startMaintenance(c *Components) (*cron.Cron, error) {
	cfg, logger := c.Config, c.Logger
	sched := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))

	_, err := sched.AddFunc(cfg.Security.SweepSchedule, func() {
		dropped := c.Limiter.Sweep()
		if m := c.Obs.MetricsOrNil(); m != nil {
			m.SetRateLimitClients(c.Limiter.Len())
		}
		if dropped > 0 {
			logger.Debug("rate limiter swept", slog.Int("dropped", dropped), slog.Int("clients", c.Limiter.Len()))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid security.sweep_schedule %q: %w", cfg.Security.SweepSchedule, err)
	}

	if c.Store != nil && cfg.Audit.RetentionDays > 0 {
		retention := time.Duration(cfg.Audit.RetentionDays) * 24 * time.Hour
		_, err := sched.AddFunc(cfg.Audit.PruneSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := c.Store.Audit().Prune(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("pruning audit events", slog.String("error", err.Error()))
				return
			}
			logger.Info("audit events pruned", slog.Int64("removed", n), slog.Int("retention_days", cfg.Audit.RetentionDays))
		})
		if err != nil {
			return nil, fmt.Errorf("invalid audit.prune_schedule %q: %w", cfg.Audit.PruneSchedule, err)
		}
	}

	sched.Start()
	return sched, nil
}

// printBanner writes the endpoints to stderr.
func printBanner(cfg *config.Config) {
	host := cfg.Server.Host
	if host == "0.0.0.0" || host == "" {
		host = "localhost"
	}
	auth := "ENABLED"
	if cfg.Open() {
		auth = "DISABLED"
	}
	files := "disabled"
	if cfg.Server.FileServerPort != 0 {
		files = fmt.Sprintf("http://%s:%d/", host, cfg.Server.FileServerPort)
	}

	fmt.Fprintf(os.Stderr, "edagate %s\n", version)
	fmt.Fprintf(os.Stderr, "  transport: %s\n", cfg.Server.Transport)
	fmt.Fprintf(os.Stderr, "  mcp:       http://%s:%d%s\n", host, cfg.Server.Port, mcpserver.EndpointPath)
	fmt.Fprintf(os.Stderr, "  files:     %s\n", files)
	fmt.Fprintf(os.Stderr, "  auth:      %s\n", auth)
}
