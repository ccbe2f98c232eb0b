package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/edagate/internal/config"
	"github.com/jkaninda/edagate/internal/security"
)

var (
	auditAction   string
	auditResult   string
	auditClientIP string
	auditLimit    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent security audit events",
	Long: `Query the audit store (storage.driver) for recent events, newest first.
Only available with the "store" audit sink; the JSONL sink is a plain file.`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "filter by action (request, file, sandbox)")
	auditCmd.Flags().StringVar(&auditResult, "result", "", "filter by result (denied, success, failure)")
	auditCmd.Flags().StringVar(&auditClientIP, "client-ip", "", "filter by client IP")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "maximum number of events")
}

func runAudit(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Audit.Sink != config.AuditSinkStore {
		return fmt.Errorf("audit sink is %q, query %s directly", cfg.Audit.Sink, cfg.AuditLogPath())
	}
	logger := newLogger(cfg.Log.Level)

	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events, err := store.Audit().Query(ctx, security.AuditFilter{
		Action:   auditAction,
		Result:   auditResult,
		ClientIP: auditClientIP,
		Limit:    auditLimit,
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tRESULT\tREASON\tCLIENT\tTARGET\tREQUEST")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime),
			e.Action, e.Result, dash(e.Reason), dash(e.ClientIP), e.Target, dash(e.RequestID))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
