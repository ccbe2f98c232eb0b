package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"testing"

	"github.com/jkaninda/edagate/internal/config"
	"github.com/jkaninda/edagate/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Workspace = filepath.Join(dir, "ws")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Security.AllowOpen = true
	return cfg
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitComponents(t *testing.T) {
	tests := []struct {
		sink      string
		wantStore bool
	}{
		{config.AuditSinkStore, true},
		{config.AuditSinkJSONL, false},
	}
	for _, tc := range tests {
		t.Run(tc.sink, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Audit.Sink = tc.sink

			c, err := initComponents(cfg, discard())
			defer c.Cleanup()
			if err != nil {
				t.Fatalf("initComponents: %v", err)
			}

			want := []string{
				"initialize_project", "list_project_files", "list_projects",
				"run_openlane_flow", "run_yosys_synthesis", "write_file",
			}
			if got := c.Registry.List(); !slices.Equal(got, want) {
				t.Errorf("tools = %v, want %v", got, want)
			}
			if c.Audit == nil {
				t.Error("audit trail not started")
			}
			if (c.Store != nil) != tc.wantStore {
				t.Errorf("store = %v, want store: %v", c.Store, tc.wantStore)
			}
			if c.Store != nil && c.Store.Driver() != storage.DriverSQLite {
				t.Errorf("driver = %q", c.Store.Driver())
			}
		})
	}
}

func TestInitComponents_AuditDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enabled = false

	c, err := initComponents(cfg, discard())
	defer c.Cleanup()
	if err != nil {
		t.Fatal(err)
	}
	if c.Audit != nil || c.auditor() != nil {
		t.Error("auditor set while auditing is disabled")
	}
}

func TestStartMaintenance_InvalidSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enabled = false
	c, err := initComponents(cfg, discard())
	defer c.Cleanup()
	if err != nil {
		t.Fatal(err)
	}

	c.Config.Security.SweepSchedule = "every now and then"
	if _, err := startMaintenance(c); err == nil {
		t.Fatal("expected error for invalid sweep schedule")
	}

	c.Config.Security.SweepSchedule = "@every 1m"
	sched, err := startMaintenance(c)
	if err != nil {
		t.Fatalf("startMaintenance: %v", err)
	}
	<-sched.Stop().Done()
}

func TestBuildGateways(t *testing.T) {
	for _, tc := range []struct {
		filePort int
		want     int
	}{
		{8081, 2},
		{0, 1},
	} {
		cfg := testConfig(t)
		cfg.Audit.Enabled = false
		cfg.Server.FileServerPort = tc.filePort

		c, err := initComponents(cfg, discard())
		if err != nil {
			c.Cleanup()
			t.Fatal(err)
		}
		gws, err := buildGateways(c)
		c.Cleanup()
		if err != nil {
			t.Fatal(err)
		}
		if len(gws) != tc.want {
			t.Errorf("file port %d: %d gateways, want %d", tc.filePort, len(gws), tc.want)
		}
	}
}

func TestHealthChecks(t *testing.T) {
	cfg := testConfig(t)
	if docker, db := healthChecks(cfg); !docker || !db {
		t.Errorf("defaults = %v, %v", docker, db)
	}
	cfg.Observability = &config.ObservabilityConfig{Health: &config.HealthConfig{IncludeDB: true}}
	if docker, db := healthChecks(cfg); docker || !db {
		t.Errorf("configured = %v, %v", docker, db)
	}
}
