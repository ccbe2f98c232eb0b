// edagate serves chip-design tools (Yosys, OpenLane) to AI agents over MCP
// and a JSON HTTP API, running every tool in a resource-limited container.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "edagate",
	Short: "edagate: sandboxed EDA tool server for AI agents.",
	Long: `edagate exposes Yosys synthesis and the OpenLane RTL-to-GDSII flow as
MCP tools. Every request passes rate limiting and API key authentication,
every run executes in an ephemeral, resource-limited container, and run
artifacts are served read-only from the workspace.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, checkConfigCmd, auditCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
