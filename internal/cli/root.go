// Package cli provides aflctl's root Cobra command and shared global
// flags, grounded on the teacher's internal/cli package — scaled down to
// the one subcommand this module's outer surface needs (spec.md §6).
package cli

import "github.com/spf13/cobra"

// Globals holds the flags every subcommand reads.
type Globals struct {
	ConfigPath string
	Backend    string
	DBPath     string
}

// NewRootCommand creates the root Cobra command for aflctl.
func NewRootCommand(g *Globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aflctl",
		Short: "aflctl drives the AgentFlow runtime from outside a running daemon",
		Long: `aflctl is the minimal outer surface for a human operator: it submits a
compiled flow for execution by enqueuing an afl:execute task through the
persistence port. It does not run workflows itself — start cmd/runner-service
and cmd/agent to actually drive and dispatch them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "Path to YAML config file")
	cmd.PersistentFlags().StringVar(&g.Backend, "backend", "", "Storage backend: memory or sqlite (overrides config)")
	cmd.PersistentFlags().StringVar(&g.DBPath, "db-path", "", "SQLite database path (overrides config)")

	return cmd
}
