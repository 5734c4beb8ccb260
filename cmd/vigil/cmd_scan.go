package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var scanOutput string

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <job>",
	Short: "Run one compliance job now and print what it found",
	Long: `Run a single job once, outside its schedule, and print the
violations it recorded.

Violations already in the store are not recorded again, so a second
scan of an unchanged account prints nothing new.`,
	Example: `  vigil scan checkElbJob                   # Public load balancers
  vigil scan noPasswordJob -o json         # Console passwords as JSON
  vigil scan cloudTrailEventsJob           # Recent launches against the event rules`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVarP(&scanOutput, "output", "o", "table", "Output format: table, json")
}

func runScan(cmd *cobra.Command, args []string) error {
	if !slices.Contains(validOutputs, scanOutput) {
		return fmt.Errorf("invalid output format: %s (must be one of: %s)",
			scanOutput, strings.Join(validOutputs, ", "))
	}

	cfg, err := bootstrap(configPath, debug)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, appOptions{record: true})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()

	name := args[0]
	if !slices.Contains(a.scheduler.Jobs(), name) {
		return fmt.Errorf("job %q is unknown or disabled (enabled: %s)", name, strings.Join(a.scheduler.Jobs(), ", "))
	}

	stats, err := a.scheduler.RunJob(ctx, name)
	if err != nil {
		return err
	}
	log.Info().
		Str("job", name).
		Int("items", stats.Items).
		Int("item_failures", stats.ItemFailures).
		Int("scope_failures", stats.ScopeFailures).
		Msg("scan complete")

	return printViolations(os.Stdout, a.recorder.Drain(), scanOutput)
}
