package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/internal/store"
	"github.com/yairfalse/vigil/pkg/violation"
)

var (
	violationsAccount string
	violationsRegion  string
	violationsType    string
	violationsSince   time.Duration
	violationsLimit   int
	violationsOutput  string
)

// violationsCmd represents the violations command
var violationsCmd = &cobra.Command{
	Use:   "violations",
	Short: "List violations from the local store",
	Long: `List recorded violations, newest first.

Reads the store directly and needs no AWS access. Stop a running
vigil first, the store allows one process at a time.`,
	Example: `  vigil violations                             # Everything retained
  vigil violations --account 123456789012      # One account
  vigil violations --type PASSWORD_USED        # One violation type
  vigil violations --since 24h -o json         # Last day as JSON`,
	RunE: runViolations,
}

func init() {
	rootCmd.AddCommand(violationsCmd)

	violationsCmd.Flags().StringVar(&violationsAccount, "account", "", "Filter by account id")
	violationsCmd.Flags().StringVar(&violationsRegion, "region", "", "Filter by region")
	violationsCmd.Flags().StringVarP(&violationsType, "type", "t", "", "Filter by violation type")
	violationsCmd.Flags().DurationVar(&violationsSince, "since", 0, "Only violations newer than this")
	violationsCmd.Flags().IntVarP(&violationsLimit, "limit", "n", 100, "Maximum number of violations (0 for all)")
	violationsCmd.Flags().StringVarP(&violationsOutput, "output", "o", "table", "Output format: table, json")
}

func runViolations(cmd *cobra.Command, args []string) error {
	if !slices.Contains(validOutputs, violationsOutput) {
		return fmt.Errorf("invalid output format: %s (must be one of: %s)",
			violationsOutput, strings.Join(validOutputs, ", "))
	}

	filter, err := violationFilter(time.Now())
	if err != nil {
		return err
	}

	cfg, err := bootstrap(configPath, debug)
	if err != nil {
		return err
	}

	s, err := store.Open(filepath.Clean(cfg.Store.Path), store.WithRetention(cfg.Store.Retention.Duration))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = s.Close() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	vs, err := s.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("list violations: %w", err)
	}
	return printViolations(os.Stdout, vs, violationsOutput)
}

func violationFilter(now time.Time) (store.Filter, error) {
	f := store.Filter{
		AccountID: violationsAccount,
		Region:    violationsRegion,
		Type:      violation.Type(strings.ToUpper(violationsType)),
		Limit:     violationsLimit,
	}
	if f.Type != "" && !f.Type.Valid() {
		return store.Filter{}, fmt.Errorf("unknown violation type %q", violationsType)
	}
	if violationsSince > 0 {
		f.Since = now.Add(-violationsSince)
	}
	return f, nil
}
