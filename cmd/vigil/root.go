package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	configPath string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "vigil",
		Short: "Continuous AWS compliance auditor",
		Long: `Vigil - Continuous AWS Compliance Auditor

Vigil sweeps a fleet of AWS accounts on a schedule and records policy
violations: publicly reachable load balancers on unexpected ports,
outdated or untrusted machine images, console passwords, foreign
cross-account trust and launches that break the event rules.

Every violation is recorded once per resource, kept in a local store
and optionally archived to S3.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Vigil {{.Version}} - Continuous AWS Compliance Auditor
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/vigil/config.toml", "Path to the TOML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
