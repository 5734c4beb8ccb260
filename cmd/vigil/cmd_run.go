package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var runOnce bool

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the compliance jobs on their schedules",
	Long: `Run vigil as a long running service.

Every enabled job runs on its own interval. Violations go to the local
store, the log, the violation metrics and, when enabled, the S3 archive.

Features:
- Prometheus metrics on /metrics endpoint
- Health checks on /health, /-/healthy, /-/ready
- Periodic archive flush and store compaction
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  vigil run                                # Run with /etc/vigil/config.toml
  vigil run --config ./vigil.toml          # Custom config
  vigil run --once                         # Run every job once and exit`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run every enabled job once and exit")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := bootstrap(configPath, debug)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(closeCtx)
	}()

	if runOnce {
		log.Info().Msg("one-shot mode, running every job once")
		return a.scheduler.RunOnce(ctx)
	}

	var g run.Group
	{
		jobCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return a.scheduler.Run(jobCtx)
		}, func(error) {
			cancel()
		})
	}
	{
		srv := newServer(cfg.Metrics.Addr, newMux(a.telemetry.Handler(), a.scheduler))
		ln, err := net.Listen("tcp", cfg.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Metrics.Addr, err)
		}
		g.Add(func() error {
			log.Info().Str("addr", ln.Addr().String()).Msg("starting metrics server")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	if a.archive != nil {
		tickCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			every(tickCtx, cfg.Archive.FlushInterval.Duration, func() {
				if err := a.flush(tickCtx); err != nil {
					log.Error().Err(err).Msg("archive flush failed")
				}
			})
			return nil
		}, func(error) {
			cancel()
		})
	}
	{
		tickCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			every(tickCtx, cfg.Store.CompactInterval.Duration, func() {
				removed, err := a.store.Compact()
				if err != nil {
					log.Error().Err(err).Msg("store compaction failed")
					return
				}
				log.Debug().Int("removed", removed).Msg("store compacted")
			})
			return nil
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))

	log.Info().Str("version", version).Msg("vigil running")
	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}

// every calls fn on each tick of interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
