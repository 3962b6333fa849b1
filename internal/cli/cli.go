// ============================================================================
// Actionguard CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for exercising the coordination core
//
// Command Structure:
//   actionguard                    # Root command
//   ├── profiles                   # List named configurations
//   ├── simulate                   # Drive concurrent dispatches through a worker pool
//   │   ├── --mode                # dispatch | sync
//   │   ├── --metrics             # Serve Prometheus metrics while running
//   │   └── --dump                # Write the final state snapshot
//   ├── inspect <snapshot.json>    # Print a state snapshot
//   └── --config, -c               # Config file (or ACTIONGUARD_CONFIG)
//
// Configuration:
//   YAML file loaded through internal/config, overridden by ACTIONGUARD_*
//   environment variables, overridden again by command flags.
//
// Examples:
//   ./actionguard profiles
//   ./actionguard simulate --profile submit --calls 500 --workers 16
//   ./actionguard simulate --mode sync --dump state.json
//   ./actionguard inspect state.json
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/actionguard/internal/config"
	"github.com/ChuLiYu/actionguard/internal/metrics"
	"github.com/ChuLiYu/actionguard/internal/modifier"
	"github.com/ChuLiYu/actionguard/internal/snapshot"
	"github.com/ChuLiYu/actionguard/internal/telemetry"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "actionguard",
		Short: "Actionguard: keyed concurrency control for user-triggered actions",
		Long: `Actionguard coordinates asynchronous actions by key with:
- freshness, throttle, debounce and non-reentrant guards
- sequential queues and exponential retry
- optimistic commands and coalescing sync`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default $ACTIONGUARD_CONFIG)")

	rootCmd.AddCommand(buildProfilesCommand())
	rootCmd.AddCommand(buildSimulateCommand())
	rootCmd.AddCommand(buildInspectCommand())

	return rootCmd
}

// ============================================================================
// profiles
// ============================================================================

func buildProfilesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List named configurations",
		Long:  "Print every profile in the config file with its resolved modifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			printProfiles(cmd.OutOrStdout(), cfg)
			return nil
		},
	}
}

func printProfiles(w io.Writer, cfg *config.Config) {
	names := cfg.ProfileNames()
	if len(names) == 0 {
		fmt.Fprintln(w, "No profiles defined")
		return
	}
	for _, name := range names {
		p, _ := cfg.Profile(name)
		fmt.Fprintf(w, "%-12s %s\n", name, describe(modifier.Resolve(nil, p, nil)))
	}
}

// describe 一行描述已啟用的 modifier
func describe(r modifier.Resolved) string {
	var parts []string
	if r.Fresh.Enabled {
		parts = append(parts, fmt.Sprintf("fresh=%s", r.Fresh.For))
	}
	if r.Throttle.Enabled {
		s := fmt.Sprintf("throttle=%s", r.Throttle.Duration)
		if r.Throttle.RemoveLockOnError {
			s += "(unlock-on-error)"
		}
		parts = append(parts, s)
	}
	if r.Debounce.Enabled {
		parts = append(parts, fmt.Sprintf("debounce=%s", r.Debounce.Duration))
	}
	if r.NonReentrant.Enabled {
		parts = append(parts, "non-reentrant")
	}
	if r.Sequential.Enabled {
		size := "unbounded"
		if r.Sequential.MaxQueueSize > 0 {
			size = fmt.Sprint(r.Sequential.MaxQueueSize)
		}
		s := fmt.Sprintf("sequential(queue=%s", size)
		if r.Sequential.QueueTimeout > 0 {
			s += fmt.Sprintf(", timeout=%s", r.Sequential.QueueTimeout)
		}
		if r.Sequential.DropOldest {
			s += ", drop-oldest"
		}
		parts = append(parts, s+")")
	}
	if r.Retry.Enabled {
		n := fmt.Sprint(r.Retry.MaxRetries)
		if r.Retry.MaxRetries == modifier.Unlimited {
			n = "∞"
		}
		parts = append(parts, fmt.Sprintf("retry=%sx%s", n, r.Retry.InitialDelay))
	}
	if r.Connectivity.Enabled {
		parts = append(parts, "check-internet")
	}
	if len(parts) == 0 {
		return "(no modifiers)"
	}
	return strings.Join(parts, " ")
}

// ============================================================================
// simulate
// ============================================================================

type simulateFlags struct {
	mode        string
	workers     int
	calls       int
	keys        int
	profile     string
	actionTime  time.Duration
	failureRate float64
	seed        int64
	metrics     bool
	metricsPort int
	hold        bool
	dump        string
	keepBackups int
	verbose     bool
}

func buildSimulateCommand() *cobra.Command {
	var f simulateFlags

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a concurrent load simulation",
		Long:  "Dispatch many calls over a few keys from a worker pool and report how the guards resolved them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			applySimulateFlags(cmd, cfg, &f)
			return runSimulate(cmd.Context(), cmd.OutOrStdout(), cfg, f)
		},
	}

	cmd.Flags().StringVar(&f.mode, "mode", ModeDispatch, "Simulation mode: dispatch, sync")
	cmd.Flags().IntVarP(&f.workers, "workers", "w", 0, "Concurrent callers (default from config)")
	cmd.Flags().IntVarP(&f.calls, "calls", "n", 0, "Number of calls (default from config)")
	cmd.Flags().IntVarP(&f.keys, "keys", "k", 0, "Number of distinct keys (default from config)")
	cmd.Flags().StringVarP(&f.profile, "profile", "p", "", "Named configuration to apply")
	cmd.Flags().DurationVar(&f.actionTime, "action-time", 0, "Duration of each simulated action")
	cmd.Flags().Float64Var(&f.failureRate, "failure-rate", 0, "Probability that an action fails")
	cmd.Flags().Int64Var(&f.seed, "seed", 1, "Random seed")
	cmd.Flags().BoolVar(&f.metrics, "metrics", false, "Serve Prometheus metrics")
	cmd.Flags().IntVar(&f.metricsPort, "metrics-port", 0, "Metrics port (default from config)")
	cmd.Flags().BoolVar(&f.hold, "hold", false, "Keep serving metrics until interrupted")
	cmd.Flags().StringVar(&f.dump, "dump", "", "Write the final state snapshot to this file")
	cmd.Flags().IntVar(&f.keepBackups, "keep-backups", 0, "Previous snapshots to keep next to --dump")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Log guard decisions")

	return cmd
}

// applySimulateFlags 只有明確設定的旗標才覆蓋配置
func applySimulateFlags(cmd *cobra.Command, cfg *config.Config, f *simulateFlags) {
	changed := cmd.Flags().Changed
	if changed("workers") {
		cfg.Simulate.Workers = f.workers
	}
	if changed("calls") {
		cfg.Simulate.Calls = f.calls
	}
	if changed("keys") {
		cfg.Simulate.Keys = f.keys
	}
	if changed("profile") {
		cfg.Simulate.Profile = f.profile
	}
	if changed("action-time") {
		cfg.Simulate.ActionTime = f.actionTime
	}
	if changed("failure-rate") {
		cfg.Simulate.FailureRate = f.failureRate
	}
	if changed("metrics") {
		cfg.Metrics.Enabled = f.metrics
	}
	if changed("metrics-port") {
		cfg.Metrics.Port = f.metricsPort
	}
}

func runSimulate(ctx context.Context, out io.Writer, cfg *config.Config, f simulateFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var profile *modifier.Layer
	if name := cfg.Simulate.Profile; name != "" {
		p, ok := cfg.Profile(name)
		if !ok {
			return fmt.Errorf("unknown profile %q", name)
		}
		profile = p
	}

	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	shutdown, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("Tracing shutdown error: %v\n", err)
		}
	}()

	opts := SimOptions{
		Mode:        f.mode,
		Workers:     cfg.Simulate.Workers,
		Calls:       cfg.Simulate.Calls,
		Keys:        cfg.Simulate.Keys,
		Profile:     profile,
		ActionTime:  cfg.Simulate.ActionTime,
		FailureRate: cfg.Simulate.FailureRate,
		Seed:        f.seed,
		DeviceID:    cfg.DeviceID,
		Logger:      logger,
	}
	if cfg.Telemetry.Endpoint != "" {
		opts.Observer = telemetry.NewTracer(nil).Observer()
	}

	if cfg.Metrics.Enabled {
		collector, err := metrics.NewCollector(prometheus.NewRegistry())
		if err != nil {
			return fmt.Errorf("failed to create metrics collector: %w", err)
		}
		opts.Metrics = collector
		srv := collector.StartServer(cfg.Metrics.Port)
		log.Printf("Serving metrics on http://localhost:%d/metrics\n", cfg.Metrics.Port)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	log.Printf("Simulating %d %s calls over %d keys with %d workers\n", opts.Calls, opts.Mode, opts.Keys, opts.Workers)
	summary, err := RunSimulation(ctx, opts)
	if summary != nil {
		printSummary(out, summary)
	}
	if err != nil {
		return fmt.Errorf("simulation failed: %w", err)
	}

	if f.dump != "" {
		m := snapshot.NewManager(f.dump)
		if f.keepBackups > 0 {
			err = m.WriteWithBackup(summary.State, f.keepBackups)
		} else {
			err = m.Write(summary.State)
		}
		if err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		fmt.Fprintf(out, "💾 Snapshot written to %s\n", f.dump)
	}

	if f.hold && cfg.Metrics.Enabled {
		sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		log.Println("Holding metrics server, press Ctrl+C to exit")
		<-sigCtx.Done()
	}
	return nil
}

// ============================================================================
// inspect
// ============================================================================

func buildInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <snapshot.json>",
		Short: "Print a state snapshot",
		Long:  "Load a snapshot written by 'simulate --dump' and print the per-key state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := snapshot.NewManager(args[0]).Load()
			if err != nil {
				return fmt.Errorf("failed to load snapshot: %w", err)
			}
			printSnapshot(cmd.OutOrStdout(), args[0], data)
			return nil
		},
	}
}
