// Package main provides the CLI entry point for the echoprobe ping engine.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/echoprobe/internal/config"
	"github.com/postalsys/echoprobe/internal/icmp"
	"github.com/postalsys/echoprobe/internal/logging"
	"github.com/postalsys/echoprobe/internal/metrics"
	"github.com/postalsys/echoprobe/internal/report"
	"github.com/postalsys/echoprobe/internal/resolve"
	"github.com/postalsys/echoprobe/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

// errNoReply distinguishes "nothing answered" from setup failures so
// main can map it to its own exit code.
var errNoReply = errors.New("no reply received within the deadline")

func main() {
	rootCmd := newRootCmd()
	rootCmd.AddCommand(initCmd())

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errNoReply) {
			// Timeouts were already reported per probe.
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		count       int
		interval    time.Duration
		timeout     time.Duration
		payloadSize int
		ttl         int
		privileged  bool
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "echoprobe [flags] <host>",
		Short: "echoprobe - Native ICMP echo measurement",
		Long: `echoprobe measures round-trip latency by sending ICMP echo requests
directly, without invoking the operating system's ping utility.

It constructs and parses the binary ICMP protocol itself, correlates
replies to outstanding probes, and reports each outcome. Exit codes:
0 a reply was received, 1 setup or probe failure, 2 no reply within
the deadline.`,
		Version: Version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			// Flags override file values.
			if cmd.Flags().Changed("count") {
				cfg.Probe.Count = count
			}
			if cmd.Flags().Changed("interval") {
				cfg.Probe.Interval = interval
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Probe.Timeout = timeout
			}
			if cmd.Flags().Changed("size") {
				cfg.Probe.PayloadSize = payloadSize
			}
			if cmd.Flags().Changed("ttl") {
				cfg.Probe.TTL = ttl
			}
			if cmd.Flags().Changed("privileged") {
				cfg.Probe.Privileged = privileged
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			return runProbes(cmd.Context(), cfg, args[0], jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().IntVarP(&count, "count", "n", 4, "Number of echo requests to send")
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "Interval between probes")
	cmd.Flags().DurationVarP(&timeout, "timeout", "W", 2*time.Second, "Reply deadline per probe")
	cmd.Flags().IntVarP(&payloadSize, "size", "s", 56, "Echo payload size in bytes")
	cmd.Flags().IntVarP(&ttl, "ttl", "t", 0, "IP time-to-live (0 = OS default)")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "Use a raw ICMP socket (requires elevated privilege)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Emit structured JSON records instead of text")

	return cmd
}

// loadConfig reads the config file when one was given and falls back
// to defaults otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runProbes(parent context.Context, cfg *config.Config, host string, jsonOutput bool) error {
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := resolve.New(resolve.DefaultTimeout)
	target, err := resolver.Resolve(ctx, host)
	if err != nil {
		return err
	}

	m := metrics.Default()
	if cfg.Metrics.Enabled {
		startMetricsServer(cfg.Metrics.Address, logger)
	}

	transport, err := icmp.OpenTransport(cfg.ProbeOptions(), logger, m)
	if err != nil {
		return err
	}
	defer transport.Close()

	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	reporter := report.New(os.Stdout, jsonOutput, isTTY && !jsonOutput)

	var failed int
	pinger := icmp.NewPinger(transport, cfg.ProbeOptions(), cfg.Probe.Interval, logger, m)
	err = pinger.Run(ctx, target, cfg.Probe.Count, func(res icmp.Result) {
		if res.State == icmp.StateFailed {
			failed++
		}
		reporter.Report(res)
	})
	reporter.Summary(host)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if reporter.Completed() > 0 {
		return nil
	}
	if failed > 0 {
		return fmt.Errorf("all probes to %s failed", host)
	}
	return errNoReply
}

// startMetricsServer exposes /metrics in the background. Failures are
// logged, not fatal; metrics are ancillary to the measurement.
func startMetricsServer(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", logging.KeyError, err)
		}
	}()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup",
		Long:  "Generate a configuration file through an interactive wizard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}
