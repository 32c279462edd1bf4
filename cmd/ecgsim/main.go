package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/srg/ecglink/internal/simulator"
	"github.com/srg/ecglink/pkg/config"
)

var (
	version = "dev"
	commit  = "none"
)

const shutdownTimeout = 5 * time.Second

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ecgsim",
		Short: "ECG backend simulator",
		Long: `Serves a stand-in for the ECG backend on one port:

- GET  /status/{device_id}       recording progress
- POST /claim-device             device ownership (Bearer token)
- GET  /predictions/{device_id}  last analysis result
- GET  /ws?device_id=...         live sample stream

Connected devices receive synthetic samples. A session turns ready after the
configured length and a prediction is pushed to its stream.`,
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
		RunE:         runServe,
	}

	cmd.Flags().StringP("config", "c", "", "Config file (.yaml, .yml or .toml)")
	cmd.Flags().StringP("listen", "l", "", "Listen address (default from config, :8000)")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")
	cmd.Flags().Float64("time-scale", 0, "Session seconds per wall-clock second")
	cmd.Flags().Duration("session-length", 0, "Recording length before a session turns ready")
	return cmd
}

// resolveConfig loads --config and applies the flags that were set on top of it
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Simulator.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
		if _, err := config.ParseLogLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	if flags.Changed("time-scale") {
		cfg.Simulator.TimeScale, _ = flags.GetFloat64("time-scale")
	}
	if flags.Changed("session-length") {
		cfg.Simulator.SessionLength, _ = flags.GetDuration("session-length")
	}
	if cfg.Simulator.TimeScale <= 0 || cfg.Simulator.SessionLength <= 0 {
		return nil, fmt.Errorf("time-scale and session-length must be positive")
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.NewLogger()
	gin.SetMode(gin.ReleaseMode)

	sim := simulator.New(cfg.SimulatorOptions(), logger)
	srv := &http.Server{
		Addr:              cfg.Simulator.Listen,
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sim.Generate(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()
	printBanner(cmd.OutOrStdout(), cfg)

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve %s: %w", cfg.Simulator.Listen, err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	sim.DisconnectAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func printBanner(w io.Writer, cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	key := color.New(color.FgYellow)

	title.Fprintln(w, "ECG backend simulator")
	key.Fprint(w, "  listen          ")
	fmt.Fprintln(w, cfg.Simulator.Listen)
	key.Fprint(w, "  session length  ")
	fmt.Fprintln(w, cfg.Simulator.SessionLength)
	key.Fprint(w, "  time scale      ")
	fmt.Fprintf(w, "%gx\n", cfg.Simulator.TimeScale)
	key.Fprint(w, "  batch           ")
	fmt.Fprintf(w, "%d samples every %s\n", cfg.Simulator.BatchSize, cfg.Simulator.Interval)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) {
			return
		}
		color.New(color.FgRed).Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}
