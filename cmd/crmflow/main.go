package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"crmflow/internal/config"
	"crmflow/internal/workspace"
)

const appName = "crmflow"

var (
	// Global flags
	workspacePath string
	verbose       bool
	timeout       time.Duration

	// Set up in PersistentPreRunE
	logger *zap.Logger
	cfg    config.Config
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "crmflow: staged CRM campaign message pipeline",
	Long: `crmflow drives a CRM campaign from brief to delivered message.

A run moves through audience targeting, knowledge retrieval, template
candidate generation and compliance review, then pauses for a human to
pick a template. Every stage result is recorded as an append-only handoff
so runs can be inspected and resumed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		root, err := workspace.ResolveRoot(workspacePath)
		if err != nil {
			return err
		}
		loaded, err := config.Load(filepath.Join(root, workspace.ConfigFile))
		if err != nil {
			return err
		}
		cfg = loaded

		zapCfg := zap.NewProductionConfig()
		level, err := zapcore.ParseLevel(strings.ToLower(cfg.Log.Level))
		if err != nil {
			level = zapcore.InfoLevel
		}
		if verbose {
			level = zapcore.DebugLevel
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspacePath, "workspace", "w", ".", "Path to workspace root")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(
		initCmd,
		customersCmd,
		kbCmd,
		runCmd,
		watchCmd,
		jobsCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// commandContext returns a context cancelled on SIGINT/SIGTERM or after the
// --timeout flag elapses.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx, stop := signalContext(cmd)
	if timeout <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// signalContext returns a context cancelled on SIGINT/SIGTERM only.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
