// Package main implements the talon CLI - an autonomous security-assessment
// agent driven by a planner/executor/reflector loop over a dual-graph state
// store.
//
// Commands:
//   - run.go       - runCmd: start an operation and stream its events
//   - intervene.go - interveneCmd: resolve a pending intervention request
//   - ops.go       - opsCmd: list checkpointed operations
//   - console.go   - event rendering for the run command
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"talon/internal/config"
	"talon/internal/logging"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	// Loaded config, available to all commands after PersistentPreRunE.
	cfg *config.Config

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "talon",
	Short: "talon - autonomous security-assessment agent",
	Long: `talon drives an LLM through a planner/executor/reflector loop against
an MCP tool host to pursue an open-ended assessment objective.

State lives in a dual graph: the task DAG of planned subtasks and executed
actions, and the causal graph of facts, hypotheses, and vulnerabilities.
Every plan can be gated behind human approval.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zapcore.InfoLevel
		if verbose {
			level = zapcore.DebugLevel
		}
		zcfg := zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(level)
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}

		if err := config.LoadDotEnv(); err != nil {
			logger.Warn("dotenv load failed", zap.Error(err))
		}
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg.ApplyEnvOverrides()
		if verbose {
			cfg.Logging.DebugMode = true
			cfg.Logging.Level = "debug"
		}
		if err := logging.Initialize(cfg.StateDir, cfg.Logging); err != nil {
			logger.Warn("file logging unavailable", zap.Error(err))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "talon.yaml", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
