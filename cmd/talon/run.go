package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"talon/internal/gate"
	"talon/internal/scheduler"
)

var (
	runMaxParallel    int
	runStepBudget     int
	runHITL           bool
	runOutputMode     string
	runPlannerModel   string
	runExecutorModel  string
	runReflectorModel string
)

var runCmd = &cobra.Command{
	Use:   "run <goal>",
	Short: "Start an operation and stream its events",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOperation,
}

func init() {
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "executor fanout limit (0 = config default)")
	runCmd.Flags().IntVar(&runStepBudget, "step-budget", 0, "per-subtask step budget (0 = config default)")
	runCmd.Flags().BoolVar(&runHITL, "hitl", false, "gate plans behind human approval")
	runCmd.Flags().StringVar(&runOutputMode, "output", "default", "output mode: simple, default, debug")
	runCmd.Flags().StringVar(&runPlannerModel, "planner-model", "", "override planner model")
	runCmd.Flags().StringVar(&runExecutorModel, "executor-model", "", "override executor model")
	runCmd.Flags().StringVar(&runReflectorModel, "reflector-model", "", "override reflector model")
	rootCmd.AddCommand(runCmd)
}

func runOperation(cmd *cobra.Command, args []string) error {
	goal := strings.Join(args, " ")
	if err := cfg.Validate(); err != nil {
		return err
	}

	mgr, err := scheduler.NewManager(cfg)
	if err != nil {
		return err
	}
	defer mgr.Close()

	opts := scheduler.Options{
		MaxParallel:    runMaxParallel,
		StepBudget:     runStepBudget,
		OutputMode:     runOutputMode,
		PlannerModel:   runPlannerModel,
		ExecutorModel:  runExecutorModel,
		ReflectorModel: runReflectorModel,
	}
	if cmd.Flags().Changed("hitl") {
		opts.HITL = &runHITL
	}

	opID, err := mgr.StartOperation(goal, opts)
	if err != nil {
		return err
	}
	logger.Info("operation started", zap.String("op_id", opID))

	// Out-of-process decisions land as files in the decision directory.
	if g, err := mgr.Gate(opID); err == nil {
		if watcher, werr := gate.NewWatcher(g, cfg.Gate.DecisionDir); werr == nil {
			defer watcher.Close()
		} else {
			logger.Warn("decision watcher unavailable", zap.Error(werr))
		}
	}

	sub, err := mgr.Subscribe(opID, 0)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	console := newConsole(runOutputMode)
	ctx := context.Background()
	doneCh := make(chan struct{})
	go func() {
		_ = mgr.Wait(ctx, opID)
		close(doneCh)
	}()

	aborting := false
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				status, level, rationale, _ := mgr.Status(opID)
				fmt.Println(console.Final(string(status), string(level), rationale))
				if status != scheduler.StatusSucceeded {
					return fmt.Errorf("operation %s: %s", opID, status)
				}
				return nil
			}
			if line := console.Render(ev); line != "" {
				fmt.Println(line)
			}
		case <-sigCh:
			if aborting {
				logger.Warn("second interrupt, exiting immediately")
				return fmt.Errorf("operation %s interrupted", opID)
			}
			aborting = true
			logger.Info("interrupt received, aborting operation", zap.String("op_id", opID))
			_ = mgr.AbortOperation(opID)
		case <-doneCh:
			doneCh = nil // keep draining events until the stream closes
		}
	}
}
