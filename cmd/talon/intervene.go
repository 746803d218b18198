package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"talon/internal/gate"
)

var (
	interveneReject     bool
	interveneReason     string
	interveneModifyFile string
)

// interveneCmd resolves a pending request by dropping a decision file into
// the watched decision directory of the running talon process.
var interveneCmd = &cobra.Command{
	Use:   "intervene <request-id>",
	Short: "Resolve a pending intervention request",
	Long: `Resolve a pending plan-approval request. By default the request is
approved; use --reject to drop the batch or --modify-file to substitute an
edited command batch (a JSON array of graph commands).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision := gate.DecisionFile{
			RequestID: args[0],
			Action:    gate.Approve,
		}
		switch {
		case interveneReject:
			decision.Action = gate.Reject
			decision.Reason = interveneReason
		case interveneModifyFile != "":
			data, err := os.ReadFile(interveneModifyFile)
			if err != nil {
				return err
			}
			var batch []json.RawMessage
			if err := json.Unmarshal(data, &batch); err != nil {
				return fmt.Errorf("modify file must be a JSON array of commands: %w", err)
			}
			decision.Action = gate.Modify
			decision.Batch = batch
		}

		payload, err := json.MarshalIndent(decision, "", "  ")
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.Gate.DecisionDir, 0755); err != nil {
			return err
		}
		name := "decision-" + strings.ReplaceAll(args[0], string(filepath.Separator), "_") + ".json"
		path := filepath.Join(cfg.Gate.DecisionDir, name)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, payload, 0644); err != nil {
			return err
		}
		if err := os.Rename(tmp, path); err != nil {
			return err
		}
		fmt.Printf("decision %s written to %s\n", decision.Action, path)
		return nil
	},
}

func init() {
	interveneCmd.Flags().BoolVar(&interveneReject, "reject", false, "reject the batch")
	interveneCmd.Flags().StringVar(&interveneReason, "reason", "", "rejection reason")
	interveneCmd.Flags().StringVar(&interveneModifyFile, "modify-file", "", "JSON file with a replacement batch")
	rootCmd.AddCommand(interveneCmd)
}
