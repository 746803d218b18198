package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"talon/internal/checkpoint"
)

// opsCmd lists checkpointed operations and their final status.
var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "List known operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := checkpoint.Open(cfg.Checkpoint.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		rows, err := store.List()
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("no operations recorded")
			return nil
		}
		for _, row := range rows {
			detail := ""
			if row.Detail != "" {
				detail = " - " + row.Detail
			}
			fmt.Printf("%-14s %-10s %s  %.60s%s\n",
				row.OpID, row.Status, row.UpdatedAt.Format("2006-01-02 15:04"), row.Goal, detail)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(opsCmd)
}
