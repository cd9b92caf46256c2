package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/finchapp/finch/internal/record"
	"github.com/finchapp/finch/internal/ui"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <entity> <key>",
	Short: "Delete a record",
	Long: `Delete a record from the local cache and queue the deletion for the
server. The record is tombstoned locally so the delete propagates to
other devices before it is physically removed.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		et := record.EntityType(args[0])
		if !et.Valid() {
			return fmt.Errorf("unknown entity type %q", args[0])
		}
		key := args[1]

		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.close()

		if err := svc.syncer.SubmitDelete(et, key); err != nil {
			return err
		}

		fmt.Printf("%s Deleted %s %s (queued for server)\n", ui.RenderPass("✓"), et, key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}
