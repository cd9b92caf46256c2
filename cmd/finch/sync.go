package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/finchapp/finch/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Pull remote changes, reconcile them with the local cache, and push
pending operations. Equivalent to the cycle the daemon runs, forced
immediately.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.close()

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("⇅"), svc.cfg.ServerURL)
		start := time.Now()

		if !svc.syncer.ForceSync(cmd.Context()) {
			return fmt.Errorf("a sync cycle is already in progress")
		}

		status := svc.syncer.Status()
		if !status.IsOnline {
			fmt.Printf("%s Server unreachable; queued operations kept for later\n", ui.RenderWarn("!"))
		} else {
			fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		}
		if status.PendingOperations > 0 {
			fmt.Printf("  %s\n", ui.RenderWarn(fmt.Sprintf("%d operation(s) still pending", status.PendingOperations)))
		}
		if status.FailedOperations > 0 {
			fmt.Printf("  %s\n", ui.RenderFail(fmt.Sprintf("%d operation(s) permanently failed", status.FailedOperations)))
		}
		return nil
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync engine status",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.close()

		status := svc.syncer.Status()

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("⇅"))
		fmt.Printf("Server:   %s\n", svc.cfg.ServerURL)
		fmt.Printf("Cache:    %s\n", svc.cfg.DatabasePath())
		if status.LastSyncTime != nil {
			fmt.Printf("Last sync: %s\n", status.LastSyncTime.Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("Last sync: %s\n", ui.RenderMuted("never"))
		}
		fmt.Printf("Pending:  %d\n", status.PendingOperations)
		if status.FailedOperations > 0 {
			fmt.Printf("Failed:   %s\n", ui.RenderFail(fmt.Sprintf("%d", status.FailedOperations)))
		} else {
			fmt.Printf("Failed:   0\n")
		}
		fmt.Println()
		return nil
	},
}

var syncClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe all locally cached sync data",
	Long: `Remove every cached record, the pending operation queue, and sync
metadata. The next sync rebuilds the cache from the server. Pending
local edits that have not been pushed are lost.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.close()

		if err := svc.syncer.ClearSyncData(); err != nil {
			return err
		}
		fmt.Printf("%s Sync data cleared\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	syncCmd.AddCommand(syncStatusCmd)
	syncCmd.AddCommand(syncClearCmd)
	rootCmd.AddCommand(syncCmd)
}
