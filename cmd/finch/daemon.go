package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/finchapp/finch/internal/config"
	"github.com/finchapp/finch/internal/dashboard"
	"github.com/finchapp/finch/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in the foreground.

The daemon:
  1. Monitors connectivity to the remote server
  2. Syncs on reconnect and after local mutations (debounced)
  3. Retries failed operations with backoff, up to the attempt limit
  4. Optionally serves a WebSocket status feed for dashboards

Stop with Ctrl+C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := openServices()
		if err != nil {
			return err
		}
		defer svc.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if svc.cfg.DashboardPort > 0 {
			dashCfg := &dashboard.Config{
				Port:   svc.cfg.DashboardPort,
				Logger: config.NewLogger("[dashboard] ", svc.cfg.LogFile),
			}
			server := dashboard.NewServer(dashCfg)
			if err := server.Start(); err != nil {
				return err
			}
			defer func() {
				if err := server.Stop(); err != nil {
					fmt.Printf("Warning: %v\n", err)
				}
			}()

			handler := dashboard.NewHandler(server, dashCfg.Logger)
			listenerID := svc.syncer.AddListener(handler.OnStatus)
			defer svc.syncer.RemoveListener(listenerID)
			svc.syncer.SetPermanentFailureHook(handler.OnPermanentFailure)

			fmt.Printf("%s Dashboard: ws://localhost:%d/ws\n", ui.RenderAccent("●"), svc.cfg.DashboardPort)
		}

		fmt.Printf("%s Starting sync daemon\n", ui.RenderAccent("●"))
		fmt.Printf("  Server: %s\n", svc.cfg.ServerURL)
		fmt.Printf("  Cache:  %s\n", svc.cfg.DatabasePath())
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		return svc.syncer.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
