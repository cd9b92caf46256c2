package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/finchapp/finch/internal/config"
	"github.com/finchapp/finch/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage finch configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfigFile
		if path == "" {
			path = filepath.Join(config.DefaultDataDir(), "config.yaml")
		}

		if err := config.WriteDefault(path); err != nil {
			return err
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Println("Edit server_url to point at your sync server.")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}
