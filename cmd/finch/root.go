package main

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/finchapp/finch/internal/config"
	"github.com/finchapp/finch/internal/netmon"
	"github.com/finchapp/finch/internal/queue"
	"github.com/finchapp/finch/internal/remote"
	"github.com/finchapp/finch/internal/store"
	"github.com/finchapp/finch/internal/syncer"
)

var (
	flagConfigFile string
	flagLogFile    string
)

var rootCmd = &cobra.Command{
	Use:   "finch",
	Short: "Offline-first personal finance tracker",
	Long: `finch tracks transactions, budgets, and savings goals in a local
cache that syncs with a remote server whenever connectivity allows.

Mutations always succeed locally; the pending queue drains in the
background, and conflicting edits resolve last-write-wins.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "config file (default <data dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "write logs to a rotating file instead of stderr")
}

// loadConfig resolves the effective configuration, applying the
// --log-file override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfigFile)
	if err != nil {
		return nil, err
	}
	if flagLogFile != "" {
		cfg.LogFile = flagLogFile
	}
	return cfg, nil
}

// services bundles the engine objects a command needs. Constructed
// once per invocation and closed when the command finishes.
type services struct {
	cfg    *config.Config
	store  *store.Store
	queue  *queue.Queue
	client *remote.HTTPClient
	syncer *syncer.Syncer
}

// openServices builds the service graph. The network monitor is
// always attached so every cycle starts with a reachability check and
// a dead network never consumes operation attempts; only the daemon
// starts its polling loop.
func openServices() (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	logger := config.NewLogger("[finch] ", cfg.LogFile)
	q := queue.New(st, cfg.SpoolDir(), config.NewLogger("[queue] ", cfg.LogFile))

	client := remote.NewHTTPClient(cfg.ServerURL, tokenFunc(cfg), nil)

	probe := netmon.HTTPProbe(cfg.ServerURL+"/health", nil)
	monitor, err := netmon.New(probe, cfg.ProbeInterval, config.NewLogger("[netmon] ", cfg.LogFile))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	syncCfg := syncer.DefaultConfig()
	syncCfg.DebounceInterval = cfg.DebounceInterval
	syncCfg.TombstoneRetention = cfg.TombstoneRetention
	syncCfg.SpoolDir = cfg.SpoolDir()
	syncCfg.Logger = logger

	sy, err := syncer.New(st, q, client, monitor, syncCfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &services{
		cfg:    cfg,
		store:  st,
		queue:  q,
		client: client,
		syncer: sy,
	}, nil
}

// close releases the service graph.
func (s *services) close() {
	if err := s.store.Close(); err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
}

// tokenFunc adapts the configured auth token to the remote client.
func tokenFunc(cfg *config.Config) remote.TokenFunc {
	if cfg.AuthToken == "" {
		return nil
	}
	return func(ctx context.Context) (string, error) {
		return cfg.AuthToken, nil
	}
}
