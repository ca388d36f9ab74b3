// Command offsync is the command-line front end of the offline sync engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/offlinesync/internal/app"
	"github.com/mschirtzinger/offlinesync/internal/config"
)

var (
	cfgFile   string
	ownerFlag string
	dataDir   string
	offline   bool

	// appOptions lets tests swap the remote backend.
	appOptions *app.Options
)

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline-first cache and sync queue for tasks, expenses and reminders",
	Long: `offsync keeps a local SQLite cache of tasks, expenses and reminders,
queues writes made while offline and replays them in order once the
remote store is reachable again.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync and cache:"},
	)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (TOML or YAML)")
	rootCmd.PersistentFlags().StringVar(&ownerFlag, "owner", "", "owner id (overrides config owner)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config data_dir)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "treat the remote store as unreachable")
}

// loadConfig applies command-line overrides on top of the loaded config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if ownerFlag != "" {
		cfg.Owner = ownerFlag
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if offline {
		cfg.Connectivity.ForceOffline = true
	}
	return cfg, nil
}

// openApp loads the config and initializes an App. Callers must Dispose it.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(cfg, appOptions)
	if err != nil {
		return nil, err
	}
	if err := a.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return a, nil
}

// requireOwner returns the owner from --owner or the config.
func requireOwner(a *app.App) (string, error) {
	if a.Config.Owner == "" {
		return "", fmt.Errorf("no owner: pass --owner or set owner in the config")
	}
	return a.Config.Owner, nil
}
