package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mschirtzinger/offlinesync/internal/config"
	"github.com/mschirtzinger/offlinesync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		path := "offsync.toml"
		if len(args) == 1 {
			path = args[0]
		}

		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Fprintf(cmd.OutOrStdout(), "   Set remote.url and remote.api_key, or OFFSYNC_REMOTE_URL and OFFSYNC_REMOTE_API_KEY\n")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Remote.APIKey != "" {
			cfg.Remote.APIKey = "********"
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
