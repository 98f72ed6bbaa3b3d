package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/anaemia-care/fieldsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	// The file may not exist yet, so skip loading it.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if err := config.WriteDefaults(configPath, force); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", renderPass("✓"), configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print every setting after merging defaults, the config file,
FIELDSYNC_* environment variables and command-line flags.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("%s %s\n\n", renderMuted("# from"), used)
		}
		keys := v.AllKeys()
		sort.Strings(keys)
		for _, k := range keys {
			val := v.Get(k)
			if isSecret(k) && fmt.Sprint(val) != "" {
				val = "********"
			}
			fmt.Printf("%s = %v\n", renderAccent(k), val)
		}
		return nil
	},
}

func isSecret(key string) bool {
	switch key {
	case "api.token", "server.token", "server.postgres_dsn", "cache.redis_url":
		return true
	}
	return false
}

func init() {
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
