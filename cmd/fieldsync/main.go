// Command fieldsync is the field-device CLI: it registers beneficiaries and
// clinical records offline-first and keeps them in sync with the program API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anaemia-care/fieldsync/internal/config"
)

var (
	configPath string
	v          = config.New()
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first field records for the anaemia program",
	Long: `fieldsync records beneficiaries, screenings, interventions and referrals
on a field device. Every write lands in the local database first; when the
program API is unreachable it is queued in the outbox and delivered in order
once the device is back online.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		required := cmd.Flags().Changed("config")
		loaded, err := config.Load(v, configPath, required)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Record Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", config.DefaultPath(), "config file (TOML)")
	flags.String("db", "", "local database path")
	flags.String("api", "", "program API base URL")
	flags.String("actor", "", "health worker id recorded in the audit log")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "write logs to a rotating file")

	// Unset flags fall back to the file, environment and defaults.
	_ = v.BindPFlag("db.path", flags.Lookup("db"))
	_ = v.BindPFlag("api.base_url", flags.Lookup("api"))
	_ = v.BindPFlag("actor", flags.Lookup("actor"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.file", flags.Lookup("log-file"))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "%s %v\n", renderFail("Error:"), err)
		os.Exit(1)
	}
}
