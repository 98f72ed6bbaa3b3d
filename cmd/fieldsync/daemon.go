package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anaemia-care/fieldsync/internal/dashboard"
	"github.com/anaemia-care/fieldsync/internal/importer"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	Aliases: []string{"run"},
	GroupID: "sync",
	Short:   "Run the background sync loop",
	Long: `Run until interrupted: probe the program API, drain the outbox on a timer
and whenever connectivity returns, serve the live dashboard and import roster
files dropped into the inbox directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			return runDaemon(cmd.Context(), a)
		})
	},
}

func runDaemon(ctx context.Context, a *app) error {
	var srv *dashboard.Server
	if cfg.Dashboard.Enabled {
		srv = dashboard.NewServer(dashboard.Config{Addr: cfg.Dashboard.Addr}, dashboard.Deps{
			Monitor:  a.monitor,
			Outbox:   a.queue,
			Engine:   a.engine,
			Gatherer: a.registry,
		}, a.logger)
		if err := srv.Start(); err != nil {
			return err
		}
		fmt.Printf("%s Dashboard on http://%s\n", renderAccent("→"), srv.Addr())
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.monitor.Run(ctx) })
	a.engine.Attach(a.monitor)
	g.Go(func() error { return a.engine.Run(ctx) })

	if srv != nil {
		detach := dashboard.NewHandler(srv, a.logger).Attach(a.engine, a.monitor)
		g.Go(func() error {
			<-ctx.Done()
			detach()
			return srv.Stop()
		})
	}

	if cfg.Import.Dir != "" {
		w := importer.NewWatcher(cfg.Import.Dir, importer.New(a.store, a.logger), cfg.Import.Debounce, a.logger)
		w.OnImport(func(res importer.Result, err error) {
			if err != nil {
				a.logger.Warn("roster file rejected", zap.String("path", res.Path), zap.Error(err))
				return
			}
			printImport(res)
		})
		g.Go(func() error { return w.Run(ctx) })
	}

	a.logger.Info("daemon started",
		zap.String("api", cfg.API.BaseURL),
		zap.Duration("interval", cfg.Sync.Interval))
	fmt.Printf("%s Syncing with %s every %v (Ctrl+C to stop)\n",
		renderPass("✓"), cfg.API.BaseURL, cfg.Sync.Interval)

	err := g.Wait()
	a.logger.Info("daemon stopped")
	return err
}

func init() {
	daemonCmd.Flags().Bool("no-dashboard", false, "do not serve the dashboard")
	daemonCmd.Flags().String("dashboard-addr", "", "dashboard listen address")
	daemonCmd.Flags().String("inbox", "", "roster drop directory (empty disables)")

	_ = v.BindPFlag("dashboard.addr", daemonCmd.Flags().Lookup("dashboard-addr"))
	_ = v.BindPFlag("import.dir", daemonCmd.Flags().Lookup("inbox"))

	daemonCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if off, _ := cmd.Flags().GetBool("no-dashboard"); off {
			cfg.Dashboard.Enabled = false
		}
		return nil
	}

	rootCmd.AddCommand(daemonCmd)
}
