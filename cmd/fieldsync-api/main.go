// Command fieldsync-api serves the program API that field devices sync
// against. It keeps records in memory or in PostgreSQL.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anaemia-care/fieldsync/internal/api"
	"github.com/anaemia-care/fieldsync/internal/api/postgres"
	"github.com/anaemia-care/fieldsync/internal/config"
	"github.com/anaemia-care/fieldsync/internal/logging"
)

var (
	configPath string
	v          = config.New()
)

var rootCmd = &cobra.Command{
	Use:          "fieldsync-api",
	Short:        "Program API for fieldsync devices",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v, configPath, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configPath, "config", config.DefaultPath(), "config file (TOML)")
	flags.String("addr", "", "listen address")
	flags.String("backend", "", "record store: memory or postgres")
	flags.String("postgres-dsn", "", "PostgreSQL connection string")
	flags.String("token", "", "bearer token required on /api/v1")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (console or json)")

	_ = v.BindPFlag("server.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("server.backend", flags.Lookup("backend"))
	_ = v.BindPFlag("server.postgres_dsn", flags.Lookup("postgres-dsn"))
	_ = v.BindPFlag("server.token", flags.Lookup("token"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		File:    cfg.Log.File,
		Service: "fieldsync-api",
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	repo, closeRepo, err := openRepository(ctx, cfg.Server, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr, err)
	}

	srv := &http.Server{
		Handler:           api.NewHandler(repo, api.Config{Token: cfg.Server.Token}, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("backend", cfg.Server.Backend),
			zap.Bool("auth", cfg.Server.Token != ""))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		logger.Info("api stopped")
		return nil
	})
	return g.Wait()
}

func openRepository(ctx context.Context, cfg config.ServerConfig, logger *zap.Logger) (api.Repository, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := postgres.Open(postgres.Config{DSN: cfg.PostgresDSN})
		if err != nil {
			return nil, nil, err
		}
		repo := postgres.New(db, logger)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return repo, closeDB(db, logger), nil
	default:
		logger.Warn("using in-memory backend; records are lost on restart")
		return api.NewMemoryRepository(), func() {}, nil
	}
}

func closeDB(db *sql.DB, logger *zap.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Warn("failed to close database", zap.Error(err))
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
