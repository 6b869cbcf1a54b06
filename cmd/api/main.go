package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"covenant/config"
	"covenant/db"
	"covenant/governance"
	"covenant/logging"
	"covenant/outbox"
	"covenant/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "covenant",
	Short: "Agreement governance API",
	Long: `covenant registers two-party agreements, runs verification voting and
dispute arbitration, and keeps reputation and token balances for every
participant.

Without DATABASE_URL the state lives in memory and is lost on exit.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the outbox relay",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the Postgres schema",
	RunE:  runMigrate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "covenant.yaml", "path to the YAML config")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadRuntime() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore returns the Postgres store when a database is configured and the
// in-memory store otherwise. The returned func releases the pool.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store.NewPostgres(pool), pool.Close, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, release, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	sys, err := governance.New(ctx, st, cfg, governance.WithLogger(logger))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      NewServer(sys, logger).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	relay := outbox.NewRelay(st, outbox.LogPublisher{Logger: logger.Named("events")},
		outbox.WithLogger(logger),
		outbox.WithInterval(cfg.Outbox.Interval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("api stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Database.URL == "" {
		return errors.New("migrate: DATABASE_URL is required")
	}
	pool, err := db.NewPool(cmd.Context(), cfg.Database)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if err := store.Migrate(cmd.Context(), pool); err != nil {
		return err
	}
	logger.Info("schema applied")
	return nil
}
