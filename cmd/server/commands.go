package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/warp/card-escrow/api"
	"github.com/warp/card-escrow/config"
	"github.com/warp/card-escrow/logging"
	"github.com/warp/card-escrow/metrics"
	"github.com/warp/card-escrow/store/postgres"
	"github.com/warp/card-escrow/store/sqlite"
	"github.com/warp/card-escrow/trade"
	memstore "github.com/warp/card-escrow/trade/store"
)

// global flags
var (
	configPath string
	dbDriver   string
	dbDSN      string
	logLevel   string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "card-escrow",
		Short:         "Escrow and exchange engine for collectible card trades",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "Store driver: sqlite, postgres or memory")
	root.PersistentFlags().StringVar(&dbDSN, "db", "", "Database DSN or SQLite path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(newServeCmd(), newExpireCmd(), newCleanupCmd(), newMigrateCmd())
	return root
}

// =============================================================================
// SHARED SETUP
// =============================================================================

// runtime bundles what every command needs.
type runtime struct {
	cfg    config.Config
	logger *slog.Logger
	store  trade.Store
	closer []io.Closer
}

func (rt *runtime) Close() {
	for i := len(rt.closer) - 1; i >= 0; i-- {
		rt.closer[i].Close()
	}
}

// loadConfig reads the config file and env, then applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("db-driver") {
		cfg.Database.Driver = dbDriver
	}
	if flags.Changed("db") {
		cfg.Database.DSN = dbDSN
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("addr") {
		cfg.Server.Addr, _ = flags.GetString("addr")
	}
	return cfg, cfg.Validate()
}

func setup(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, logCloser := logging.Setup(logging.Options{
		Service:    "card-escrow",
		Env:        cfg.Log.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	rt := &runtime{cfg: cfg, logger: logger, closer: []io.Closer{logCloser}}

	st, closer, err := openStore(cmd.Context(), cfg.Database)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.store = st
	if closer != nil {
		rt.closer = append(rt.closer, closer)
	}
	logger.Info("store opened", "driver", cfg.Database.Driver)
	return rt, nil
}

// openStore opens and migrates the configured store.
func openStore(ctx context.Context, db config.DatabaseConfig) (trade.Store, io.Closer, error) {
	switch db.Driver {
	case config.DriverSQLite:
		st, err := sqlite.New(db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, st, nil
	case config.DriverPostgres:
		st, err := postgres.New(ctx, db.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, st, nil
	case config.DriverMemory:
		return memstore.NewMemory(), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", db.Driver)
}

func (rt *runtime) service(opts ...trade.Option) *trade.Service {
	base := []trade.Option{
		trade.WithLogger(rt.logger),
		trade.WithDefaultExpiry(rt.cfg.Trades.DefaultExpiry.Duration),
		trade.WithSweep(rt.cfg.Trades.SweepBatch, rt.cfg.Trades.SweepWorkers),
		trade.WithIDGenerator(uuid.NewString),
	}
	return trade.NewService(rt.store, append(base, opts...)...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the expiry sweeper",
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "HTTP listen address (default :8080)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	rt, err := setup(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg, logger := rt.cfg, rt.logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := rt.service(trade.WithObserver(m))
	handler := api.NewHandler(svc, api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Admins), logger)
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("no jwt secret configured, trusting the " + api.UserHeader + " header")
	}

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:     cfg.Server.CORSOrigins,
		Metrics:         m.Middleware,
		MetricsHandler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		EnableScenarios: cfg.Server.EnableScenarios,
	})

	sweeper := api.NewExpirySweeper(svc, logger)
	sweeper.Interval = cfg.Trades.SweepInterval.Duration
	sweeper.Start()

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case err := <-errCh:
		sweeper.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("shutting down server")
	sweeper.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// =============================================================================
// MAINTENANCE COMMANDS
// =============================================================================

func newExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire every due trade once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.service().ExpireDue(cmd.Context())
			if err != nil {
				return fmt.Errorf("expiry sweep: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

func newCleanupCmd() *cobra.Command {
	var (
		retentionDays int
		dryRun        bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete resolved trade chains older than the retention window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !cmd.Flags().Changed("retention-days") {
				retentionDays = rt.cfg.Trades.RetentionDays
			}
			report, err := rt.service().Cleanup(cmd.Context(), trade.CleanupInput{
				RetentionDays: retentionDays,
				DryRun:        dryRun,
			})
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			rt.logger.Info("cleanup finished", "dry_run", report.DryRun, "chains", report.Chains, "trades", report.Trades)
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", trade.DefaultRetentionDays, "Keep chains resolved within this many days")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be deleted without deleting")
	return cmd
}

// migrator is implemented by the SQL stores.
type migrator interface {
	Migrate(ctx context.Context) error
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			m, ok := rt.store.(migrator)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "driver %s has no schema\n", rt.cfg.Database.Driver)
				return nil
			}
			if err := m.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}
