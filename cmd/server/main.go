/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the pharmacy engine server, and exposes a few
  maintenance commands against the same database.

COMMANDS:
  serve     Start the HTTP API
  migrate   Create or upgrade the SQLite schema and exit
  seed      Load a catalog + opening stock JSON file
  alerts    Print current stock alerts

STARTUP SEQUENCE (serve):
  1. Load configuration (env, optional .env)
  2. Build the zerolog logger
  3. Open and migrate the SQLite store
  4. Wire the API handler and router
  5. Optionally load SEED_FILE
  6. Start server with graceful shutdown

CONFIGURATION:
  PORT, ENV, DB_PATH, LOG_LEVEL, CORS_ORIGINS, LEDGER_MAX_RETRIES,
  EXPIRING_SOON_DAYS, SEED_FILE. See config/config.go.
  DB_PATH=":memory:" runs on an in-memory database.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection

EXAMPLES:
  ENV=development DB_PATH=:memory: ./server serve
  ./server seed ./testdata/seed.json
  ./server alerts --days 60

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/warp/pharmacy-engine/api"
	"github.com/warp/pharmacy-engine/config"
	"github.com/warp/pharmacy-engine/dispense"
	"github.com/warp/pharmacy-engine/stock"
	"github.com/warp/pharmacy-engine/store/sqlite"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pharmacy-server",
		Short: "Clinic pharmacy inventory and dispensing engine",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(alertsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pharmacy API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			// New migrates on open.
			store, err := sqlite.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()
			fmt.Printf("Schema ready at %s\n", cfg.DBPath)
			return nil
		},
	}
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Load medicines and opening stock from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			store, err := sqlite.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			h := newHandler(cfg, store, logger)
			if err := seedFromFile(cmd.Context(), h, args[0]); err != nil {
				return err
			}
			fmt.Printf("Seeded %s from %s\n", cfg.DBPath, args[0])
			return nil
		},
	}
}

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Print low stock, expiry and stock take alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			days, _ := cmd.Flags().GetInt("days")
			if days <= 0 {
				days = cfg.ExpiringSoonDays
			}
			asJSON, _ := cmd.Flags().GetBool("json")

			store, err := sqlite.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			reporter := stock.NewReporter(store, store, stock.SystemClock{})
			alerts, err := reporter.Alerts(cmd.Context(), days)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(alerts)
			}
			if len(alerts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No alerts.")
				return nil
			}
			for _, a := range alerts {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", a.Kind, a.Message)
			}
			return nil
		},
	}
	cmd.Flags().Int("days", 0, "Expiry window in days (default EXPIRING_SOON_DAYS)")
	cmd.Flags().Bool("json", false, "Print alerts as JSON")
	return cmd
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg)

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()
	logger.Info().Str("db", cfg.DBPath).Msg("database ready")

	handler := newHandler(cfg, store, logger)
	handler.Workflow.Billing = logBilling{logger: logger.With().Str("component", "billing").Logger()}

	if cfg.SeedFile != "" {
		if err := seedFromFile(context.Background(), handler, cfg.SeedFile); err != nil {
			logger.Fatal().Err(err).Str("file", cfg.SeedFile).Msg("failed to seed database")
		}
		logger.Info().Str("file", cfg.SeedFile).Msg("database seeded")
	}

	router := api.NewRouter(handler, cfg.CORSOrigins)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func newHandler(cfg *config.Config, store *sqlite.Store, logger zerolog.Logger) *api.Handler {
	h := api.NewHandler(store, stock.SystemClock{}, logger)
	h.Ledger.MaxRetries = cfg.LedgerMaxRetries
	h.Workflow.MaxReplans = cfg.LedgerMaxRetries
	h.ExpiringSoonDays = cfg.ExpiringSoonDays
	return h
}

func seedFromFile(ctx context.Context, h *api.Handler, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	return h.LoadSeed(ctx, data)
}

// logBilling hands deliveries to the log until a billing system is wired in.
type logBilling struct {
	logger zerolog.Logger
}

func (b logBilling) Charge(_ context.Context, d dispense.Delivery) error {
	b.logger.Info().
		Str("record", d.RecordID).
		Str("prescription", d.PrescriptionID).
		Int64("patient", d.PatientID).
		Int("lines", len(d.Charges)).
		Str("total", d.Total.StringFixed(2)).
		Msg("delivery charged")
	return nil
}
