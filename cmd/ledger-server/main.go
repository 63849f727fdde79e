package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/medledger/medledger/internal/api"
	"github.com/medledger/medledger/internal/commit"
	"github.com/medledger/medledger/internal/config"
	"github.com/medledger/medledger/internal/ingest"
	"github.com/medledger/medledger/internal/ledger"
	"github.com/medledger/medledger/internal/platform/audit"
	"github.com/medledger/medledger/internal/platform/db"
	"github.com/medledger/medledger/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledger-server",
		Short: "Tamper-evident clinical telemetry commit pipeline",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(chainCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ledger API server and ingestion workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, dir)
			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

// verifyCmd and chainCmd talk to a running server: chain state lives in the
// server process, so offline verification would always see an empty ledger.

func verifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <record-id>",
		Short: "Verify the integrity of a committed record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			body, err := httpDo(http.MethodPost, server+"/api/v1/ledger/verify/"+args[0], nil)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().String("server", "http://localhost:8000", "Base URL of the ledger server")
	return cmd
}

func chainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chain",
		Short: "Export or import the hash chain",
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export the chain snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			out, _ := cmd.Flags().GetString("out")

			body, err := httpDo(http.MethodGet, server+"/api/v1/ledger/export", nil)
			if err != nil {
				return err
			}
			if out == "" {
				fmt.Println(string(body))
				return nil
			}
			if err := os.WriteFile(out, body, 0o600); err != nil {
				return fmt.Errorf("write snapshot: %w", err)
			}
			fmt.Printf("Chain snapshot written to %s\n", out)
			return nil
		},
	}
	exportCmd.Flags().String("server", "http://localhost:8000", "Base URL of the ledger server")
	exportCmd.Flags().String("out", "", "Write the snapshot to a file instead of stdout")
	cmd.AddCommand(exportCmd)

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a chain snapshot from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				return fmt.Errorf("--file is required")
			}

			snapshot, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read snapshot: %w", err)
			}
			body, err := httpDo(http.MethodPost, server+"/api/v1/ledger/import", snapshot)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
	importCmd.Flags().String("server", "http://localhost:8000", "Base URL of the ledger server")
	importCmd.Flags().String("file", "", "Path to the snapshot JSON file")
	cmd.AddCommand(importCmd)

	return cmd
}

func httpDo(method, url string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, out)
	}
	return out, nil
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	// Record store and audit sink
	var store commit.Store
	var sink audit.Sink
	var pgPool *pgxpool.Pool
	if cfg.StoreBackend == config.StorePostgres {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")
		pgPool = pool
		store = commit.NewStorePG(pool)
		sink = audit.NewPGSink(pool)
	} else {
		logger.Warn().Msg("using in-memory record store; committed records will not survive a restart")
		store = commit.NewInMemoryStore()
		sink = audit.NewLogSink(logger)
	}

	// Ingestion queue
	var queue ingest.Queue
	if cfg.QueuePath != "" {
		dq, err := ingest.OpenLevelDBQueue(cfg.QueuePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open durable queue")
		}
		defer dq.Close()
		logger.Info().Str("path", cfg.QueuePath).Int("depth", dq.Len()).Msg("durable queue opened")
		queue = dq
	} else {
		logger.Warn().Msg("using in-memory queue; queued jobs will not survive a restart")
		queue = ingest.NewMemoryQueue(0)
	}

	// Ledger and commit pipeline
	led := ledger.New(logger)
	commits := commit.NewService(led, store, logger)

	workers := ingest.NewPool(ingest.Config{
		Workers:         cfg.WorkerCount,
		BatchSize:       cfg.BatchSize,
		MaxRetries:      cfg.MaxRetries,
		DrainTimeout:    cfg.DrainTimeout(),
		QueueDepthWarn:  cfg.QueueDepthWarn,
		MonitorInterval: cfg.MonitorInterval(),
	}, queue, commits, sink, logger)
	workers.Start()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M", "10M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

	handler := api.NewHandler(commits, queue, workers, logger)
	handler.RegisterRoutes(apiV1)

	// Health checks
	healthz := func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	}
	e.GET("/healthz", healthz)
	e.GET("/health", healthz)
	if pgPool != nil {
		e.GET("/health/db", db.HealthHandler(pgPool))
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}

	// Stop accepting and drain in-flight batches before releasing the queue.
	workers.Stop()

	logger.Info().Msg("server stopped")
	return nil
}
