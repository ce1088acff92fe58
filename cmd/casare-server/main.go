// Package main is the entry point for the casare-server binary — the
// orchestrator daemon. It wires the store, registry, dispatcher, relay and
// HTTP surface together and runs them until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/omerlefaruk/casare-orchestrator/internal/server/api"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/auth"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/db"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/dispatcher"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/metrics"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/registry"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/relay"
	"github.com/omerlefaruk/casare-orchestrator/internal/server/repositories"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr          string
	dbDriver          string
	dbDSN             string
	adminSecret       string
	logLevel          string
	dataDir           string
	heartbeatInterval time.Duration
	replyTimeout      time.Duration
	logRetention      time.Duration
	activeCancel      bool
}

func main() {
	// Local development keeps its settings in .env; absence is fine.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "casare-server",
		Short: "CasareRPA orchestrator — dispatches workflows to a robot fleet",
		Long: `casare-server is the central component of the CasareRPA platform.
It accepts robot connections over a persistent WebSocket channel, dispatches
queued workflow jobs to eligible robots, relays progress and logs back to
operators, and persists fleet state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newMintKeyCmd(cfg))

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("CASARE_HTTP_ADDR", ":8080"), "HTTP API and robot channel listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CASARE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CASARE_DB_DSN", "./casare.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.adminSecret, "admin-secret", envOrDefault("CASARE_ADMIN_SECRET", ""), "Admin secret for key management and the log stream (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CASARE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("CASARE_DATA_DIR", "./data"), "Directory for server data (JWT keys, etc.)")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", envDurationOrDefault("CASARE_HEARTBEAT_INTERVAL", 30*time.Second), "Heartbeat cadence pushed to robots")
	root.PersistentFlags().DurationVar(&cfg.replyTimeout, "reply-timeout", envDurationOrDefault("CASARE_REPLY_TIMEOUT", 10*time.Second), "How long to await a robot's reply to an assignment or cancel")
	root.PersistentFlags().DurationVar(&cfg.logRetention, "log-retention", envDurationOrDefault("CASARE_LOG_RETENTION", 30*24*time.Hour), "How long job log entries are kept")
	root.PersistentFlags().BoolVar(&cfg.activeCancel, "active-cancel", os.Getenv("CASARE_ACTIVE_CANCEL") == "true", "Send a best-effort JobCancel when a job times out (default: passive)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("casare-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// newMintKeyCmd mints an API key for a robot from the command line. The
// secret is printed exactly once — the bootstrap path before the REST
// surface is reachable.
func newMintKeyCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "mint-key <robot-id>",
		Short: "Mint an API key for a robot (secret printed once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			gormDB, err := db.New(db.Config{
				Driver:   cfg.dbDriver,
				DSN:      cfg.dbDSN,
				Logger:   logger,
				LogLevel: gormlogger.Silent,
			})
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			sqlDB, err := gormDB.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			keys := auth.NewAPIKeyService(repositories.NewAPIKeyRepository(gormDB), logger)
			key, secret, err := keys.Mint(cmd.Context(), args[0], nil)
			if err != nil {
				return fmt.Errorf("failed to mint key: %w", err)
			}

			fmt.Printf("key_id: %s\nrobot_id: %s\nsecret: %s\n", key.KeyID, key.RobotID, secret)
			fmt.Println("store the secret now — it cannot be recovered")
			return nil
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.adminSecret == "" {
		return fmt.Errorf("admin secret is required — set --admin-secret or CASARE_ADMIN_SECRET")
	}

	logger.Info("starting casare-server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 2. Repositories ---
	robotRepo := repositories.NewRobotRepository(gormDB)
	jobRepo := repositories.NewJobRepository(gormDB)
	keyRepo := repositories.NewAPIKeyRepository(gormDB)
	logRepo := repositories.NewLogRepository(gormDB)
	auditRepo := repositories.NewAuditRepository(gormDB)

	// --- 3. Auth ---
	apiKeys := auth.NewAPIKeyService(keyRepo, logger)
	jwtMgr, keyGenerated, err := auth.NewJWTManager(cfg.dataDir, "casare-server")
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}
	if keyGenerated {
		logger.Info("generated new JWT signing key", zap.String("data_dir", cfg.dataDir))
	}

	// --- 4. Metrics ---
	m := metrics.New()

	// --- 5. Registry + Relay ---
	reg := registry.New(registry.Config{
		HeartbeatInterval: cfg.heartbeatInterval,
		ReplyTimeout:      cfg.replyTimeout,
	}, robotRepo, jobRepo, apiKeys, m, logger)

	rel := relay.New(jobRepo, logRepo, reg, m, logger)
	reg.SetSink(rel)

	// --- 6. Dispatcher ---
	disp := dispatcher.New(dispatcher.Config{
		ActiveCancel: cfg.activeCancel,
	}, jobRepo, auditRepo, reg, m, logger)
	go disp.Run(ctx)

	// --- 7. Background maintenance ---
	limiter := api.NewRateLimiter()
	sched, err := startMaintenance(ctx, cfg, reg, disp, logRepo, limiter, logger)
	if err != nil {
		return fmt.Errorf("failed to start maintenance scheduler: %w", err)
	}
	defer func() {
		if err := sched.Shutdown(); err != nil {
			logger.Warn("maintenance scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 8. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Logger:      logger,
		DB:          gormDB,
		Registry:    reg,
		Dispatcher:  disp,
		Relay:       rel,
		Metrics:     m,
		APIKeys:     apiKeys,
		JWTManager:  jwtMgr,
		AdminSecret: cfg.adminSecret,
		Robots:      robotRepo,
		Jobs:        jobRepo,
		Logs:        logRepo,
		Keys:        keyRepo,
		Audit:       auditRepo,
		Limiter:     limiter,
	})

	httpSrv := &http.Server{
		Addr:    cfg.httpAddr,
		Handler: router,
		// No global read/write timeouts: the robot channel and the log
		// stream are long-lived upgraded connections. Slow-client defense
		// on REST paths comes from per-frame deadlines and MaxBytesReader.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down casare-server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	// Close robot channels first so handlers blocked in ServeConn return,
	// then drain the HTTP server.
	reg.CloseAll()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("casare-server stopped")
	return nil
}

// startMaintenance schedules the periodic background jobs: the liveness
// sweeper (every half heartbeat interval), the job timeout watchdog, the
// log retention purge, and rate limiter pruning.
func startMaintenance(ctx context.Context, cfg *config, reg *registry.Registry,
	disp *dispatcher.Dispatcher, logs repositories.LogRepository,
	limiter *api.RateLimiter, logger *zap.Logger) (gocron.Scheduler, error) {

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	sweepEvery := cfg.heartbeatInterval / 2
	if sweepEvery < time.Second {
		sweepEvery = time.Second
	}

	_, err = sched.NewJob(
		gocron.DurationJob(sweepEvery),
		gocron.NewTask(func() { reg.SweepStale(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(30*time.Second),
		gocron.NewTask(func() { disp.SweepTimeouts(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() {
			cutoff := time.Now().Add(-cfg.logRetention)
			purged, err := logs.PurgeOlderThan(ctx, cutoff)
			if err != nil {
				logger.Warn("log retention purge failed", zap.Error(err))
				return
			}
			if purged > 0 {
				logger.Info("purged old log entries", zap.Int64("count", purged))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() { limiter.Prune() }),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	logger.Info("maintenance scheduler started", zap.Duration("sweep_interval", sweepEvery))
	return sched, nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
