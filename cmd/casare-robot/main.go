// Package main is the entry point for the casare-robot binary — the worker
// daemon that connects to the orchestrator, receives workflow jobs, and
// reports progress and results back over the channel.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Build the workflow runner
//  4. Build the connection manager (stable identity from the state dir)
//  5. Run the connection loop until SIGINT/SIGTERM or a Shutdown command
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/omerlefaruk/casare-orchestrator/internal/robot/connection"
	"github.com/omerlefaruk/casare-orchestrator/internal/robot/runner"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	serverURL    string
	apiKey       string
	robotName    string
	environment  string
	tenantID     string
	stateDir     string
	maxJobs      int
	capabilities string
	tags         string
	logLevel     string
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "casare-robot",
		Short: "CasareRPA robot — workflow worker for the CasareRPA platform",
		Long: `casare-robot runs on each worker machine. It connects to the
orchestrator over a persistent WebSocket channel, receives workflow jobs,
executes them, and streams progress and logs back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.serverURL, "server-url", envOrDefault("CASARE_SERVER_URL", "ws://localhost:8080"), "Orchestrator base URL (ws:// or wss://)")
	root.PersistentFlags().StringVar(&cfg.apiKey, "api-key", envOrDefault("CASARE_API_KEY", ""), "API key secret minted by the orchestrator (required)")
	root.PersistentFlags().StringVar(&cfg.robotName, "name", envOrDefault("CASARE_ROBOT_NAME", defaultRobotName()), "Display name for this robot")
	root.PersistentFlags().StringVar(&cfg.environment, "environment", envOrDefault("CASARE_ENVIRONMENT", "production"), "Environment label reported at registration")
	root.PersistentFlags().StringVar(&cfg.tenantID, "tenant", envOrDefault("CASARE_TENANT", "default"), "Tenant this robot belongs to")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("CASARE_STATE_DIR", defaultStateDir()), "Directory for robot state (robot-state.json)")
	root.PersistentFlags().IntVar(&cfg.maxJobs, "max-jobs", 1, "Maximum concurrent jobs this robot accepts")
	root.PersistentFlags().StringVar(&cfg.capabilities, "capabilities", envOrDefault("CASARE_CAPABILITIES", ""), "Comma-separated capability tags (e.g. browser,desktop)")
	root.PersistentFlags().StringVar(&cfg.tags, "tags", envOrDefault("CASARE_TAGS", ""), "Comma-separated free-form labels")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CASARE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("casare-robot %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.apiKey == "" {
		return fmt.Errorf("api key is required — set --api-key or CASARE_API_KEY")
	}

	logger.Info("starting casare-robot",
		zap.String("version", version),
		zap.String("server", cfg.serverURL),
		zap.String("name", cfg.robotName),
		zap.Int("max_jobs", cfg.maxJobs),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr, err := connection.New(connection.Config{
		ServerURL:         cfg.serverURL,
		APIKey:            cfg.apiKey,
		StateDir:          cfg.stateDir,
		RobotName:         cfg.robotName,
		Environment:       cfg.environment,
		TenantID:          cfg.tenantID,
		Version:           version,
		MaxConcurrentJobs: cfg.maxJobs,
		Capabilities:      splitList(cfg.capabilities),
		Tags:              splitList(cfg.tags),
	}, runner.NewPlayer(), logger)
	if err != nil {
		return fmt.Errorf("failed to build connection manager: %w", err)
	}

	logger.Info("robot identity", zap.String("robot_id", mgr.RobotID()))

	// Blocks until ctx is cancelled or the orchestrator commands a shutdown.
	mgr.Run(ctx)

	logger.Info("casare-robot stopped")
	return nil
}

func defaultRobotName() string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return "casare-robot"
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".casare-robot")
	}
	return "./casare-robot-state"
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
