package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/user"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/callbridge/crmsync/internal/config"
	"github.com/callbridge/crmsync/internal/connector"
	"github.com/callbridge/crmsync/internal/sync"
	"github.com/callbridge/crmsync/internal/target"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// cfg holds the effective configuration loaded by PersistentPreRunE. It is
// available to all subcommands after the root pre-run phase completes.
var cfg *config.Config

// httpClientTimeout is the default timeout for HTTP requests. Prevents hung
// connections from blocking commands indefinitely.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "crmsync",
		Short:   "CRM sync orchestration engine",
		Long:    "Syncs CRM contacts into a communications platform and mirrors calls and messages back, driven by a resumable queue-based pipeline.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			loaded, err := config.LoadOrDefault(flagConfigPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			cfg = loaded

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSetupCmd())

	return cmd
}

// buildLogger creates an slog.Logger configured by the loaded config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win. Format "auto" picks
// text on a terminal and JSON otherwise.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	format := "auto"
	if cfg != nil && cfg.Logging.LogFormat != "" {
		format = cfg.Logging.LogFormat
	}

	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	default:
		if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
			return slog.New(slog.NewTextHandler(os.Stderr, opts))
		}

		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
}

// integrationConfig resolves one named integration from the loaded config.
// With exactly one integration configured, the name may be omitted.
func integrationConfig(name string) (string, config.IntegrationConfig, error) {
	if name == "" {
		if len(cfg.Integrations) != 1 {
			return "", config.IntegrationConfig{}, fmt.Errorf(
				"%d integrations configured, specify one by name", len(cfg.Integrations))
		}

		for id, ic := range cfg.Integrations {
			return id, ic, nil
		}
	}

	ic, ok := cfg.Integrations[name]
	if !ok {
		return "", config.IntegrationConfig{}, fmt.Errorf("integration %q not configured", name)
	}

	return name, ic, nil
}

// buildEngine assembles the full per-integration pipeline: store, target
// client, vendor connector, and engine. The caller owns closing the store.
func buildEngine(integrationID string, logger *slog.Logger) (*sync.Engine, *sync.SQLiteStore, error) {
	id, ic, err := integrationConfig(integrationID)
	if err != nil {
		return nil, nil, err
	}

	store, err := sync.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening state database: %w", err)
	}

	token, err := target.TokenSourceFromPath(cfg.Target.TokenPath, logger)
	if err != nil {
		store.Close()

		return nil, nil, fmt.Errorf("loading target token: %w", err)
	}

	targetClient := target.NewClient(cfg.Target.BaseURL, defaultHTTPClient(), token, cfg.Target.UserAgent, logger)

	conn, err := connector.New(ic, defaultHTTPClient(), logger)
	if err != nil {
		store.Close()

		return nil, nil, err
	}

	engine := sync.NewEngine(sync.EngineParams{
		IntegrationID: id,
		UserID:        localUserID(),
		Integration:   ic,
		Queue:         cfg.Queue,
		Connector:     conn,
		Target:        targetClient,
		Store:         store,
		Logger:        logger,
	})

	return engine, store, nil
}

// localUserID identifies the operator running this CLI. Sync processes are
// attributed to a user so a shared state database stays auditable.
func localUserID() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}

	return "local"
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
