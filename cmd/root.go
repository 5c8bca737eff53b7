package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/invigilator/internal/config"
	"github.com/andresmejia3/invigilator/internal/logging"
	"github.com/andresmejia3/invigilator/internal/store"
	"github.com/andresmejia3/invigilator/internal/utils"
	"github.com/spf13/cobra"
)

// defaultSQLitePath is used when neither a flag, the config file nor POSTGRES_* name a database.
const defaultSQLitePath = "invigilator.db"

var (
	// DB is the store shared by subcommands
	DB store.Store
	// Cfg is the loaded configuration
	Cfg *config.Config
	// Loader keeps the config path for serve's hot reload
	Loader *config.Loader
	// Logger is the structured logger built from Cfg.Logging
	Logger *slog.Logger

	dbURL      string
	configPath string
	logLevel   string

	// exitCode is set by fail so PersistentPostRun still closes the store before we exit.
	exitCode int
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "invigilator",
	Short:   "Webcam exam proctoring with face detection and identity checks",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. Configuration
		Loader = config.NewLoader(configPath)
		cfg, err := Loader.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		Cfg = cfg

		// 2. Logger
		level := Cfg.Logging.Level
		if logLevel != "" {
			level = logLevel
		}
		Logger, err = logging.New(os.Stderr, level, Cfg.Logging.Format)
		if err != nil {
			return err
		}
		slog.SetDefault(Logger)

		// 3. Database
		DB, err = store.Open(cmd.Context(), resolveDBURL(dbURL, Cfg.Database.URL))
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
		if Loader != nil {
			Loader.Close()
		}
	},
}

// resolveDBURL picks the database: flag, then config, then POSTGRES_* env, then a local SQLite file.
func resolveDBURL(flag, configured string) string {
	if flag != "" {
		return flag
	}
	if configured != "" {
		return configured
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return defaultSQLitePath
}

// fail prints the error box and marks the process as failed without skipping cleanup.
func fail(context string, err error, s *utils.SafeCommand) {
	utils.ShowError(context, err, s)
	exitCode = 1
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if exitCode != 0 {
		stop()
		os.Exit(exitCode)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "postgres:// URL or SQLite path (default: config, POSTGRES_* env, then ./"+defaultSQLitePath+")")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a .toml or .yaml config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")
}
