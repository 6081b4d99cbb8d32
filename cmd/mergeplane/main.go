package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fentz26/mergeplane/internal/admin"
	"github.com/fentz26/mergeplane/internal/config"
)

// version is set at build time.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mergeplane",
	Short: "mergeplane - merge task orchestration for partitioned indexes",
	Long: `mergeplane plans segment merges as operation graphs and runs them either
in-process or on an admin service that survives worker restarts.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogging(); err != nil {
			return err
		}
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if adminAddr != "" {
			loaded.AdminAddr = adminAddr
		}
		cfg = loaded
		return nil
	},
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configPath string
	adminAddr  string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger *slog.Logger
)

func init() {
	home, _ := os.UserHomeDir()
	defaultConfig := ""
	if home != "" {
		defaultConfig = home + "/.mergeplane/config.yaml"
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfig, "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "Admin base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	// Add subcommands
	rootCmd.AddCommand(adminCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)

	admin.Version = version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q", logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch strings.ToLower(logFormat) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid --log-format %q", logFormat)
	}
	logger = slog.New(handler)
	slog.SetDefault(logger)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
