package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codebridge/internal/config"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string
	timeout    time.Duration

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "codebridge - message hub between an IDE host and its webviews",
	Long: `codebridge sits between an IDE extension host and one or more webview
panels. The IDE speaks line-delimited JSON on stdio; webviews connect over a
local websocket. Webview calls for IDE capabilities are forwarded to the IDE,
and usage statistics are recorded to a local SQLite database, a JSON-lines log,
and an optional remote endpoint.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: <workspace>/.bridge/config.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Timeout for one-shot commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(trackCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(pingCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace returns the absolute workspace directory.
func resolveWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		var err error
		if ws, err = os.Getwd(); err != nil {
			return "", fmt.Errorf("failed to resolve workspace: %w", err)
		}
	}
	return filepath.Abs(ws)
}

// loadConfig loads, resolves and validates the workspace configuration.
func loadConfig() (*config.Config, string, string, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, "", "", err
	}
	path := configPath
	if path == "" {
		path = config.DefaultPath(ws)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", "", err
	}
	cfg.Resolve(ws)
	if err := cfg.Validate(); err != nil {
		return nil, "", "", fmt.Errorf("invalid config %s: %w", path, err)
	}
	logger.Debug("Config loaded", zap.String("path", path), zap.String("workspace", ws))
	return cfg, ws, path, nil
}
