package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codebridge/internal/capability"
	"codebridge/internal/store"
)

var (
	trackUsername string
	trackConnect  string
)

// trackCmd records one feature use
var trackCmd = &cobra.Command{
	Use:   "track [feature]",
	Short: "Record one use of a feature",
	Long: `Records a feature-usage event through every configured sink and prints
the outcome per sink. Without --username the name is resolved from the config,
git config user.name, or the OS user.`,
	Args: cobra.ExactArgs(1),
	RunE: runTrack,
}

// migrateCmd brings the dev-data database schema up to date
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the dev-data database schema",
	RunE:  runMigrate,
}

// pingCmd checks that a running hub answers
var pingCmd = &cobra.Command{
	Use:   "ping [url]",
	Short: "Ping a running hub over its webview endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runPing,
}

var migrateBackup bool

func init() {
	trackCmd.Flags().StringVar(&trackUsername, "username", "", "Attribute the event to this user")
	trackCmd.Flags().StringVar(&trackConnect, "connect", "", "Record through a running hub at this websocket URL")
	migrateCmd.Flags().BoolVar(&migrateBackup, "backup", false, "Copy the database file before migrating")
}

func runTrack(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	h, closeFn, err := openCore(ctx, trackConnect)
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := h.TrackFeatureUsage(ctx, capability.TrackFeatureRequest{Feature: args[0], Username: trackUsername})
	if err != nil {
		return err
	}
	logger.Debug("Feature tracked", zap.String("feature", args[0]), zap.String("event", res.EventID))
	return printTrackResult(cmd.OutOrStdout(), args[0], res)
}

func printTrackResult(w io.Writer, feature string, res capability.TrackResult) error {
	if len(res.Sinks) == 0 {
		_, err := fmt.Fprintf(w, "%s: telemetry disabled, nothing recorded\n", feature)
		return err
	}
	fmt.Fprintf(w, "%s: event %s\n", feature, res.EventID)
	failed := 0
	for _, s := range res.Sinks {
		switch {
		case s.Skipped:
			fmt.Fprintf(w, "  %-8s skipped\n", s.Sink)
		case s.OK:
			fmt.Fprintf(w, "  %-8s ok\n", s.Sink)
		default:
			failed++
			fmt.Fprintf(w, "  %-8s failed: %s\n", s.Sink, s.Error)
		}
	}
	if failed == len(res.Sinks) {
		return fmt.Errorf("every sink failed")
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}
	result, err := store.MigrateFile(ctx, cfg.Telemetry.DatabasePath, migrateBackup)
	if err != nil {
		return err
	}

	logger.Info("Migration complete",
		zap.String("db", cfg.Telemetry.DatabasePath),
		zap.Int("from", result.FromVersion),
		zap.Int("to", result.ToVersion),
		zap.Strings("columns_added", result.ColumnsAdded),
		zap.Duration("duration", result.Duration))

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Schema v%d -> v%d (%s)\n", result.FromVersion, result.ToVersion, cfg.Telemetry.DatabasePath)
	for _, col := range result.ColumnsAdded {
		fmt.Fprintf(out, "  added %s\n", col)
	}
	if result.BackupPath != "" {
		fmt.Fprintf(out, "  backup %s\n", result.BackupPath)
	}
	return nil
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	client, closeFn, err := dialCore(ctx, args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	pong, err := client.Ping(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), pong)
	return err
}
