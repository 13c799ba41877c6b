package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codebridge/internal/capability"
	"codebridge/internal/config"
	"codebridge/internal/core"
	"codebridge/internal/protocol"
	"codebridge/internal/transport"
	"codebridge/internal/usage"
)

var (
	statsFormat  string
	statsConnect string
)

// statsCmd prints the recorded usage statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show token and feature usage statistics",
	Long: `Prints tokens per day, tokens per model, and feature usage counts.

By default the workspace database is read directly. With --connect the
statistics are requested from a running hub over its webview endpoint.

Examples:
  bridge stats
  bridge stats --format json
  bridge stats --connect ws://127.0.0.1:7821/webview`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsFormat, "format", "table", "Output format: table or json")
	statsCmd.Flags().StringVar(&statsConnect, "connect", "", "Query a running hub at this websocket URL")
}

// statsSource is satisfied by the in-process core handlers and by the
// webview client of a running hub.
type statsSource interface {
	TokensPerDay(ctx context.Context) ([]capability.DayTokens, error)
	TokensPerModel(ctx context.Context) ([]capability.ModelTokens, error)
	FeatureUsage(ctx context.Context) ([]capability.FeatureUsage, error)
}

type statsReport struct {
	TokensPerDay   []capability.DayTokens    `json:"tokensPerDay"`
	TokensPerModel []capability.ModelTokens  `json:"tokensPerModel"`
	FeatureUsage   []capability.FeatureUsage `json:"featureUsage"`
}

func runStats(cmd *cobra.Command, args []string) error {
	if statsFormat != "table" && statsFormat != "json" {
		return fmt.Errorf("unknown format %q (want table or json)", statsFormat)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	src, closeSrc, err := openCore(ctx, statsConnect)
	if err != nil {
		return err
	}
	defer closeSrc()

	report, err := gatherStats(ctx, src)
	if err != nil {
		return err
	}
	return renderStats(cmd.OutOrStdout(), report, statsFormat)
}

// openCore returns the core operations, either in-process over the workspace
// database or remote over a hub's webview endpoint.
func openCore(ctx context.Context, url string) (capability.CoreHandlers, func(), error) {
	if url != "" {
		client, closeFn, err := dialCore(ctx, url)
		if err != nil {
			return nil, nil, err
		}
		return remoteCore{client}, closeFn, nil
	}

	cfg, _, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	rec := localRecorder(cfg)
	if rec != nil {
		if err := rec.Prepare(ctx); err != nil {
			logger.Warn("Telemetry database not ready", zap.Error(err))
		}
	}
	return core.NewHandlers(rec, cfg.Telemetry.Username), func() {
		if rec != nil {
			rec.Close()
		}
	}, nil
}

func localRecorder(cfg *config.Config) *usage.Recorder {
	if !cfg.Telemetry.Enabled {
		return nil
	}
	opts := usage.OptionsFromConfig(cfg.Telemetry, nil)
	return usage.New(opts)
}

// dialCore connects to a running hub as a webview would.
func dialCore(ctx context.Context, url string) (*capability.CoreClient, func(), error) {
	t, err := transport.Dial(ctx, url, transport.DefaultMaxMessageBytes)
	if err != nil {
		return nil, nil, err
	}
	r := protocol.NewRouter(t, nil, protocol.WithName("cli"), protocol.WithDefaultTimeout(timeout))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.Run(context.Background()); err != nil {
			logger.Debug("Hub connection ended", zap.Error(err))
		}
	}()
	return capability.NewCoreClient(r), func() {
		r.Close()
		wg.Wait()
	}, nil
}

// remoteCore adapts the webview client to the core handler set.
type remoteCore struct {
	*capability.CoreClient
}

func (r remoteCore) TrackFeatureUsage(ctx context.Context, req capability.TrackFeatureRequest) (capability.TrackResult, error) {
	return r.CoreClient.TrackFeatureUsage(ctx, req.Feature, req.Username)
}

func (r remoteCore) LogDevData(ctx context.Context, req capability.DevDataRequest) {
	if err := r.CoreClient.LogDevData(ctx, req.Name, req.Data); err != nil {
		logger.Warn("Dev data not sent", zap.Error(err))
	}
}

func (r remoteCore) ActiveEditorChanged(context.Context, string) {}

func gatherStats(ctx context.Context, src statsSource) (statsReport, error) {
	var report statsReport
	var err error
	if report.TokensPerDay, err = src.TokensPerDay(ctx); err != nil {
		return report, fmt.Errorf("tokens per day: %w", err)
	}
	if report.TokensPerModel, err = src.TokensPerModel(ctx); err != nil {
		return report, fmt.Errorf("tokens per model: %w", err)
	}
	if report.FeatureUsage, err = src.FeatureUsage(ctx); err != nil {
		return report, fmt.Errorf("feature usage: %w", err)
	}
	return report, nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).MarginTop(1)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	emptyStyle  = lipgloss.NewStyle().Faint(true).Italic(true)
)

func renderStats(w io.Writer, report statsReport, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	day := make([][]string, 0, len(report.TokensPerDay))
	for _, d := range report.TokensPerDay {
		day = append(day, []string{d.Day, fmtInt(d.PromptTokens), fmtInt(d.GeneratedTokens)})
	}
	model := make([][]string, 0, len(report.TokensPerModel))
	for _, m := range report.TokensPerModel {
		model = append(model, []string{m.Model, fmtInt(m.PromptTokens), fmtInt(m.GeneratedTokens)})
	}
	features := make([][]string, 0, len(report.FeatureUsage))
	for _, f := range report.FeatureUsage {
		features = append(features, []string{f.Username, f.Feature, fmtInt(f.Count)})
	}

	sections := []string{
		renderSection("Tokens per day", []string{"Day", "Prompt", "Generated"}, day),
		renderSection("Tokens per model", []string{"Model", "Prompt", "Generated"}, model),
		renderSection("Feature usage", []string{"User", "Feature", "Count"}, features),
	}
	_, err := fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, sections...))
	return err
}

func renderSection(title string, headers []string, rows [][]string) string {
	if len(rows) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), emptyStyle.Render("  no data"))
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return lipgloss.JoinVertical(lipgloss.Left, titleStyle.Render(title), t.Render())
}

func fmtInt(n int64) string { return strconv.FormatInt(n, 10) }
