package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codebridge/internal/config"
	"codebridge/internal/core"
	"codebridge/internal/logging"
	"codebridge/internal/transport"
	"codebridge/internal/usage"
)

var (
	serveWebviewAddr string
	serveMetricsAddr string
	serveNoWebview   bool
)

// serveCmd runs the hub
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub: IDE on stdio, webviews on a local websocket",
	Long: `Starts the hub process.

The IDE host talks to the hub over stdin/stdout, one JSON envelope per line.
Webviews connect to ws://<webview-addr><path>. Stdout is reserved for the
protocol; logs go to stderr and, in debug mode, to <workspace>/.bridge/logs/.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveWebviewAddr, "webview-addr", "", "Webview listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Expose Prometheus /metrics on this address")
	serveCmd.Flags().BoolVar(&serveNoWebview, "no-webview", false, "Do not listen for webviews")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, ws, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	if serveWebviewAddr != "" {
		cfg.Webview.ListenAddr = serveWebviewAddr
	}
	if serveNoWebview {
		cfg.Webview.Enabled = false
	}
	if serveMetricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr = serveMetricsAddr
	}

	if err := logging.Initialize(ws, cfg.Logging.Options()); err != nil {
		logger.Warn("File logging unavailable", zap.Error(err))
	}
	defer logging.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var rec *usage.Recorder
	if cfg.Telemetry.Enabled {
		rec = usage.New(usage.OptionsFromConfig(cfg.Telemetry, reg))
		defer rec.Close()
		if err := rec.Prepare(ctx); err != nil {
			logger.Warn("Telemetry database not ready", zap.Error(err), zap.Bool("disabled", rec.Disabled()))
		}
	}

	ide := transport.NewLineTransport("stdio", os.Stdin, os.Stdout, cfg.Protocol.MaxMessageBytes)
	bridge, err := core.New(ide, core.Options{
		Recorder:    rec,
		Username:    cfg.Telemetry.Username,
		CallTimeout: cfg.GetCallTimeout(),
	})
	if err != nil {
		return err
	}
	defer bridge.Close()

	var wg sync.WaitGroup
	defer func() {
		stop()
		wg.Wait()
	}()

	if cfg.Webview.Enabled {
		addr, err := startWebview(ctx, &wg, cfg.Webview, int64(cfg.Protocol.MaxMessageBytes), bridge)
		if err != nil {
			return err
		}
		logger.Info("Webview endpoint ready", zap.String("url", fmt.Sprintf("ws://%s%s", addr, cfg.Webview.Path)))
	}

	if cfg.Metrics.Enabled {
		if err := startMetrics(ctx, &wg, cfg.Metrics.ListenAddr, reg); err != nil {
			return err
		}
	}

	watcher, err := config.NewWatcher(cfgPath, func(c *config.Config) {
		if err := logging.Configure(c.Logging.Options()); err != nil {
			logger.Warn("Logging reconfigure failed", zap.Error(err))
			return
		}
		logger.Info("Config reloaded", zap.String("path", cfgPath))
	})
	if err != nil {
		logger.Warn("Config watcher unavailable", zap.Error(err))
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("Config watcher failed to start", zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	logger.Info("Bridge serving", zap.String("workspace", ws), zap.Bool("telemetry", rec != nil))
	err = bridge.Run(ctx)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Bridge stopped")
	return nil
}

func startWebview(ctx context.Context, wg *sync.WaitGroup, cfg config.WebviewConfig, maxBytes int64, bridge *core.Bridge) (net.Addr, error) {
	srv := transport.NewServer(cfg.Path, maxBytes, func(ctx context.Context, t *transport.WebsocketTransport) {
		if err := bridge.ServeWebview(ctx, t.Name(), t); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("Webview session ended", zap.String("peer", t.Name()), zap.Error(err))
		}
	})
	addr, err := srv.Listen(cfg.ListenAddr, cfg.MaxConnections)
	if err != nil {
		return nil, err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(ctx); err != nil {
			logger.Error("Webview server failed", zap.Error(err))
		}
	}()
	return addr, nil
}

func startMetrics(ctx context.Context, wg *sync.WaitGroup, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()
		stopOnDone := context.AfterFunc(ctx, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
		defer stopOnDone()

		logger.Info("Metrics endpoint ready", zap.String("url", fmt.Sprintf("http://%s/metrics", ln.Addr())))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	return nil
}
