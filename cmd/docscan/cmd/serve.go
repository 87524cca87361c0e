package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/docscan/internal/config"
	"github.com/MeKo-Tech/docscan/internal/scanner"
	"github.com/MeKo-Tech/docscan/internal/server"
	"github.com/MeKo-Tech/docscan/internal/session"
	"github.com/MeKo-Tech/docscan/internal/storage"
	"github.com/MeKo-Tech/docscan/internal/version"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket scanning service",
		Long: `Start an HTTP server that exposes scanning sessions.

Each session owns a page collection and runs one scanner operation at a
time. Clients follow a session over its WebSocket event stream.

Endpoints:
  POST /sessions                      - create a session
  POST /sessions/{id}/scan            - capture pages from the inbox
  POST /sessions/{id}/pages           - import an uploaded image
  POST /sessions/{id}/crop|rotate|filter
  POST /sessions/{id}/export/pdf|tiff
  GET  /sessions/{id}/events          - WebSocket event stream
  GET  /health, /metrics, /filters

Examples:
  docscan serve
  docscan serve --port 8080
  docscan serve --host 0.0.0.0 --inbox /srv/scans/inbox`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), a.cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringP("host", "H", "localhost", "server host")
	flags.IntP("port", "p", 8080, "server port")
	flags.String("cors-origin", "*", "CORS allowed origins")
	flags.Int("max-upload-size", 50, "maximum upload size in MB")
	flags.Int("timeout", 60, "request timeout in seconds")
	flags.Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	flags.String("inbox", "", "directory watched for captured images")
	flags.String("operation-timeout", "0s", "upper bound for a single scanner operation (0 disables)")
	// Rate limiting flags
	flags.Bool("rate-limit-enabled", false, "enable rate limiting")
	flags.Int("requests-per-minute", 120, "maximum requests per minute per client")
	flags.Int("requests-per-hour", 2000, "maximum requests per hour per client")
	flags.Int("max-requests-per-day", 10000, "maximum requests per day per client")
	flags.Int64("max-data-per-day", 500*1024*1024, "maximum data uploaded per day per client (bytes)")

	v := a.loader.Viper()
	for key, flag := range map[string]string{
		"server.host":                            "host",
		"server.port":                            "port",
		"server.cors_origin":                     "cors-origin",
		"server.max_upload_mb":                   "max-upload-size",
		"server.timeout_sec":                     "timeout",
		"server.shutdown_timeout":                "shutdown-timeout",
		"capture.inbox_dir":                      "inbox",
		"gate.operation_timeout":                 "operation-timeout",
		"server.rate_limit.enabled":              "rate-limit-enabled",
		"server.rate_limit.requests_per_minute":  "requests-per-minute",
		"server.rate_limit.requests_per_hour":    "requests-per-hour",
		"server.rate_limit.max_requests_per_day": "max-requests-per-day",
		"server.rate_limit.max_data_per_day":     "max-data-per-day",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

// newSessionStore wires per-session engines from the configuration.
func newSessionStore(cfg *config.Config) *session.Store {
	factory := scanner.EngineFactory(scanner.FactoryConfig{
		Storage:   cfg.Storage,
		Capture:   cfg.Capture,
		Detection: cfg.Detection,
		Options:   cfg.ToEngineOptions(),
	})
	return session.NewStore(factory, cfg.ToSessionConfig())
}

func runServe(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	uploads, err := storage.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	rl := cfg.Server.RateLimit
	srv := server.NewServer(server.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		CORSOrigin:  cfg.Server.CORSOrigin,
		MaxUploadMB: int64(cfg.Server.MaxUploadMB),
		TimeoutSec:  cfg.Server.TimeoutSec,
		Version:     version.Version,
		RateLimit: server.RateLimitConfig{
			Enabled:           rl.Enabled,
			RequestsPerMinute: rl.RequestsPerMinute,
			RequestsPerHour:   rl.RequestsPerHour,
			MaxRequestsPerDay: rl.MaxRequestsPerDay,
			MaxDataPerDay:     rl.MaxDataPerDay,
		},
	}, newSessionStore(cfg), uploads)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := server.HTTPServer(addr, cfg.Server.TimeoutSec, srv.Handler())

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Starting docscan server", "addr", addr, "storage", uploads.Root(), "inbox", cfg.Capture.InboxDir)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	go srv.PruneRateLimits(ctx, time.Hour, 24*time.Hour)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			slog.Error("Server error", "error", err)
			runErr = err
		}
	}

	shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	slog.Info("Starting graceful shutdown", "timeout", shutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Close(shutdownCtx); err != nil {
		slog.Error("Session cleanup error", "error", err)
	}
	if err := uploads.Cleanup(); err != nil {
		slog.Error("Upload cleanup error", "error", err)
	}

	slog.Info("Graceful shutdown completed")
	return runErr
}
