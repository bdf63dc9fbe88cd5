package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/scanpreview/internal/config"
	"github.com/MeKo-Tech/scanpreview/internal/export"
	"github.com/MeKo-Tech/scanpreview/internal/scan"
	"github.com/MeKo-Tech/scanpreview/internal/server"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the document scanner preview server",
	Long: `Start an HTTP server with the browser preview and its API.

The vision engine loads in the background; the page shows a loading
indicator until it is ready and files selected meanwhile wait for it.

The server provides the following endpoints:
  GET    /                             - Scanner page
  POST   /api/sessions                 - Start a preview session
  POST   /api/sessions/{id}/file       - Select a file (multipart field "image")
  GET    /api/sessions/{id}/download   - Download scanned-document.png (?format=pdf)
  GET    /api/sessions/{id}/events     - WebSocket stream of session state
  POST   /api/scan                     - Process one upload without a session
  GET    /health                       - Engine readiness
  GET    /metrics                      - Prometheus metrics

Examples:
  scanpreview serve
  scanpreview serve --port 8080
  scanpreview serve --host 0.0.0.0 --port 3000 --backend opencv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		applyServeFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		preset, err := cfg.Preset()
		if err != nil {
			return err
		}
		runner, err := scan.NewRunner(preset, cfg.Pipeline.MaxConcurrentRuns)
		if err != nil {
			return err
		}
		factory, err := cfg.EngineFactory()
		if err != nil {
			return err
		}
		format, err := export.ParseFormat(cfg.Output.Format)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// The engine initializes while the server is already accepting
		// requests.
		handle := vision.Open(ctx, cfg.Engine.Backend, factory, cfg.InitTimeout())

		srv, err := server.NewServer(server.Config{
			Host:              cfg.Server.Host,
			Port:              cfg.Server.Port,
			CORSOrigin:        cfg.Server.CORSOrigin,
			MaxUploadMB:       int64(cfg.Server.MaxUploadMB),
			TimeoutSec:        cfg.Server.TimeoutSec,
			MaxPixels:         cfg.Pipeline.MaxPixels,
			SessionTTL:        time.Duration(cfg.Server.SessionTTLMin) * time.Minute,
			Format:            format,
			Engine:            handle,
			Runner:            runner,
			RateLimitEnabled:  cfg.Server.RateLimitEnabled,
			RequestsPerMinute: cfg.Server.RequestsPerMinute,
			RequestsPerHour:   cfg.Server.RequestsPerHour,
			MaxRequestsPerDay: cfg.Server.MaxRequestsPerDay,
			MaxDataPerDay:     cfg.Server.MaxDataPerDay,
		})
		if err != nil {
			_ = handle.Close()
			return fmt.Errorf("failed to initialize server: %w", err)
		}

		mux := http.NewServeMux()
		srv.SetupRoutes(mux)

		timeout := time.Duration(cfg.Server.TimeoutSec) * time.Second
		httpServer := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       timeout,
			// Waiting uploads and event streams outlive a single timeout.
			WriteTimeout: 0,
		}

		go srv.Run(ctx)
		go func() {
			slog.Info("Starting scan preview server", "host", cfg.Server.Host, "port", cfg.Server.Port,
				"backend", cfg.Engine.Backend, "preset", preset.Name)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Server error", "error", err)
				cancel()
			}
		}()
		go func() {
			<-handle.Done()
			if err := handle.Err(); err != nil {
				slog.Error("Vision engine unavailable", "backend", handle.Backend(), "error", err)
				return
			}
			slog.Info("Vision engine ready", "backend", handle.Backend(), "init_duration", handle.InitDuration())
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

		select {
		case sig := <-sigChan:
			slog.Info("Received shutdown signal", "signal", sig.String())
		case <-ctx.Done():
			slog.Info("Context cancelled, initiating shutdown")
		}

		shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		slog.Info("Starting graceful shutdown", "timeout", shutdownTimeout)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		cancel()
		if err := srv.Close(); err != nil {
			slog.Error("Server cleanup error", "error", err)
		}

		slog.Info("Graceful shutdown completed")
		return nil
	},
}

// applyServeFlags copies explicitly set flags over the loaded config.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Server.Host, _ = f.GetString("host")
	}
	if f.Changed("port") {
		cfg.Server.Port, _ = f.GetInt("port")
	}
	if f.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = f.GetString("cors-origin")
	}
	if f.Changed("max-upload-size") {
		cfg.Server.MaxUploadMB, _ = f.GetInt("max-upload-size")
	}
	if f.Changed("timeout") {
		cfg.Server.TimeoutSec, _ = f.GetInt("timeout")
	}
	if f.Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout, _ = f.GetInt("shutdown-timeout")
	}
	if f.Changed("session-ttl") {
		cfg.Server.SessionTTLMin, _ = f.GetInt("session-ttl")
	}
	if f.Changed("engine-timeout") {
		cfg.Engine.InitTimeoutSec, _ = f.GetInt("engine-timeout")
	}
	if f.Changed("rate-limit-enabled") {
		cfg.Server.RateLimitEnabled, _ = f.GetBool("rate-limit-enabled")
	}
	if f.Changed("requests-per-minute") {
		cfg.Server.RequestsPerMinute, _ = f.GetInt("requests-per-minute")
	}
	if f.Changed("requests-per-hour") {
		cfg.Server.RequestsPerHour, _ = f.GetInt("requests-per-hour")
	}
	if f.Changed("max-requests-per-day") {
		cfg.Server.MaxRequestsPerDay, _ = f.GetInt("max-requests-per-day")
	}
	if f.Changed("max-data-per-day") {
		cfg.Server.MaxDataPerDay, _ = f.GetInt64("max-data-per-day")
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int("max-upload-size", 50, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 30, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Int("session-ttl", 30, "minutes an unused session is kept")
	serveCmd.Flags().Int("engine-timeout", 30, "seconds to wait for the vision engine to load")
	// Rate limiting flags
	serveCmd.Flags().Bool("rate-limit-enabled", false, "enable rate limiting of uploads")
	serveCmd.Flags().Int("requests-per-minute", 60, "maximum uploads per minute per client")
	serveCmd.Flags().Int("requests-per-hour", 1000, "maximum uploads per hour per client")
	serveCmd.Flags().Int("max-requests-per-day", 5000, "maximum uploads per day per client")
	serveCmd.Flags().Int64("max-data-per-day", 1<<30, "maximum bytes uploaded per day per client")
}
