package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/voice-bridge/internal/config"
	"github.com/lexiqai/voice-bridge/internal/observability"
	"github.com/lexiqai/voice-bridge/internal/telephony"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.LogLevel
	if cfg.Debug {
		logLevel = "debug"
	}
	observability.InitLogger(logLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	if cfg.RealtimeAPIKey == "" {
		logger.Warn().Msg("REALTIME_API_KEY not set; incoming calls will be rejected")
	}
	if cfg.ReportURL == "" || cfg.ReportSecret == "" {
		logger.Info().Msg("Report collector not configured; call reports will be skipped")
	}

	logger.Info().
		Str("port", cfg.Port).
		Str("model", cfg.RealtimeModel).
		Str("voice", cfg.Voice).
		Str("log_level", logLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Bridge Service starting")

	mux := http.NewServeMux()

	// Telephony media-stream handler; one websocket connection per call
	mux.HandleFunc("/streams/telephony", telephony.HandleMediaStream(cfg))

	// Health check endpoint; unknown paths 404 via the default mux behavior
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 0, // media streams are long-lived
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/telephony", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
