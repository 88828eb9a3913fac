package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice bridge service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Realtime voice-model configuration
	RealtimeURL    string `envconfig:"REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	RealtimeAPIKey string `envconfig:"REALTIME_API_KEY" default:""`
	RealtimeModel  string `envconfig:"REALTIME_MODEL" default:"gpt-4o-realtime-preview"`

	// Agent persona
	SystemPrompt string `envconfig:"SYSTEM_PROMPT" default:"You are a helpful phone assistant. Keep responses brief and conversational."`
	Voice        string `envconfig:"VOICE" default:"alloy"`

	// Audio encodings, negotiated once at handshake time.
	// g711_ulaw matches the telephony platform's 8kHz mulaw streams.
	InputAudioFormat  string `envconfig:"INPUT_AUDIO_FORMAT" default:"g711_ulaw"`
	OutputAudioFormat string `envconfig:"OUTPUT_AUDIO_FORMAT" default:"g711_ulaw"`

	// Caller-side transcription model (empty disables input transcription)
	TranscriptionModel string `envconfig:"TRANSCRIPTION_MODEL" default:"whisper-1"`

	// Server-side turn detection configuration
	VADThreshold         float64 `envconfig:"VAD_THRESHOLD" default:"0.5"`
	VADPrefixPaddingMs   int     `envconfig:"VAD_PREFIX_PADDING_MS" default:"300"`
	VADSilenceDurationMs int     `envconfig:"VAD_SILENCE_DURATION_MS" default:"500"`

	// Pending audio buffer capacity, in chunks, while the upstream
	// connection is still being established
	PendingAudioChunks int `envconfig:"PENDING_AUDIO_CHUNKS" default:"100"`

	// Keepalive probe interval for the telephony connection, in seconds
	KeepaliveSeconds int `envconfig:"KEEPALIVE_SECONDS" default:"20"`

	// Call report callback
	ReportURL            string `envconfig:"REPORT_URL" default:""`
	ReportSecret         string `envconfig:"REPORT_SECRET" default:""`
	ReportTimeoutSeconds int    `envconfig:"REPORT_TIMEOUT_SECONDS" default:"10"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	Debug          bool   `envconfig:"DEBUG" default:"false"`
}

// Load reads configuration from environment variables.
// It first attempts to load from .env file if it exists, then from environment.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.PendingAudioChunks <= 0 {
		return nil, fmt.Errorf("PENDING_AUDIO_CHUNKS must be positive, got %d", cfg.PendingAudioChunks)
	}
	if cfg.KeepaliveSeconds <= 0 {
		return nil, fmt.Errorf("KEEPALIVE_SECONDS must be positive, got %d", cfg.KeepaliveSeconds)
	}

	// A missing realtime credential is deliberately not a startup failure.
	// It is handled per session: the telephony connection is closed with a
	// distinguishing close code and no report is emitted.
	return &cfg, nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
