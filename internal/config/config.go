package config

import (
	"errors"
	"strings"
	"time"

	cenv "github.com/caarlos0/env/v11"
)

type Config struct {
	ListenAddr            string
	DataDir               string
	UpstreamBaseURL       string
	UpstreamAPIKey        string
	DefaultModel          string
	RequestTimeout        time.Duration
	UpstreamMaxRetry      time.Duration
	TranscriptionExpected time.Duration
	ProgressInterval      time.Duration
	MaxUploadBytes        int64
	MaxConcurrentRuns     int
	RunRetention          int
	LogLevel              string
}

type envConfig struct {
	ListenAddr                   string `env:"LISTEN_ADDR" envDefault:":8080"`
	DataDir                      string `env:"DATA_DIR" envDefault:"./data"`
	UpstreamBaseURL              string `env:"UPSTREAM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	UpstreamAPIKey               string `env:"UPSTREAM_API_KEY"`
	DefaultModel                 string `env:"DEFAULT_MODEL" envDefault:"gpt-4o-audio-preview"`
	RequestTimeoutSeconds        int    `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"300"`
	UpstreamMaxRetrySeconds      int    `env:"UPSTREAM_MAX_RETRY_SECONDS" envDefault:"30"`
	TranscriptionExpectedSeconds int    `env:"TRANSCRIPTION_EXPECTED_SECONDS" envDefault:"180"`
	ProgressIntervalMS           int    `env:"PROGRESS_INTERVAL_MS" envDefault:"1000"`
	MaxUploadBytes               int64  `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"`
	MaxConcurrentRuns            int    `env:"MAX_CONCURRENT_RUNS" envDefault:"4"`
	RunRetention                 int    `env:"RUN_RETENTION" envDefault:"200"`
	LogLevel                     string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (Config, error) {
	var raw envConfig
	if err := cenv.Parse(&raw); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:            strings.TrimSpace(raw.ListenAddr),
		DataDir:               strings.TrimSpace(raw.DataDir),
		UpstreamBaseURL:       strings.TrimRight(strings.TrimSpace(raw.UpstreamBaseURL), "/"),
		UpstreamAPIKey:        strings.TrimSpace(raw.UpstreamAPIKey),
		DefaultModel:          strings.TrimSpace(raw.DefaultModel),
		RequestTimeout:        time.Duration(raw.RequestTimeoutSeconds) * time.Second,
		UpstreamMaxRetry:      time.Duration(raw.UpstreamMaxRetrySeconds) * time.Second,
		TranscriptionExpected: time.Duration(raw.TranscriptionExpectedSeconds) * time.Second,
		ProgressInterval:      time.Duration(raw.ProgressIntervalMS) * time.Millisecond,
		MaxUploadBytes:        raw.MaxUploadBytes,
		MaxConcurrentRuns:     raw.MaxConcurrentRuns,
		RunRetention:          raw.RunRetention,
		LogLevel:              strings.ToLower(strings.TrimSpace(raw.LogLevel)),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.DataDir == "" {
		return errors.New("DATA_DIR must not be empty")
	}
	if c.UpstreamBaseURL == "" {
		return errors.New("UPSTREAM_BASE_URL must not be empty")
	}
	if c.DefaultModel == "" {
		return errors.New("DEFAULT_MODEL must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("REQUEST_TIMEOUT_SECONDS must be > 0")
	}
	if c.UpstreamMaxRetry < 0 {
		return errors.New("UPSTREAM_MAX_RETRY_SECONDS must be >= 0")
	}
	if c.TranscriptionExpected <= 0 {
		return errors.New("TRANSCRIPTION_EXPECTED_SECONDS must be > 0")
	}
	if c.ProgressInterval <= 0 {
		return errors.New("PROGRESS_INTERVAL_MS must be > 0")
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.MaxConcurrentRuns <= 0 {
		return errors.New("MAX_CONCURRENT_RUNS must be > 0")
	}
	if c.RunRetention <= 0 {
		return errors.New("RUN_RETENTION must be > 0")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return errors.New("LOG_LEVEL must be one of debug, info, warn, error")
	}
	return nil
}
