package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"evalflow/internal/config"
	"evalflow/internal/evaluation"
	"evalflow/internal/httpapi"
	"evalflow/internal/observability"
	"evalflow/internal/pipeline"
	"evalflow/internal/prompt"
	"evalflow/internal/runs"
	"evalflow/internal/steps"
	"evalflow/internal/store"
	"evalflow/internal/upstream/openai"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	metrics := observability.NewMetrics()

	st, err := store.New(cfg.DataDir)
	if err != nil {
		logger.Error("store init failed", "data_dir", cfg.DataDir, "error", err)
		os.Exit(1)
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	upstreamClient := openai.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, &http.Client{Transport: transport},
		openai.WithObserver(metrics.ObserveUpstream),
		openai.WithLogger(logger),
		openai.WithRetry(cfg.UpstreamMaxRetry),
		openai.WithRequestTimeout(cfg.RequestTimeout),
	)

	registry := runs.New(runs.Options{
		Store:         st,
		Metrics:       metrics,
		Logger:        logger,
		MaxConcurrent: cfg.MaxConcurrentRuns,
		Retention:     cfg.RunRetention,
	})

	resolver := prompt.NewResolver()
	stepOpts := steps.Options{
		Logger:           logger,
		ExpectedDuration: cfg.TranscriptionExpected,
		TickInterval:     cfg.ProgressInterval,
	}
	newPipeline := func(ctx context.Context, evalCfg evaluation.EvaluationConfig, appID, recordingID string) runs.Runner {
		var llm steps.Transport = upstreamClient
		if key := openai.RequestAPIKeyFromContext(ctx); key != "" {
			llm = keyedTransport{client: upstreamClient, apiKey: key}
		}
		return pipeline.New(pipeline.Dependencies{
			Recordings: st,
			History:    st,
			Transport:  llm,
			Resolver:   resolver,
			Logger:     logger,
			Metrics:    metrics,
			Steps:      stepOpts,
		}, evalCfg, appID, recordingID)
	}

	handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
		Store:          st,
		Runs:           registry,
		NewPipeline:    newPipeline,
		Upstream:       upstreamClient,
		Metrics:        metrics,
		MetricsHandler: metrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		// ?wait=true holds the response open for the whole run.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ListenAddr, "data_dir", cfg.DataDir, "default_model", cfg.DefaultModel)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server exited", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("runs did not stop in time", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// keyedTransport replays a caller's upstream key on a run that outlives the
// request it came from.
type keyedTransport struct {
	client *openai.Client
	apiKey string
}

func (t keyedTransport) Invoke(ctx context.Context, req evaluation.LLMRequest) (evaluation.LLMResponse, error) {
	return t.client.Invoke(openai.WithRequestAPIKey(ctx, t.apiKey), req)
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
