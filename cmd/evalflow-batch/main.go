package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"evalflow/internal/config"
	"evalflow/internal/evaluation"
	"evalflow/internal/observability"
	"evalflow/internal/pipeline"
	"evalflow/internal/prompt"
	"evalflow/internal/report"
	"evalflow/internal/steps"
	"evalflow/internal/store"
	"evalflow/internal/upstream/openai"
)

type batchOptions struct {
	appID       string
	recordings  []string
	configPath  string
	concurrency int
	reportPath  string
}

func main() {
	_ = godotenv.Load()

	var opts batchOptions
	var recordings string
	flag.StringVar(&opts.appID, "app", "", "app id whose recordings are evaluated (required)")
	flag.StringVar(&recordings, "recordings", "", "comma separated recording ids (default: every recording of the app)")
	flag.StringVar(&opts.configPath, "config", "", "path to an evaluation config JSON file (required)")
	flag.IntVar(&opts.concurrency, "concurrency", 2, "pipelines run at the same time")
	flag.StringVar(&opts.reportPath, "report", "", "write an xlsx report to this path")
	flag.Parse()

	for _, id := range strings.Split(recordings, ",") {
		if id = strings.TrimSpace(id); id != "" {
			opts.recordings = append(opts.recordings, id)
		}
	}
	if opts.appID == "" || opts.configPath == "" {
		flag.Usage()
		os.Exit(2)
	}
	if opts.concurrency < 1 {
		opts.concurrency = 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rows, err := run(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error("batch failed", "error", err)
		os.Exit(1)
	}

	counts := map[string]int{}
	for _, row := range rows {
		counts[row.Status]++
	}
	fmt.Printf("evaluated %d recordings: %d completed, %d failed, %d cancelled\n",
		len(rows), counts["completed"], counts["failed"], counts["cancelled"])

	if opts.reportPath != "" {
		if err := report.Write(opts.reportPath, rows); err != nil {
			logger.Error("report failed", "path", opts.reportPath, "error", err)
			os.Exit(1)
		}
		fmt.Printf("report written to %s\n", opts.reportPath)
	}
	if counts["completed"] != len(rows) {
		os.Exit(3)
	}
}

func run(ctx context.Context, cfg config.Config, opts batchOptions, logger *slog.Logger) ([]report.Row, error) {
	evalCfg, err := loadEvaluationConfig(opts.configPath, cfg.DefaultModel)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	recordings, err := selectRecordings(ctx, st, opts.appID, opts.recordings)
	if err != nil {
		return nil, err
	}
	if len(recordings) == 0 {
		return nil, fmt.Errorf("no recordings found for app %q", opts.appID)
	}

	metrics := observability.NewMetrics()
	client := openai.New(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, &http.Client{},
		openai.WithObserver(metrics.ObserveUpstream),
		openai.WithLogger(logger),
		openai.WithRetry(cfg.UpstreamMaxRetry),
		openai.WithRequestTimeout(cfg.RequestTimeout),
	)
	deps := pipeline.Dependencies{
		Recordings: st,
		History:    st,
		Transport:  client,
		Resolver:   prompt.NewResolver(),
		Logger:     logger,
		Metrics:    metrics,
		Steps: steps.Options{
			Logger:           logger,
			ExpectedDuration: cfg.TranscriptionExpected,
			TickInterval:     cfg.ProgressInterval,
		},
	}

	logger.Info("batch_started", "app_id", opts.appID, "recordings", len(recordings), "concurrency", opts.concurrency, "flow", evalCfg.Flow())

	rows := make([]report.Row, len(recordings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i, rec := range recordings {
		g.Go(func() error {
			p := pipeline.New(deps, evalCfg, rec.AppID, rec.ID)
			res := p.Execute(gctx, pipeline.ExecuteOptions{
				OnProgress: func(ev evaluation.Progress) {
					logger.Debug("batch_progress", "recording_id", rec.ID, "step", ev.CurrentStep, "overall", ev.OverallProgress)
				},
			})
			rows[i] = report.RowFromResult(rec.ID, rec.Name, res)

			if res.Record != nil {
				saveCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 30*time.Second)
				defer cancel()
				if err := st.SaveEvaluation(saveCtx, res.Record); err != nil {
					return fmt.Errorf("save evaluation for %s: %w", rec.ID, err)
				}
			}
			logger.Info("batch_recording_done", "recording_id", rec.ID, "status", rows[i].Status, "failed_at", res.FailedAt, "duration_ms", res.Duration.Milliseconds())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rows, err
	}
	return rows, nil
}

func loadEvaluationConfig(path, defaultModel string) (evaluation.EvaluationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return evaluation.EvaluationConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg evaluation.EvaluationConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return evaluation.EvaluationConfig{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg.WithDefaults(defaultModel), nil
}

func selectRecordings(ctx context.Context, st *store.Store, appID string, ids []string) ([]*evaluation.Recording, error) {
	if len(ids) == 0 {
		return st.ListRecordings(ctx, appID)
	}
	out := make([]*evaluation.Recording, 0, len(ids))
	for _, id := range ids {
		rec, err := st.GetByID(ctx, appID, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, errors.New("recording not found: " + id)
		}
		out = append(out, rec)
	}
	return out, nil
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
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel}))
}
