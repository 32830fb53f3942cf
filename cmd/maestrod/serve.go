package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/maestro/internal/config"
	"github.com/haasonsaas/maestro/internal/engine"
	"github.com/haasonsaas/maestro/internal/llm"
	"github.com/haasonsaas/maestro/internal/memory"
	"github.com/haasonsaas/maestro/internal/observability"
	"github.com/haasonsaas/maestro/internal/quota"
	"github.com/haasonsaas/maestro/internal/rag"
	"github.com/haasonsaas/maestro/internal/skills"
	"github.com/haasonsaas/maestro/internal/store"
	"github.com/haasonsaas/maestro/internal/tools"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat orchestration server",
		Long: `Start the maestrod HTTP server.

The server exposes chat, streaming chat, conversation, skill, tool-server,
document, quota, and usage-metric endpoints on the configured HTTP port and
Prometheus metrics on the metrics port.`,
		Example: `  # Start with defaults (maestro.yaml if present)
  maestrod serve

  # Start with an explicit config file and debug logging
  maestrod serve --config /etc/maestro/maestro.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if configPath == "" {
				if _, err := os.Stat(path); err != nil {
					path = ""
				}
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if debug {
				cfg.Logging.Level = "debug"
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(registry)
	recorder := observability.NewRecorder(st, metrics, logger)

	directory := llm.NewDirectory(cfg.LLM)
	client := llm.NewClient(directory, cfg.LLM.Timeout, cfg.LLM.DefaultTemperature)

	toolRegistry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolRegistry); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	remote := tools.NewRemoteAdapter(st, logger)

	skillService := skills.NewService(st)

	var retriever *rag.Retriever
	if cfg.RAG.EmbeddingProvider != "" {
		retriever = rag.NewRetriever(st, client, cfg.RAG, logger)
	}

	compressor := memory.NewCompressor(client, memory.Config{
		Enabled:         cfg.Memory.Enabled,
		TriggerMessages: cfg.Memory.TriggerMessages,
		KeepRecent:      cfg.Memory.KeepRecent,
		SummaryMaxChars: cfg.Memory.SummaryMaxChars,
	}, logger)

	gate := quota.NewGate(quota.NewMemoryCounterStore(), cfg.Quota, logger)

	eng := engine.New(engine.Deps{
		Config:     cfg.LLM,
		Client:     client,
		Directory:  directory,
		Store:      st,
		Registry:   toolRegistry,
		Remote:     remote,
		Skills:     skillService,
		Retriever:  retriever,
		Compressor: compressor,
		Gate:       gate,
		Recorder:   recorder,
		Metrics:    metrics,
		Logger:     logger,
	})

	api := newAPIServer(eng, st, skillService, retriever, gate, recorder, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:           api.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsMux(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info(ctx, "http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		logger.Info(ctx, "metrics server listening", "addr", metricsSrv.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown", "error", err.Error())
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "metrics shutdown", "error", err.Error())
	}

	logger.Info(context.Background(), "server stopped")
	return nil
}

func metricsMux(registry *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}
