package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/NexionisJake/Synapse-sub001/internal/handlers"
	"github.com/NexionisJake/Synapse-sub001/internal/logger"
	"github.com/NexionisJake/Synapse-sub001/internal/services"
	"github.com/NexionisJake/Synapse-sub001/internal/stream"
)

type flags struct {
	configPath string
	port       string
	debug      bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:          "synapse",
		Short:        "Local-first chat server with streaming replies, memory and live system prompts",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to the YAML config file (default $XDG_CONFIG_HOME/synapse/config.yaml)")
	cmd.Flags().StringVarP(&f.port, "port", "p", "", "port to listen on, overrides the config file")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "enable debug logging")

	return cmd
}

func run(ctx context.Context, f flags) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error loading .env: %w", err)
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("error getting user config dir: %w", err)
	}
	appDir := filepath.Join(cfgDir, "synapse")
	if err := os.MkdirAll(appDir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	cfgPath := f.configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(appDir, "config.yaml")
	}
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return err
	}
	if f.port != "" {
		cfg.Port = f.port
	}
	if f.debug {
		cfg.Log.Debug = true
	}

	log := logger.New(
		logger.WithDebug(cfg.Log.Debug),
		logger.WithJSON(cfg.Log.Format == "json"),
		logger.WithPretty(cfg.Log.Format == "pretty"),
		logger.WithWriter(os.Stderr),
	)

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(appDir, "synapse.db")
	}
	boltDB, err := services.NewBoltDB(dbPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := boltDB.Close(); err != nil {
			log.Error("Failed to close database", slog.Any(logger.ErrKey, err))
		}
	}()

	prompts, err := services.NewPrompts(ctx, boltDB, cfg.SystemPrompt, log)
	if err != nil {
		return err
	}

	llm, err := cfg.LLM.llm(cfg.Retry, log)
	if err != nil {
		return fmt.Errorf("error creating llm client: %w", err)
	}
	checkLLM(ctx, llm, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := stream.NewMetrics(reg)

	pool := stream.NewPool(llm, cfg.Stream.PoolConfig, metrics, log)
	relay := stream.NewRelay(llm, pool, cfg.Stream.Config, metrics, log)

	m := handlers.NewMain(llm, relay, prompts, boltDB, handlers.Options{
		InsightPrompt:  cfg.InsightPrompt,
		InjectInsights: cfg.InjectInsights,
	}, log)

	mux := http.NewServeMux()
	m.Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	// No WriteTimeout: streamed replies are bounded by the relay deadline instead.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			log.Error("Failed to shutdown sse server", slog.Any(logger.ErrKey, err))
		}
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("model", llm.Model()),
			slog.Duration("stream_timeout", relay.Timeout()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Start shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("Graceful shutdown failed", slog.Any(logger.ErrKey, err))
			if err := srv.Close(); err != nil {
				log.Error("Forcing server close", slog.Any(logger.ErrKey, err))
			}
		}
		return nil
	})

	return g.Wait()
}

// checkLLM logs whether the model runtime is ready. The server starts either way so that the runtime can
// be launched afterwards.
func checkLLM(ctx context.Context, llm handlers.LLM, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := llm.Health(ctx); err != nil {
		log.Warn("Model runtime is not ready", slog.String("model", llm.Model()), slog.Any(logger.ErrKey, err))
		return
	}
	log.Info("Model runtime is ready", slog.String("model", llm.Model()))
}
