package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"emberchat/internal/api"
	"emberchat/internal/blob"
	"emberchat/internal/config"
	"emberchat/internal/crypto"
	"emberchat/internal/generate"
	"emberchat/internal/imagegen"
	"emberchat/internal/memory"
	"emberchat/internal/metrics"
	"emberchat/internal/providers/registry"
	"emberchat/internal/queue"
	"emberchat/internal/storage"
	"emberchat/internal/translate"
	"emberchat/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Int("worker_concurrency", cfg.Worker.Concurrency).
		Msg("starting emberchat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	blobs, err := blob.NewStore(cfg.Blob.Dir, cfg.Blob.PublicURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize blob store")
	}

	m := metrics.Global()
	jobQueue := queue.NewStreamQueue(rdb, cfg.Redis.QueueStream, cfg.Redis.QueueGroup, cfg.Worker.ConsumerName, cfg.Redis.QueueBlock)
	httpClient := &http.Client{Timeout: cfg.HTTP.ClientTimeout}

	generator := generate.NewService(generate.Config{
		Store:  store,
		Queue:  jobQueue,
		Dedupe: queue.NewTaskDeduplicator(rdb, cfg.Redis.MemoryTTL),
		Crypto: cryptoManager,
		Image: imagegen.New(imagegen.Config{
			BaseURL:    cfg.Image.ProviderURL,
			APIKey:     cfg.Image.APIKey,
			HTTPClient: httpClient,
		}),
		Blobs:           blobs,
		HTTPClient:      httpClient,
		Logger:          log.Logger,
		Metrics:         m,
		LLMDefault:      cfg.LLM,
		Window:          cfg.Context,
		ImageCost:       cfg.Image.CreditCost,
		PollInterval:    cfg.Image.PollInterval,
		PollBudget:      cfg.Image.PollBudget,
		ProviderRetries: cfg.HTTP.MaxRetries,
		BackoffBase:     cfg.HTTP.BackoffBase,
	})

	errCh := make(chan error, 4)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.API.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.API.MetricsPath, promhttp.Handler())
	mux.Handle("/media/", http.StripPrefix("/media/", http.FileServer(http.Dir(blobs.Dir()))))

	if cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll {
		apiService := api.New(api.Config{
			Store:     store,
			Generator: generator,
			Limiter:   queue.NewRateLimiter(rdb, cfg.Rate.PerHour),
			Crypto:    cryptoManager,
			Logger:    log.Logger,
		})
		apiService.Register(mux)
		log.Info().Msg("api routes registered")
	}

	httpServer := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.API.ReadTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.API.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		backgroundProvider, err := registry.Build(registry.BuildOptions{
			Kind:        "openai_compat",
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			HTTPClient:  httpClient,
			MaxRetries:  cfg.HTTP.MaxRetries,
			BackoffBase: cfg.HTTP.BackoffBase,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build background task provider")
		}

		w := worker.New(worker.Config{
			Queue:         jobQueue,
			Generator:     generator,
			Extractor:     memory.New(store, backgroundProvider, cfg.LLM.Model, log.Logger, m),
			Translator:    translate.NewService(store, translate.NewLLM(backgroundProvider, cfg.LLM.Model), log.Logger),
			MaxJobRetries: cfg.Worker.MaxRetries,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
