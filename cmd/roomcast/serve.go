package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"roomcast/internal/accounting"
	"roomcast/internal/auth"
	"roomcast/internal/bus"
	"roomcast/internal/config"
	"roomcast/internal/crypto"
	"roomcast/internal/httpapi"
	"roomcast/internal/metrics"
	"roomcast/internal/presence"
	"roomcast/internal/providers"
	"roomcast/internal/providers/registry"
	"roomcast/internal/queue"
	"roomcast/internal/session"
	"roomcast/internal/storage"
	"roomcast/internal/turn"
	"roomcast/internal/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session server, the presence sweeper or both (APP_MODE)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			setupLogger(cfg.Log.Level)
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log.Info().
		Str("mode", cfg.AppMode).
		Str("node_id", cfg.NodeID).
		Str("bus", cfg.Bus.Driver).
		Str("provider", cfg.LLM.Provider).
		Msg("starting roomcast")
	gin.SetMode(gin.ReleaseMode)
	m := metrics.Global()
	startedAt := time.Now().UTC()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
	}

	b, err := newBus(cfg, rdb, m)
	if err != nil {
		return err
	}
	defer b.Close()

	reg := session.NewRegistry(session.Config{
		Bus:               b,
		NodeID:            cfg.NodeID,
		QueueSize:         cfg.Session.QueueSize,
		SlowConsumerLimit: cfg.Session.SlowConsumerLimit,
		Logger:            log.Logger,
		Metrics:           m,
	})

	var jobs *queue.StreamQueue
	presCfg := presence.Config{
		Store:     store,
		Publisher: reg,
		Holder:    reg,
		NodeID:    cfg.NodeID,
		StartedAt: startedAt,
		Heartbeat: cfg.Presence.Heartbeat,
		Logger:    log.Logger,
		Metrics:   m,
	}
	if rdb != nil && cfg.ServesSessions() {
		stream := queue.ReconcileStream(cfg.Redis.QueuePrefix, cfg.NodeID)
		jobs = queue.NewStreamQueue(rdb, stream, cfg.Redis.QueueGroup, cfg.NodeID, cfg.Redis.QueueBlock)
		presCfg.Queue = jobs
	}
	pres := presence.New(presCfg)
	reg.SetPresence(pres)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return reg.Run(gctx) })

	// The sweeper clears rows of every room, so one WORKER process can run
	// it for the whole cluster.
	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		sweeper, err := pres.StartSweeper(gctx)
		if err != nil {
			return fmt.Errorf("start presence sweeper: %w", err)
		}
		defer sweeper.Stop()
		log.Info().Dur("every", cfg.Presence.Heartbeat).Msg("presence sweeper started")
	}

	router := httpapi.NewOpsRouter(httpapi.Config{
		Health:      b,
		HealthPath:  cfg.HTTP.HealthPath,
		MetricsPath: cfg.HTTP.MetricsPath,
		Logger:      log.Logger,
		Metrics:     m,
	})
	if cfg.ServesSessions() {
		orch, err := newOrchestrator(cfg, store, reg, pres, rdb, m)
		if err != nil {
			return err
		}
		reg.SetControlHandler(orch.HandleControl)
		reg.SetEmptyHook(orch.OnRoomEmpty)

		heartbeat, err := pres.StartHeartbeat(gctx, reg.LocalPairs)
		if err != nil {
			return fmt.Errorf("start presence heartbeat: %w", err)
		}
		defer heartbeat.Stop()

		// Reconcile jobs re-apply what this node's registry holds, so each
		// session server consumes its own stream.
		if jobs != nil {
			w := worker.New(worker.Config{
				Queue:         jobs,
				Reconciler:    pres,
				MaxJobRetries: cfg.Worker.MaxRetries,
				Logger:        log.Logger,
				Metrics:       m,
			})
			g.Go(func() error {
				if err := w.Start(gctx, cfg.Worker.Concurrency); err != nil && gctx.Err() == nil {
					return fmt.Errorf("worker failed: %w", err)
				}
				return nil
			})
			log.Info().Int("concurrency", cfg.Worker.Concurrency).Str("stream", jobs.Stream()).Msg("reconcile worker started")
		}

		router = httpapi.NewRouter(httpapi.Config{
			Store:       store,
			Registry:    reg,
			Turns:       orch,
			Presence:    pres,
			Auth:        auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
			Health:      b,
			HealthPath:  cfg.HTTP.HealthPath,
			MetricsPath: cfg.HTTP.MetricsPath,
			ReadTimeout: cfg.Session.ReadTimeout,
			Logger:      log.Logger,
			Metrics:     m,
		})
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("runtime error")
	}
	log.Info().Msg("stopped")
	return err
}

func newBus(cfg *config.Config, rdb *redis.Client, m *metrics.Metrics) (bus.Bus, error) {
	switch cfg.Bus.Driver {
	case config.BusRedis:
		return bus.NewRedis(bus.RedisConfig{Client: rdb, Logger: log.Logger, Metrics: m}), nil
	case config.BusAMQP:
		return bus.NewAMQP(bus.AMQPConfig{
			URL:      cfg.Bus.AMQPURL,
			Exchange: cfg.Bus.AMQPExchange,
			Logger:   log.Logger,
			Metrics:  m,
		}), nil
	case config.BusMemory:
		log.Warn().Msg("memory bus only reaches sessions of this process")
		return bus.NewMemory(log.Logger, m), nil
	}
	return nil, config.ErrInvalidBusDriver
}

func newProvider(cfg *config.Config) (providers.Provider, error) {
	apiKey := cfg.LLM.APIKey
	if cfg.LLM.APIKeySealed != "" {
		sealer, err := crypto.NewSealer(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return nil, fmt.Errorf("initialize sealer: %w", err)
		}
		apiKey, err = sealer.Open(cfg.LLM.APIKeySealed)
		if err != nil {
			return nil, fmt.Errorf("open sealed api key: %w", err)
		}
	}
	return registry.Build(providerOptions(cfg, apiKey))
}

// providerOptions maps LLM settings onto the adapter registry. Streams outlive
// any whole-request timeout, so only the wait for response headers is bounded.
func providerOptions(cfg *config.Config, apiKey string) registry.BuildOptions {
	client := &http.Client{Transport: &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: cfg.HTTP.ClientTimeout,
	}}
	return registry.BuildOptions{
		Kind:    cfg.LLM.Provider,
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  apiKey,
		Headers: cfg.LLM.Headers,
		Config: map[string]any{
			"endpoint":      cfg.LLM.Endpoint,
			"method":        cfg.LLM.Method,
			"body_template": cfg.LLM.BodyTemplate,
			"response_path": cfg.LLM.ResponsePath,
			"stream_lines":  cfg.LLM.StreamLines,
		},
		HTTPClient:  client,
		MaxRetries:  cfg.HTTP.MaxRetries,
		BackoffBase: cfg.HTTP.BackoffBase,
	}
}

func newOrchestrator(cfg *config.Config, store *storage.Store, reg *session.Registry, pres *presence.Service, rdb *redis.Client, m *metrics.Metrics) (*turn.Orchestrator, error) {
	provider, err := newProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}
	prices, err := accounting.LoadPriceTable(cfg.LLM.PriceTable)
	if err != nil {
		return nil, fmt.Errorf("load price table: %w", err)
	}

	tcfg := turn.Config{
		Store:      store,
		Publisher:  reg,
		Provider:   provider,
		Accountant: accounting.NewAccountant(accounting.NewCounter(log.Logger), prices),
		Files: turn.NewFileResolver(turn.FileResolverConfig{
			Store:     store,
			Fetcher:   turn.HTTPFetcher{Client: &http.Client{Timeout: cfg.HTTP.ClientTimeout}},
			Optimizer: turn.ProviderOptimizer{Provider: provider, Model: cfg.LLM.Model},
			Publisher: reg,
			Logger:    log.Logger,
		}),
		Occupancy:              pres,
		Model:                  cfg.LLM.Model,
		SystemPrompt:           cfg.LLM.SystemPrompt,
		Timeout:                cfg.Turn.Timeout,
		TitleTimeout:           cfg.Turn.TitleTimeout,
		KeepStreamingWhenEmpty: cfg.Turn.KeepStreamingWhenEmpty,
		APIInfo:                cfg.Turn.APIInfo,
		Logger:                 log.Logger,
		Metrics:                m,
	}
	if rdb != nil && cfg.Turn.RatePerHour > 0 {
		tcfg.RateLimiter = queue.NewRateLimiter(rdb, cfg.Turn.RatePerHour)
	}
	if rdb != nil && cfg.Turn.DistributedLease {
		tcfg.Lease = queue.NewRoomLease(rdb, cfg.Turn.Timeout+30*time.Second)
	}
	return turn.New(tcfg), nil
}
