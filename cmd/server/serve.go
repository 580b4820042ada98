package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"paygate/internal/api"
	"paygate/internal/blockchain"
	"paygate/internal/blockchain/bitcoin"
	"paygate/internal/blockchain/cosmos"
	"paygate/internal/blockchain/evm"
	"paygate/internal/blockchain/stream"
	"paygate/internal/cache"
	"paygate/internal/config"
	"paygate/internal/database"
	"paygate/internal/idempotency"
	"paygate/internal/metrics"
	"paygate/internal/monitor"
	"paygate/internal/notify"
	"paygate/internal/payment"
	"paygate/internal/pricefeed"
	"paygate/internal/resilience"
	"paygate/internal/webhook"
	"paygate/internal/worker"
)

// cleanup collects close functions run in reverse order on exit
type cleanup []func()

func (c *cleanup) add(fn func()) { *c = append(*c, fn) }

func (c cleanup) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// chainSet is what the configured chains contribute to the wiring
type chainSet struct {
	registry  *blockchain.Registry
	allocator *payment.DerivedAllocator
	push      []monitor.PushSource
	required  map[string]int64
}

func serve(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("Starting paygate",
		zap.String("env", cfg.Env),
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("num_chains", len(cfg.Chains)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers cleanup
	defer closers.run()

	metrics.Register(prometheus.DefaultRegisterer)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers.add(func() { store.Close() })

	breakerCfg := resilience.DefaultConfig()
	breakerCfg.FailureThreshold = uint32(cfg.Breaker.FailureThreshold)
	breakerCfg.OpenTimeout = cfg.Breaker.OpenTimeout
	breakerCfg.HalfOpenTrials = uint32(cfg.Breaker.HalfOpenTrials)
	breakerCfg.WindowSize = cfg.Breaker.WindowSize
	breakerCfg.DegradedThreshold = cfg.Breaker.DegradedThreshold
	breakers := resilience.NewHandler(resilience.NewRegistry(breakerCfg, logger), store, logger)

	chains, err := connectChains(cfg, &closers, logger)
	if err != nil {
		return err
	}

	mon := monitor.New(monitor.Config{
		PollInterval:         cfg.Monitor.PollInterval,
		SweepInterval:        cfg.Monitor.SweepInterval,
		CallTimeout:          cfg.Monitor.CallTimeout,
		Expiry:               cfg.Monitor.Expiry,
		MaxConcurrentChecks:  cfg.Monitor.MaxConcurrentChecks,
		EventBuffer:          cfg.Monitor.EventBuffer,
		MaxReconnectAttempts: cfg.Monitor.MaxReconnectAttempts,
		ReconnectBase:        cfg.Monitor.ReconnectBase,
		ReconnectMax:         cfg.Monitor.ReconnectMax,
	}, chains.registry, breakers, logger)

	coordCfg := idempotency.DefaultConfig()
	coordCfg.TTL = cfg.Idempotency.TTL
	coordCfg.LockTTL = cfg.Idempotency.LockTTL
	coordCfg.RetryDelay = cfg.Idempotency.LockRetryDelay
	coord := idempotency.NewCoordinator(store, coordCfg, logger)

	repo, err := openRepository(ctx, cfg, &closers, logger)
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		BatchSize:     cfg.Notify.BatchSize,
		FlushInterval: cfg.Notify.FlushInterval,
		QueueSize:     cfg.Notify.QueueSize,
	}, logger)
	if err := dispatcher.Subscribe(notify.AllEvents, logNotifications(logger)); err != nil {
		return err
	}

	deps := payment.Deps{
		Repo:      repo,
		Chains:    chains.registry,
		Tracker:   mon,
		Locker:    coord,
		Publisher: dispatcher,
	}
	if cfg.PriceFeed.BaseURL != "" {
		client := pricefeed.NewClient(pricefeed.ClientConfig{
			BaseURL:        cfg.PriceFeed.BaseURL,
			APIKey:         cfg.PriceFeed.APIKey,
			RequestsPerSec: cfg.PriceFeed.RequestsPerS,
			Burst:          cfg.PriceFeed.Burst,
			Timeout:        cfg.Monitor.CallTimeout,
		}, logger)
		deps.Prices = pricefeed.NewService(client, store, breakers, cfg.PriceFeed.CacheTTL, logger)
	} else {
		logger.Info("No price feed configured, fiat-denominated payments are rejected")
	}
	if len(chains.allocator.Currencies()) > 0 {
		deps.Allocator = chains.allocator
	}

	payments := payment.NewService(deps, payment.Config{
		DefaultTTL:            cfg.Payment.DefaultTTL,
		LockTTL:               cfg.Payment.LockTTL,
		RequiredConfirmations: chains.required,
	}, logger)

	processor, err := newWebhookProcessor(cfg, store, breakers, coord, payments, logger)
	if err != nil {
		return err
	}

	apiHandler := api.NewHandler(payments, processor, breakers, cfg.Webhook.TrustProxy, logger)
	router := api.SetupRouter(apiHandler, api.RouterConfig{
		Coordinator:    coord,
		IdempotencyTTL: cfg.Idempotency.TTL,
	}, logger)

	workers := worker.NewWorkerManager(worker.Config{
		ExpiryInterval: cfg.Payment.ExpirySweepInterval,
	}, mon, payments, dispatcher, chains.push, logger)

	resumeCtx, cancelResume := context.WithTimeout(ctx, time.Minute)
	if _, err := workers.ResumeTracking(resumeCtx); err != nil {
		logger.Warn("Failed to resume transaction tracking", zap.Error(err))
	}
	cancelResume()

	workers.Start()
	logger.Info("Workers started")

	// Create HTTP server
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start HTTP server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", serverAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	logger.Info("Service initialized successfully", zap.String("status", "ready"))

	// Wait for interrupt signal or server error
	var runErr error
	select {
	case err := <-serverErrors:
		runErr = fmt.Errorf("http server: %w", err)
		logger.Error("HTTP server error", zap.Error(err))
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	logger.Info("Shutting down service...")

	// HTTP first, then workers
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
		httpServer.Close()
	} else {
		logger.Info("HTTP server stopped gracefully")
	}

	if err := workers.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Worker shutdown error", zap.Error(err))
	}

	logger.Info("Service stopped")
	return runErr
}

// openStore connects to Redis when configured. The in-process store is only
// correct while a single instance runs.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (cache.Store, error) {
	if cfg.Redis.Addr == "" {
		logger.Warn("REDIS_ADDR not set, using in-process store; run a single instance only")
		store, err := cache.NewMemoryStore(cache.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create memory store: %w", err)
		}
		return store, nil
	}

	store, err := cache.NewRedisStore(ctx, cache.RedisConfig{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
		PoolSize:  cfg.Redis.PoolSize,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	return store, nil
}

// openRepository connects to PostgreSQL when configured and applies the schema
func openRepository(ctx context.Context, cfg *config.Config, closers *cleanup, logger *zap.Logger) (payment.Repository, error) {
	if cfg.Database.Host == "" {
		logger.Warn("DB_HOST not set, payments are kept in memory")
		return payment.NewMemoryRepository(), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	db, err := database.Connect(connectCtx, databaseConfig(cfg))
	if err != nil {
		return nil, err
	}
	closers.add(func() { db.Close() })
	logger.Info("Database connected successfully", zap.String("db_host", cfg.Database.Host))

	if err := database.RunMigrations(connectCtx, db); err != nil {
		return nil, err
	}
	logger.Info("Database migrations applied successfully")

	return database.NewPaymentRepository(db), nil
}

// connectChains dials every configured chain and collects its deposit
// deriver and push stream when set up
func connectChains(cfg *config.Config, closers *cleanup, logger *zap.Logger) (*chainSet, error) {
	set := &chainSet{
		registry:  blockchain.NewRegistry(),
		allocator: payment.NewDerivedAllocator(),
		required:  make(map[string]int64, len(cfg.Chains)),
	}

	for sym, chainCfg := range cfg.Chains {
		var svc blockchain.Service
		switch chainCfg.Type {
		case config.ChainTypeEVM:
			s, err := evm.Dial(chainCfg, logger)
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", sym, err)
			}
			closers.add(s.Close)
			svc = s

			if chainCfg.DepositFactory != "" {
				d, err := evm.NewDepositDeriver(chainCfg)
				if err != nil {
					return nil, fmt.Errorf("chain %s: %w", sym, err)
				}
				set.allocator.Register(sym, d)
			}

		case config.ChainTypeBitcoin:
			s, err := bitcoin.Dial(chainCfg, logger)
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", sym, err)
			}
			closers.add(s.Close)
			svc = s

		case config.ChainTypeCosmos:
			s, err := cosmos.Dial(chainCfg, logger)
			if err != nil {
				return nil, fmt.Errorf("chain %s: %w", sym, err)
			}
			closers.add(func() { s.Close() })
			svc = s

			if chainCfg.DepositCodeID != 0 {
				d, err := cosmos.NewDepositDeriver(chainCfg)
				if err != nil {
					return nil, fmt.Errorf("chain %s: %w", sym, err)
				}
				set.allocator.Register(sym, d)
			}

		default:
			return nil, fmt.Errorf("chain %s: unsupported type %q", sym, chainCfg.Type)
		}

		set.registry.Register(svc)
		set.required[sym] = chainCfg.RequiredConfirmations

		if cfg.Monitor.PushEnabled && chainCfg.WSEndpoint != "" {
			set.push = append(set.push, stream.NewClient(stream.Config{
				Endpoint:   chainCfg.WSEndpoint,
				Currencies: []string{sym},
			}, logger))
		}

		logger.Info("Chain initialized",
			zap.String("currency", sym),
			zap.String("type", chainCfg.Type),
			zap.Int64("required_confirmations", chainCfg.RequiredConfirmations),
			zap.Bool("push", chainCfg.WSEndpoint != "" && cfg.Monitor.PushEnabled))
	}

	return set, nil
}

func newWebhookProcessor(
	cfg *config.Config,
	store cache.Store,
	breakers *resilience.Handler,
	coord *idempotency.Coordinator,
	payments *payment.Service,
	logger *zap.Logger,
) (*webhook.Processor, error) {
	global, err := webhook.NewIPAllowList(cfg.Webhook.GlobalAllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("global webhook allow-list: %w", err)
	}

	secrets := make(map[string]string, len(cfg.Webhook.Providers))
	allowLists := make(map[string]*webhook.IPAllowList, len(cfg.Webhook.Providers))
	for name, p := range cfg.Webhook.Providers {
		list, err := webhook.NewIPAllowList(p.AllowedIPs)
		if err != nil {
			return nil, fmt.Errorf("webhook provider %s allow-list: %w", name, err)
		}
		allowLists[strings.ToLower(name)] = list
		secrets[strings.ToLower(name)] = p.Secret
	}

	validator := webhook.NewValidator(webhook.Config{
		MaxPayloadBytes:    cfg.Webhook.MaxPayloadBytes,
		TimestampTolerance: cfg.Webhook.TimestampTolerance,
		ReplayWindow:       cfg.Webhook.ReplayWindow,
	}, webhook.NewSecretStore(secrets, store, breakers, logger), allowLists, global, store, logger)

	logger.Info("Webhook providers configured", zap.Int("count", len(cfg.Webhook.Providers)))
	return webhook.NewProcessor(validator, coord, payments, cfg.Idempotency.TTL, logger), nil
}

// logNotifications is the built-in subscriber; it records every dispatched
// notification batch
func logNotifications(logger *zap.Logger) notify.Handler {
	logger = logger.Named("notifications")
	return func(batch []notify.Event) {
		for _, ev := range batch {
			logger.Info("Payment notification",
				zap.String("event", ev.Name),
				zap.String("payment_id", ev.PaymentID),
				zap.Time("published_at", ev.PublishedAt),
				zap.Any("payload", ev.Payload))
		}
	}
}
