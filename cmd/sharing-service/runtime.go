package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dhoini/Sharing-microservice/internal/config"
	"github.com/Dhoini/Sharing-microservice/internal/gateway"
	"github.com/Dhoini/Sharing-microservice/internal/kafka"
	"github.com/Dhoini/Sharing-microservice/internal/metrics"
	"github.com/Dhoini/Sharing-microservice/internal/repository"
	"github.com/Dhoini/Sharing-microservice/internal/repository/memory"
	"github.com/Dhoini/Sharing-microservice/internal/repository/postgres"
	"github.com/Dhoini/Sharing-microservice/internal/services"
	"github.com/Dhoini/Sharing-microservice/internal/stripe"
	"github.com/Dhoini/Sharing-microservice/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
)

// runtime - собранные зависимости процесса, общие для serve и sweep
type runtime struct {
	cfg      *config.Config
	log      *logger.Logger
	registry *prometheus.Registry
	services *services.Services
	parser   gateway.EventParser
	closers  []func()
}

func buildRuntime(ctx context.Context, cfg *config.Config, log *logger.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: log, registry: metrics.NewRegistry()}
	sharingMetrics := metrics.NewSharingMetrics(rt.registry, log)

	store, err := rt.openStore(ctx)
	if err != nil {
		rt.Close()
		return nil, err
	}

	deps := services.Deps{
		Store:   store,
		Cache:   rt.openCache(),
		Metrics: sharingMetrics,
		Log:     log,
	}
	if publisher := rt.openPublisher(ctx); publisher != nil {
		deps.Publisher = publisher
	}

	if cfg.Stripe.APIKey == "" {
		log.Warnw("Stripe API key is not set, gateway calls will fail")
	}
	deps.Gateway = gateway.WithRetry(
		stripe.NewGateway(cfg.Stripe.APIKey, log.Named("stripe")),
		retryPolicy(cfg.Gateway),
		log.Named("gateway"),
		sharingMetrics,
	)
	rt.parser = stripe.NewEventParser(cfg.Stripe.WebhookSecret, log.Named("stripe"))
	rt.services = services.New(deps, services.OptionsFromConfig(cfg))
	return rt, nil
}

func retryPolicy(cfg config.GatewayConfig) gateway.RetryPolicy {
	policy := gateway.DefaultRetryPolicy()
	if cfg.Timeout > 0 {
		policy.AttemptTimeout = cfg.Timeout
	}
	if cfg.RetryMaxElapsed > 0 {
		policy.MaxElapsedTime = cfg.RetryMaxElapsed
	}
	return policy
}

func (rt *runtime) openStore(ctx context.Context) (repository.Store, error) {
	if rt.cfg.Database.DSN == "" {
		if rt.cfg.IsProduction() {
			return nil, errors.New("database.dsn is required in production")
		}
		rt.log.Warnw("Database DSN is empty, using in-memory store; data is lost on restart")
		return memory.NewStore(rt.log.Named("store")), nil
	}

	if rt.cfg.Database.AutoMigrate {
		if err := postgres.MigrateUp(rt.cfg.Database.DSN, rt.log.Named("migrate")); err != nil {
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}
	pool, err := postgres.NewConnection(ctx, rt.cfg.Database.DSN, rt.cfg.Database.MaxConns, rt.log)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	rt.closers = append(rt.closers, pool.Close)
	rt.log.Infow("Database connection established")
	return postgres.NewStore(pool, rt.log.Named("store")), nil
}

// openCache не фатален: без Redis снимки групп читаются из базы
func (rt *runtime) openCache() repository.GroupViewCache {
	if rt.cfg.Redis.Addr == "" {
		return repository.NoopGroupCache{}
	}
	cache, err := repository.NewRedisGroupCache(rt.cfg.Redis.Addr, rt.cfg.Redis.Password, rt.cfg.Redis.DB, rt.cfg.Redis.TTL, rt.log.Named("cache"))
	if err != nil {
		rt.log.Warnw("Failed to initialize Redis cache, continuing without caching", "error", err)
		return repository.NoopGroupCache{}
	}
	rt.closers = append(rt.closers, func() {
		if err := cache.Close(); err != nil {
			rt.log.Errorw("Error closing Redis connection", "error", err)
		}
	})
	return cache
}

// openPublisher не фатален: доменные события просто не публикуются
func (rt *runtime) openPublisher(ctx context.Context) kafka.Producer {
	brokers := rt.cfg.Kafka.Brokers
	if len(brokers) == 0 {
		rt.log.Warnw("Kafka brokers are not configured, domain events will not be published")
		return nil
	}
	if rt.cfg.Kafka.EnsureTopics {
		if err := kafka.EnsureKafkaTopics(ctx, brokers, rt.log); err != nil {
			rt.log.Warnw("Failed to ensure Kafka topics", "error", err)
		}
	}
	producer, err := kafka.NewKafkaProducer(brokers, rt.log.Named("kafka"))
	if err != nil {
		rt.log.Errorw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
		return nil
	}
	rt.closers = append(rt.closers, func() {
		if err := producer.Close(); err != nil {
			rt.log.Errorw("Error closing Kafka producer", "error", err)
		}
	})
	return producer
}

// Close освобождает ресурсы в обратном порядке
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
