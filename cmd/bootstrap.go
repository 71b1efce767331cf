package cmd

import (
	"context"
	"os"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/api/handlers"
	"example.com/backstage/services/orders/internal/cache"
	"example.com/backstage/services/orders/internal/cart"
	"example.com/backstage/services/orders/internal/clients"
	"example.com/backstage/services/orders/internal/groupbuy"
	"example.com/backstage/services/orders/internal/metrics"
	"example.com/backstage/services/orders/internal/models"
	"example.com/backstage/services/orders/internal/repositories"
	"example.com/backstage/services/orders/internal/search"
	"example.com/backstage/services/orders/internal/services"
	"example.com/backstage/services/orders/internal/tracing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// infra holds the connections shared by the api and worker commands
type infra struct {
	db         *gorm.DB
	readOnlyDB *gorm.DB
	redis      *cache.RedisCache
	elastic    *search.ElasticClient
	tracer     tracing.Tracer
	metrics    *metrics.Metrics
}

func configureLogging(cfg config.Config) {
	if cfg.Environment != "development" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func initInfra(ctx context.Context, cfg config.Config) (*infra, error) {
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return nil, err
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer, _ = tracing.NewTracer(config.TracingConfig{})
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache, _ = cache.NewRedisCache(config.RedisConfig{})
	}

	elasticClient, err := search.NewElasticClient(cfg.Elastic, tracer.RoundTripper(nil))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search functionality")
	} else if err := elasticClient.EnsureIndex(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to ensure order index, continuing without search functionality")
		elasticClient = nil
	}

	return &infra{
		db:         db,
		readOnlyDB: readOnlyDB,
		redis:      redisCache,
		elastic:    elasticClient,
		tracer:     tracer,
		metrics:    metrics.NewMetrics(),
	}, nil
}

func (i *infra) Close() {
	if err := i.redis.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close Redis")
	}
	for _, db := range []*gorm.DB{i.db, i.readOnlyDB} {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	i.tracer.Close()
}

// probes lists the dependencies reported by /health
func (i *infra) probes() map[string]handlers.HealthProbe {
	probes := map[string]handlers.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := i.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if i.redis.Enabled() {
		probes["redis"] = i.redis.Ping
	}
	if i.elastic != nil {
		probes["elasticsearch"] = i.elastic.Ping
	}
	return probes
}

func newOrderService(cfg config.Config, i *infra) *services.OrderService {
	transport := i.tracer.RoundTripper(nil)

	// optional collaborators stay nil interfaces when absent
	var shared groupbuy.SharedCache
	if i.redis.Enabled() {
		shared = i.redis
	}
	var searcher services.OrderSearcher
	if i.elastic != nil {
		searcher = i.elastic
	}

	return services.NewOrderService(services.OrderServiceConfig{
		Store:       repositories.NewOrderRepository(i.db, i.readOnlyDB),
		Membership:  clients.NewMembershipClient(cfg.Clients.MembershipURL, cfg.Clients.Timeout, transport),
		SharedCache: shared,
		Carts:       cart.NewRedisSource(i.redis),
		Promos:      cart.NewStaticPromos(cfg.Coordinator.Promos),
		OTP:         clients.NewOTPClient(cfg.Clients.OTPURL, cfg.Clients.Timeout, transport),
		Addresses:   clients.NewProfileClient(cfg.Clients.ProfileURL, cfg.Clients.Timeout, transport),
		Search:      searcher,
		Tracer:      i.tracer,
		Metrics:     i.metrics,
		Coordinator: cfg.Coordinator,
	})
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}

	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), gormCfg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}
	if err := configurePool(db, cfg.DB); err != nil {
		return nil, nil, err
	}

	readOnlyDB := db
	if cfg.DB.ReadOnlyDSN != "" && cfg.DB.ReadOnlyDSN != cfg.DB.DSN {
		readOnlyDB, err = gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), gormCfg)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
		}
		if err := configurePool(readOnlyDB, cfg.DB); err != nil {
			return nil, nil, err
		}
	}

	// migrations only run against the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	return db, readOnlyDB, nil
}

func configurePool(db *gorm.DB, cfg config.DatabaseConfig) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get database handle")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return nil
}
