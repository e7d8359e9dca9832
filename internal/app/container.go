package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/acme/checkin-call-engine/internal/api/handlers"
	"github.com/acme/checkin-call-engine/internal/auth"
	"github.com/acme/checkin-call-engine/internal/config"
	"github.com/acme/checkin-call-engine/internal/infra/db"
	"github.com/acme/checkin-call-engine/internal/infra/redis"
	"github.com/acme/checkin-call-engine/internal/queue"
	"github.com/acme/checkin-call-engine/internal/repository"
	pgrepo "github.com/acme/checkin-call-engine/internal/repository/postgres"
	scyllarepo "github.com/acme/checkin-call-engine/internal/repository/scylla"
	"github.com/acme/checkin-call-engine/internal/scheduler"
	callsvc "github.com/acme/checkin-call-engine/internal/service/call"
	"github.com/acme/checkin-call-engine/internal/service/concurrency"
	"github.com/acme/checkin-call-engine/internal/service/retry"
	"github.com/acme/checkin-call-engine/internal/service/webhook"
	"github.com/acme/checkin-call-engine/internal/telephony"
	"github.com/acme/checkin-call-engine/internal/worker"
	"github.com/acme/checkin-call-engine/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka
	Queue    *queue.Client
	Provider telephony.Provider

	redisOpt asynq.RedisClientOpt

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		limiters     *limiters
		publisher    *queue.OutcomePublisher
	}
}

type repositories struct {
	Calls    repository.CallRecordStore
	Profiles repository.ProfileStore
	Events   repository.CallEventLog
}

type services struct {
	Retry      *retry.Engine
	Dispatcher *callsvc.Dispatcher
	Reconciler *webhook.Reconciler
	Scheduler  *scheduler.Scheduler
}

type limiters struct {
	VendorSlots *concurrency.Limiter
	TickLock    *concurrency.Limiter
}

// Build constructs a container for the given configuration path. Every
// external dependency is connected eagerly so misconfiguration fails at start.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, err
	}

	c := &Container{Config: cfg, Logger: lg, redisOpt: redis.ConnOpt(cfg.Redis)}
	if err := c.connect(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *Container) connect(ctx context.Context) error {
	cfg := c.Config

	provider, err := telephony.New(cfg.Vendor, c.Logger)
	if err != nil {
		return fmt.Errorf("bootstrap telephony: %w", err)
	}
	c.Provider = provider

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("bootstrap postgres: %w", err)
	}
	c.Postgres = pg

	redisClient, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("bootstrap redis: %w", err)
	}
	c.Redis = redisClient

	if cfg.Scylla.Enabled {
		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			return fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla
		if !cfg.Scylla.DisableInitSchema {
			store := scyllarepo.NewEventStore(scylla.Session(), cfg.Scylla.EventTTL)
			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("bootstrap scylla schema: %w", err)
			}
		}
	}

	if cfg.Kafka.Enabled {
		kafka, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = kafka
	}

	c.Queue = queue.NewClient(c.redisOpt, cfg.Queue)
	return nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config

		repos := &repositories{
			Calls:    pgrepo.NewCallRecordRepository(c.Postgres.DB()),
			Profiles: pgrepo.NewProfileRepository(c.Postgres.DB()),
			Events:   repository.NopEventLog{},
		}
		if c.Scylla != nil {
			repos.Events = scyllarepo.NewEventStore(c.Scylla.Session(), cfg.Scylla.EventTTL)
		}

		lims := &limiters{
			VendorSlots: concurrency.NewLimiter(c.Redis.Inner(), cfg.Throttle.SlotTTL),
			TickLock:    concurrency.NewLimiter(c.Redis.Inner(), cfg.Scheduler.LockTTL),
		}

		var publisher webhook.OutcomePublisher = queue.NopPublisher{}
		if c.Kafka != nil {
			c.components.publisher = queue.NewOutcomePublisher(c.Kafka, cfg.Kafka.OutcomeTopic)
			publisher = c.components.publisher
		}

		schedSettings := scheduler.SettingsFromConfig(cfg.Scheduler)
		engine := retry.NewEngine(retry.NewPolicy(cfg.Retry), repos.Calls, c.Queue, c.Logger)

		svc := &services{
			Retry: engine,
			Dispatcher: callsvc.NewDispatcher(
				repos.Calls,
				repos.Profiles,
				repos.Events,
				c.Provider,
				engine,
				lims.VendorSlots,
				callsvc.Settings{
					RequestTimeout:  cfg.Vendor.RequestTimeout,
					DefaultLocation: schedSettings.DefaultLocation,
					VendorSlots:     cfg.Throttle.MaxConcurrentCalls,
					SlotPoll:        cfg.Throttle.PollInterval,
				},
				c.Logger,
			),
			Reconciler: webhook.NewReconciler(c.Provider, repos.Calls, repos.Events, engine, publisher, c.Logger),
			Scheduler:  scheduler.New(repos.Profiles, repos.Calls, c.Queue, schedSettings, c.Logger),
		}

		c.components.repositories = repos
		c.components.services = svc
		c.components.limiters = lims
	})
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Limiters exposes limiter utilities.
func (c *Container) Limiters() *limiters {
	c.initComponents()
	return c.components.limiters
}

// RedisOpt returns the asynq connection options.
func (c *Container) RedisOpt() asynq.RedisClientOpt {
	return c.redisOpt
}

// HandlerSet builds HTTP handlers with dependencies.
func (c *Container) HandlerSet() (*handlers.HandlerSet, error) {
	verifier, err := auth.NewVerifier(c.Config.Auth)
	if err != nil {
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}
	repos := c.Repositories()
	svc := c.Services()

	checks := []handlers.HealthCheck{
		{Name: "postgres", Ping: func(ctx context.Context) error { return c.Postgres.DB().PingContext(ctx) }},
		{Name: "redis", Ping: func(ctx context.Context) error { return c.Redis.Inner().Ping(ctx).Err() }},
	}
	if c.Scylla != nil {
		checks = append(checks, handlers.HealthCheck{Name: "scylla", Ping: c.Scylla.Ping})
	}

	return handlers.NewHandlerSet(handlers.Deps{
		Webhooks:   svc.Reconciler,
		Dispatcher: svc.Dispatcher,
		Calls:      repos.Calls,
		Events:     repos.Events,
		Auth:       verifier,
		Checks:     checks,
		Logger:     c.Logger,
	}), nil
}

// Workers builds the asynq worker pool with handlers registered.
func (c *Container) Workers() *queue.Pool {
	svc := c.Services()
	lims := c.Limiters()

	pool := queue.NewPool(c.redisOpt, c.Config.Queue, c.Logger)
	worker.New(svc.Scheduler, svc.Dispatcher, lims.TickLock, c.Logger).Register(pool)
	return pool
}

// Recurring builds the periodic schedule-tick registration.
func (c *Container) Recurring() *queue.Recurring {
	return queue.NewRecurring(c.redisOpt, c.Config.Scheduler.TickInterval, c.Config.Scheduler.SyncInterval, c.Logger)
}

// Migrate applies pending Postgres migrations.
func (c *Container) Migrate(ctx context.Context) error {
	applied, err := c.Postgres.Migrate(ctx)
	if err != nil {
		return err
	}
	if len(applied) > 0 {
		c.Logger.Info("postgres migrations applied", zap.Strings("versions", applied))
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist. It is a no-op when Kafka
// is disabled.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return c.Kafka.EnsureTopics(ctx, c.Config.Kafka.OutcomeTopic)
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publisher; p != nil {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("outcome publisher close: %w", err))
		}
	}
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("queue client close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close: %w", errors.Join(errs...))
	}
	return nil
}
