// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-frontier/internal/api"
	"github.com/JakeFAU/crawl-frontier/internal/clock/system"
	"github.com/JakeFAU/crawl-frontier/internal/config"
	"github.com/JakeFAU/crawl-frontier/internal/dispatcher"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/hash/md5"
	"github.com/JakeFAU/crawl-frontier/internal/id/uuid"
	"github.com/JakeFAU/crawl-frontier/internal/ingest"
	"github.com/JakeFAU/crawl-frontier/internal/leader"
	"github.com/JakeFAU/crawl-frontier/internal/migrations"
	"github.com/JakeFAU/crawl-frontier/internal/outbox"
	"github.com/JakeFAU/crawl-frontier/internal/policy"
	"github.com/JakeFAU/crawl-frontier/internal/policy/ratelimit"
	kafkapublisher "github.com/JakeFAU/crawl-frontier/internal/publisher/kafka"
	gcppublisher "github.com/JakeFAU/crawl-frontier/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-frontier/internal/queue"
	"github.com/JakeFAU/crawl-frontier/internal/schema"
	pgstore "github.com/JakeFAU/crawl-frontier/internal/storage/postgres"
	"github.com/JakeFAU/crawl-frontier/internal/telemetry"
	"github.com/JakeFAU/crawl-frontier/internal/watchdog"
)

const (
	leaderReleaseTimeout = 3 * time.Second
	leaderReleaseGrace   = time.Second
	dispatchedRetention  = 7 * 24 * time.Hour
	rawPageRetention     = 7 * 24 * time.Hour
	dltRetention         = 14 * 24 * time.Hour
)

type closablePublisher interface {
	frontier.Publisher
	Close() error
}

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	pool      *pgxpool.Pool
	redis     *redis.Client
	publisher closablePublisher

	apiServer *api.Server
	elector   *leader.Elector
	dispatch  *dispatcher.Dispatcher
	relay     *outbox.Relay
	watchdog  *watchdog.Watchdog
	consumer  *queue.Consumer

	tracerShutdown func(context.Context) error
	metricShutdown func(context.Context) error
}

// Build connects to every backing service and assembles the components.
// On error the partially built App is closed before returning.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (app *App, err error) {
	app = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("close after failed build", zap.Error(cerr))
			}
			app = nil
		}
	}()

	logger.Info("building application",
		zap.Int("port", cfg.Server.Port),
		zap.Bool("dispatcher_enabled", cfg.Dispatcher.Enabled),
		zap.Bool("pubsub", cfg.PubSub.ProjectID != ""),
	)

	tp, mp, err := telemetry.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return app, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	if err = app.setupDatabase(ctx); err != nil {
		return app, err
	}
	app.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err = app.setupPublisher(ctx); err != nil {
		return app, err
	}
	if err = app.setupComponents(); err != nil {
		return app, err
	}
	return app, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.MigrateOnStart {
		if err := migrations.Up(a.cfg.Database.DSN, a.logger.Named("migrate")); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
	}
	pool, err := pgstore.Open(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	a.logger.Info("postgres pool initialized", zap.Int32("max_conns", a.cfg.Database.MaxConns))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID != "" {
		pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized", zap.String("project", a.cfg.PubSub.ProjectID))
		return nil
	}

	if a.cfg.Kafka.ProvisionTopics {
		specs := topicSpecs(a.cfg.Topics)
		if err := kafkapublisher.ProvisionTopics(
			ctx, a.cfg.Kafka.Brokers[0], specs, a.cfg.Kafka.Partitions, a.cfg.Kafka.ReplicationFactor,
		); err != nil {
			return fmt.Errorf("topic provisioning failed: %w", err)
		}
		a.logger.Info("kafka topics provisioned", zap.Int("topics", len(specs)))
	}
	pub, err := kafkapublisher.New(a.cfg.Kafka.Brokers)
	if err != nil {
		return fmt.Errorf("kafka publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("kafka publisher initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

//nolint:funlen // Wiring is linear.
func (a *App) setupComponents() error {
	cfg := a.cfg
	clock := system.New()
	hasher := md5.New()

	tx := pgstore.NewTxManager(a.pool)
	frontierStore := pgstore.NewFrontierStore(a.pool)
	jobStore := pgstore.NewJobStore(a.pool)
	outboxStore := pgstore.NewOutboxStore(a.pool)
	eventLog := pgstore.NewEventLogStore(a.pool)

	validator, err := schema.New()
	if err != nil {
		return fmt.Errorf("schema init failed: %w", err)
	}
	enqueuer := outbox.NewEnqueuer(outboxStore, validator, clock)
	policies := policy.NewService(pgstore.NewPolicyStore(a.pool), policyDefaults(cfg), cfg.Policy.CacheTTL, clock)

	if cfg.Dispatcher.Enabled {
		a.elector, err = leader.New(a.redis, leader.Config{
			Key: cfg.Dispatcher.LeaderKey,
			ID:  instanceID(),
			TTL: cfg.Dispatcher.LeaderTTL,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("leader elector init failed: %w", err)
		}
		limiter, err := ratelimit.New(a.redis, clock)
		if err != nil {
			return fmt.Errorf("rate limiter init failed: %w", err)
		}
		a.dispatch, err = dispatcher.New(dispatcher.Deps{
			Tx:       tx,
			Frontier: frontierStore,
			Jobs:     jobStore,
			Outbox:   enqueuer,
			Policies: policies,
			Limiter:  limiter,
			Elector:  a.elector,
			JobIDs:   uuid.NewUUIDGenerator(),
			EventIDs: uuid.NewRandomGenerator(),
			Clock:    clock,
		}, dispatcher.Config{
			Tick:          cfg.Dispatcher.Tick,
			LeaseDuration: cfg.Dispatcher.LeaseDuration,
			MaxBatchSize:  cfg.Dispatcher.MaxBatchSize,
			Topic:         cfg.Topics.Dispatched,
		}, a.logger.Named("dispatcher"))
		if err != nil {
			return fmt.Errorf("dispatcher init failed: %w", err)
		}
		a.logger.Info("dispatcher configured",
			zap.Duration("tick", cfg.Dispatcher.Tick),
			zap.Duration("lease", cfg.Dispatcher.LeaseDuration),
			zap.Int("max_batch", cfg.Dispatcher.MaxBatchSize),
		)
	} else {
		a.logger.Info("dispatcher disabled")
	}

	a.relay = outbox.NewRelay(tx, outboxStore, a.publisher, clock, outbox.Config{
		DrainInterval:   cfg.Outbox.DrainInterval,
		CleanupInterval: cfg.Outbox.CleanupInterval,
		Retention:       cfg.Outbox.Retention,
		PublishTimeout:  cfg.Outbox.PublishTimeout,
		BatchSize:       cfg.Outbox.BatchSize,
		MaxAttempts:     cfg.Outbox.MaxAttempts,
	}, a.logger.Named("relay"))

	a.watchdog = watchdog.New(frontierStore, jobStore, clock, watchdog.Config{
		Interval:   cfg.Watchdog.Interval,
		JobTimeout: cfg.Watchdog.JobTimeout,
	}, a.logger.Named("watchdog"))

	ingestor, err := ingest.New(ingest.Deps{
		Tx:        tx,
		Frontier:  frontierStore,
		Jobs:      jobStore,
		Events:    eventLog,
		Outbox:    enqueuer,
		Policies:  policies,
		Hasher:    hasher,
		EventIDs:  uuid.NewRandomGenerator(),
		Clock:     clock,
		Validator: validator,
	}, ingest.Config{AckTopic: cfg.Topics.Ack}, a.logger.Named("ingest"))
	if err != nil {
		return fmt.Errorf("ingestor init failed: %w", err)
	}
	if err := a.setupConsumer(ingestor); err != nil {
		return err
	}

	a.apiServer, err = api.NewServer(api.Deps{
		Frontier: frontierStore,
		Hasher:   hasher,
		Clock:    clock,
		Checks: []api.Check{
			{Name: "postgres", Ping: a.pool.Ping},
			{Name: "redis", Ping: func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }},
		},
	}, api.Config{
		AuthEnabled: cfg.Auth.Enabled,
		AuthToken:   cfg.Auth.Token,
		RateRPS:     cfg.RateLimit.APIRPS,
		RateBurst:   cfg.RateLimit.APIBurst,
	}, a.logger.Named("api"))
	if err != nil {
		return fmt.Errorf("api init failed: %w", err)
	}
	return nil
}

func (a *App) setupConsumer(handler queue.Handler) error {
	if len(a.cfg.Kafka.Brokers) == 0 {
		a.logger.Warn("no kafka brokers configured, result consumer disabled")
		return nil
	}
	readers, err := queue.NewKafkaReaders(queue.KafkaConfig{
		Brokers: a.cfg.Kafka.Brokers,
		GroupID: a.cfg.Kafka.GroupID,
		Topic:   a.cfg.Topics.RawPage,
		Readers: a.cfg.Kafka.ConsumerConcurrency,
	})
	if err != nil {
		return fmt.Errorf("kafka readers init failed: %w", err)
	}
	a.consumer = queue.NewConsumer(readers, queue.NewKafkaWriter(a.cfg.Kafka.Brokers), handler, queue.Config{
		MaxRetries:   a.cfg.Kafka.ConsumerMaxRetries,
		RetryBackoff: a.cfg.Kafka.ConsumerRetryBackoff,
		DLTTopic:     config.DLTTopic(a.cfg.Topics.RawPage),
	}, a.logger.Named("consumer"))
	a.logger.Info("result consumer configured",
		zap.String("topic", a.cfg.Topics.RawPage),
		zap.String("group", a.cfg.Kafka.GroupID),
		zap.Int("readers", len(readers)),
	)
	return nil
}

// Run serves HTTP and runs every loop until ctx is cancelled or one of them
// fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	if a.dispatch != nil {
		g.Go(func() error { return loopErr(a.dispatch.Run(gctx)) })
	}
	g.Go(func() error { return loopErr(a.relay.Run(gctx)) })
	g.Go(func() error { return loopErr(a.watchdog.Run(gctx)) })
	if a.consumer != nil {
		g.Go(func() error { return loopErr(a.consumer.Run(gctx)) })
	}

	err := g.Wait()
	a.logger.Info("shutdown initiated")
	a.releaseLeadership(context.WithoutCancel(ctx))
	return err
}

func (a *App) releaseLeadership(ctx context.Context) {
	if a.elector == nil || !a.elector.IsLeader() {
		return
	}
	releaseCtx, cancel := context.WithTimeout(ctx, leaderReleaseTimeout)
	defer cancel()
	if err := a.elector.Release(releaseCtx); err != nil {
		a.logger.Warn("leadership release failed", zap.Error(err))
		return
	}
	a.logger.Info("leadership released")
	time.Sleep(leaderReleaseGrace)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.consumer != nil {
		if err := a.consumer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

func loopErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func policyDefaults(cfg *config.Config) policy.Defaults {
	return policy.Defaults{
		MaxConcurrency:         cfg.Policy.MaxConcurrency,
		TargetQPS:              cfg.Policy.TargetQPS,
		BucketSize:             cfg.Policy.BucketSize,
		MaxAttempts:            cfg.Policy.MaxAttempts,
		BackoffSec:             cfg.Policy.BackoffSec,
		MinDaysBetweenRuns:     cfg.Policy.MinDaysBetweenRuns,
		MaxConsecutiveFailures: cfg.Dispatcher.MaxConsecutiveFailures,
	}
}

func topicSpecs(t config.TopicsConfig) []kafkapublisher.TopicSpec {
	return []kafkapublisher.TopicSpec{
		{Name: t.Dispatched, Retention: dispatchedRetention},
		{Name: t.RawPage, Retention: rawPageRetention},
		{Name: t.Ack, Retention: dispatchedRetention},
		{Name: config.DLTTopic(t.RawPage), Retention: dltRetention},
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "frontier"
	}
	id, err := uuid.NewRandomGenerator().NewID()
	if err != nil {
		return host
	}
	return host + "-" + id[:8]
}
