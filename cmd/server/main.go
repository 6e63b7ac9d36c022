package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"

	"consentry/internal/admin"
	"consentry/internal/audit"
	"consentry/internal/bus"
	kafkabridge "consentry/internal/bus/kafka"
	busmetrics "consentry/internal/bus/metrics"
	"consentry/internal/bus/webhook"
	"consentry/internal/consent/cache"
	"consentry/internal/consent/export"
	"consentry/internal/consent/gates"
	"consentry/internal/consent/handler"
	"consentry/internal/consent/lifecycle"
	consentmetrics "consentry/internal/consent/metrics"
	"consentry/internal/consent/region"
	"consentry/internal/consent/service"
	consentstore "consentry/internal/consent/store"
	"consentry/internal/consent/tracer"
	"consentry/internal/platform/config"
	"consentry/internal/platform/database"
	"consentry/internal/platform/health"
	"consentry/internal/platform/httpserver"
	"consentry/internal/platform/kafka/producer"
	"consentry/internal/platform/logger"
	platformredis "consentry/internal/platform/redis"
	"consentry/internal/seeder"
	httptransport "consentry/internal/transport/http"
	id "consentry/pkg/domain"
)

// staticGeolocator pins every unresolved subject to one configured region.
// Deployments with a real geolocation service wire their own Geolocator; with
// neither, unknown subjects fall back to the strictest ruleset.
type staticGeolocator struct {
	region id.Region
}

func (g staticGeolocator) RegionFor(context.Context, string) (id.Region, error) {
	return g.region, nil
}

// main wires high-level dependencies, exposes the HTTP router, and keeps the
// server lifecycle small. Business logic lives in internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	log.Info("initializing consentry",
		"addr", cfg.Server.Addr,
		"regulated_mode", cfg.Server.RegulatedMode,
		"policy_version", cfg.Policy.PolicyVersion,
	)

	reg, err := seeder.Registry()
	if err != nil {
		log.Error("category catalog invalid", "error", err)
		os.Exit(1)
	}
	resolver, err := region.NewResolver(reg, seeder.Rulesets())
	if err != nil {
		log.Error("regional rulesets invalid", "error", err)
		os.Exit(1)
	}

	healthHandler := health.New()

	var (
		records consentstore.Store
		trail   audit.Store
		jobs    lifecycle.Store
		subs    webhook.Store
		letters webhook.DeadLetterStore
		tx      service.Tx
	)
	if cfg.Database.URL != "" {
		pool, err := database.New(cfg.Database)
		if err != nil {
			log.Error("postgres connection failed", "error", err)
			os.Exit(1)
		}
		defer pool.Close() //nolint:errcheck // process exit path

		db := pool.DB()
		records = consentstore.NewPostgres(db)
		trail = audit.NewPostgres(db)
		jobs = lifecycle.NewPostgres(db)
		subs = webhook.NewPostgresStore(db)
		letters = webhook.NewPostgresDeadLetterStore(db)
		tx = newConsentPostgresTx(db)
		healthHandler.RegisterCheck("postgres", func() error {
			return pool.Health(context.Background())
		})
		log.Info("using postgres stores")
	} else {
		memRecords := consentstore.NewMemory()
		memTrail := audit.NewMemory()
		records, trail = memRecords, memTrail
		jobs = lifecycle.NewMemory()
		subs = webhook.NewMemoryStore()
		letters = webhook.NewMemoryDeadLetterStore()
		tx = service.NewShardedTx(memRecords, memTrail)
		log.Info("DATABASE_URL not set, using in-memory stores")
	}

	var viewCache cache.Cache = cache.NewMemory(cfg.Policy.CacheTTL)
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck // process exit path
		viewCache = cache.NewRedis(redisClient, cfg.Policy.CacheTTL)
		healthHandler.RegisterCheck("redis", func() error {
			return redisClient.Health(context.Background())
		})
	}

	busMetrics := busmetrics.New()
	events := bus.New(bus.WithLogger(log), bus.WithMetrics(busMetrics))

	dispatcher := webhook.NewDispatcher(subs, letters, []byte(cfg.Webhook.SubjectHashKey),
		webhook.WithDeliveryDefaults(webhook.DeliveryDefaults{
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
			Timeout:        cfg.Webhook.Timeout,
			QueueSize:      cfg.Webhook.QueueSize,
		}),
		webhook.WithDispatcherLogger(log),
		webhook.WithDispatcherMetrics(busMetrics),
	)

	manager := lifecycle.NewManager(jobs, reg, resolver, trail,
		&loggingDeletionExecutor{logger: log},
		&loggingReminderSender{logger: log},
		lifecycle.WithLogger(log),
		lifecycle.WithDefaultRetention(cfg.Lifecycle.DefaultRetention),
		lifecycle.WithSweepBatch(cfg.Lifecycle.SweepBatchSize),
	)

	svcOpts := []service.Option{
		service.WithCache(viewCache),
		service.WithPublisher(events),
		service.WithJobCanceler(manager),
		service.WithMetrics(consentmetrics.New()),
		service.WithTracer(tracer.NewOTel()),
		service.WithLogger(log),
		service.WithPolicyVersion(cfg.Policy.PolicyVersion),
		service.WithRegrantCooldown(cfg.Policy.ReGrantCooldown),
	}
	if cfg.Policy.DefaultRegion != "" {
		svcOpts = append(svcOpts, service.WithGeolocator(staticGeolocator{region: id.Region(cfg.Policy.DefaultRegion)}))
	}
	if !cfg.Server.RegulatedMode {
		svcOpts = append(svcOpts, service.WithDebugRegionOverride())
	}
	svc := service.NewService(tx, records, trail, reg, resolver, svcOpts...)

	gate := gates.New(reg, svc, gates.WithLogger(log))

	events.Subscribe("webhook-dispatcher", dispatcher.HandleChange)
	events.Subscribe("lifecycle", manager.HandleChange)
	events.Subscribe(gates.SubscriberName, gate.HandleChange)

	if cfg.Kafka.Brokers != "" {
		prod, err := producer.New(cfg.Kafka, log)
		if err != nil {
			log.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer prod.Close() //nolint:errcheck // process exit path

		bridge := kafkabridge.NewBridge(prod, cfg.Kafka.Topic, kafkabridge.WithLogger(log))
		events.Subscribe(kafkabridge.SubscriberName, bridge.HandleChange)
		healthHandler.RegisterCheck("kafka", func() error {
			if !prod.Healthy(context.Background()) {
				return errors.New("kafka producer unhealthy")
			}
			return nil
		})
		log.Info("kafka analytics bridge enabled", "topic", cfg.Kafka.Topic)
	}

	exporter := export.NewService(svc, export.WithLogger(log))

	consentHandler := handler.New(svc, exporter, log)
	adminHandler := admin.New(subs, letters, dispatcher, svc, log)

	router := httptransport.NewRouter(cfg.Server, consentHandler, adminHandler, healthHandler, log)
	srv := httpserver.New(cfg.Server.Addr, router)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	sweeper := lifecycle.NewSweeper(manager,
		lifecycle.WithSweepInterval(cfg.Lifecycle.SweepInterval),
		lifecycle.WithSweeperLogger(log),
	)
	go func() {
		if err := sweeper.Start(sweepCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("lifecycle sweeper stopped", "error", err)
		}
	}()

	log.Info("starting http server", "addr", cfg.Server.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown on SIGINT
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	log.Info("shutting down server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}

	stopSweeper()
	if err := dispatcher.Stop(ctx); err != nil {
		log.Error("webhook dispatcher drain failed", "error", err)
	}
	exporter.Wait()

	log.Info("server stopped")
}
