// Command horizonqd runs one HorizonQ scheduler node: it owns the hot
// and cold stores, the execution and transfer loops, and the HTTP
// monitoring/admin surface.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/itskum47/horizonq/analytics"
	"github.com/itskum47/horizonq/auth"
	"github.com/itskum47/horizonq/bus"
	"github.com/itskum47/horizonq/coldstore"
	"github.com/itskum47/horizonq/config"
	"github.com/itskum47/horizonq/coordination"
	"github.com/itskum47/horizonq/hotstore"
	"github.com/itskum47/horizonq/httpapi"
	"github.com/itskum47/horizonq/idempotency"
	"github.com/itskum47/horizonq/ingest"
	"github.com/itskum47/horizonq/middleware"
	"github.com/itskum47/horizonq/resilience"
	"github.com/itskum47/horizonq/scheduler"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("horizonqd: load config: %v", err)
	}
	log.Printf("horizonqd: starting node %s", cfg.NodeID)

	hot, err := hotstore.New(cfg.RedisAddr, "", 0)
	if err != nil {
		log.Fatalf("horizonqd: hotstore: %v", err)
	}
	defer hot.Close()

	cold, err := coldstore.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("horizonqd: coldstore: %v", err)
	}
	defer cold.Close()

	if err := cold.EnsurePartitions(ctx, time.Now(), time.Now().Add(7*24*time.Hour)); err != nil {
		log.Printf("horizonqd: ensure_partitions: %v", err)
	}

	var publisher bus.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err = bus.NewKafkaPublisher(cfg.KafkaBrokers, cfg.NodeID)
		if err != nil {
			log.Fatalf("horizonqd: kafka publisher: %v", err)
		}
	} else {
		log.Printf("horizonqd: no HORIZONQ_KAFKA_BROKERS set, using log publisher")
		publisher = bus.NewLogPublisher()
	}
	defer publisher.Close()

	sink := analytics.New(cold.Pool(), cfg.AnalyticsBatchSize, cfg.AnalyticsFlushInterval)
	sink.Start(ctx)
	defer sink.Stop()

	breakers := resilience.NewBreakerSet(5, 30*time.Second)
	limiter := scheduler.NewTokenBucketLimiter(50, 100)

	engine := scheduler.NewEngine(hot, cold, cfg, breakers)

	hotLoop := scheduler.NewHotLoop(
		hot, publisher, sink, limiter, breakers, engine, cfg.NodeID,
		cfg.HotPollInterval, time.Duration(cfg.StaleClaimSeconds)*time.Second,
		time.Duration(cfg.RetryDelaySeconds)*time.Second, cfg.MaxRetries, cfg.MaxConcurrentExecutions,
	)

	transferLoop := scheduler.NewTransferLoop(
		cold, hot, time.Duration(cfg.TransferHorizonSeconds)*time.Second,
		cfg.ColdSyncInterval, time.Duration(cfg.ExecutionHistoryTTLDays)*24*time.Hour,
		cfg.CleanupLeaseEveryNTicks,
	)

	leaseManager := coordination.NewLeaseManager(hot.Client(), cold)
	supervisor := scheduler.NewSupervisor(leaseManager, hotLoop, transferLoop, cfg.NodeID, cfg.ColdSyncInterval*2, time.Minute)
	supervisor.Start(ctx)
	defer supervisor.Stop()

	janitor := coordination.NewJanitor(leaseManager, cold, 60*time.Second)
	janitor.Start(ctx)

	var idemBackend idempotency.Backend
	if hot.Client() != nil {
		idemBackend = idempotency.NewRedisBackend(hot.Client())
	}
	idemStore := idempotency.NewStore(idemBackend)

	var issuer *auth.Issuer
	if cfg.JWTSecret != "" {
		issuer, err = auth.NewIssuer(cfg.JWTSecret)
		if err != nil {
			log.Fatalf("horizonqd: auth: %v", err)
		}
	} else {
		log.Printf("horizonqd: HORIZONQ_JWT_SECRET not set, admin endpoints are unauthenticated")
	}

	api := httpapi.NewAPI(engine, transferLoop, supervisor, issuer, idemStore)
	hotLoop.SetObserver(api.Hub())
	go api.Hub().Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", api.HandleHealth)
	mux.HandleFunc("/stats", api.HandleStats)
	mux.HandleFunc("/schedule", api.Schedule())
	mux.HandleFunc("/cancel", api.HandleCancel)
	mux.HandleFunc("/stream", api.Hub().HandleStream)
	mux.Handle("/metrics", promhttp.Handler())

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/sync", api.HandleSync)
	adminMux.HandleFunc("/cleanup", api.HandleCleanup)
	adminMux.HandleFunc("/admin/admission-mode", api.HandleSetAdmissionMode)
	adminMux.HandleFunc("/schedule", api.Schedule())
	adminMux.HandleFunc("/cancel", api.HandleCancel)

	var adminHandler http.Handler = adminMux
	if issuer != nil {
		adminHandler = middleware.RequireAuth(issuer)(adminMux)
	}
	mux.Handle("/sync", adminHandler)
	mux.Handle("/cleanup", adminHandler)
	mux.Handle("/admin/admission-mode", adminHandler)

	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := ingest.NewConsumer(cfg.KafkaBrokers, "horizonq-ingest", "horizonq.schedule", engine)
		if err != nil {
			log.Fatalf("horizonqd: ingest consumer: %v", err)
		}
		defer consumer.Close()
		go consumer.Run(ctx)
	}

	handler := middleware.CORS(mux)
	server := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Printf("horizonqd: listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("horizonqd: listen: %v", err)
	}
}
