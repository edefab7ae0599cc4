package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quaywise/shuttlecore/control_plane/bus"
	"github.com/quaywise/shuttlecore/control_plane/catalog"
	"github.com/quaywise/shuttlecore/control_plane/config"
	"github.com/quaywise/shuttlecore/control_plane/conflict"
	"github.com/quaywise/shuttlecore/control_plane/dispatch"
	"github.com/quaywise/shuttlecore/control_plane/events"
	"github.com/quaywise/shuttlecore/control_plane/fleet"
	"github.com/quaywise/shuttlecore/control_plane/lifter"
	"github.com/quaywise/shuttlecore/control_plane/middleware"
	"github.com/quaywise/shuttlecore/control_plane/mission"
	"github.com/quaywise/shuttlecore/control_plane/pathfind"
	"github.com/quaywise/shuttlecore/control_plane/rows"
	"github.com/quaywise/shuttlecore/control_plane/scheduler"
	"github.com/quaywise/shuttlecore/control_plane/staging"
	"github.com/quaywise/shuttlecore/control_plane/store"
	"github.com/quaywise/shuttlecore/control_plane/traffic"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis carries all cross-step coordination state: locks, queues, shuttle
	// state, active paths. Without it nothing can run.
	redisStore, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalf("redis at %s: %v", cfg.RedisAddr, err)
	}
	log.Printf("✅ connected to Redis at %s", cfg.RedisAddr)

	cat, err := catalog.NewPostgresCatalog(ctx, cfg.CatalogDSN)
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}
	log.Printf("✅ connected to warehouse catalog")

	broker, err := bus.NewMQTTBus(bus.MQTTConfig{
		BrokerURL: cfg.BrokerURL,
		ClientID:  cfg.ClientID,
		Username:  cfg.BrokerUser,
		Password:  cfg.BrokerPass,
	})
	if err != nil {
		log.Fatalf("broker: %v", err)
	}

	topo := &cfg.Topology

	cache := fleet.NewCache(redisStore)
	occupation := fleet.NewOccupationMap(redisStore)
	registry := traffic.NewRegistry(redisStore)
	planner := pathfind.NewPlanner(cat, registry, occupation)
	lifters := lifter.NewCoordinator(redisStore, broker, topo)
	builder := mission.NewBuilder(planner, registry, redisStore, topo, lifters)
	publisher := mission.NewPublisher(broker, cache)
	stagingSvc := staging.NewService(redisStore, cat, topo)
	guard := rows.NewGuard(redisStore, cat)
	worker := scheduler.NewWorker(redisStore, cat, guard, cfg.SchedulerInterval)
	dispatcher := dispatch.NewDispatcher(redisStore, cache, cat, builder, publisher, cfg.DispatchInterval)
	resolver := conflict.NewResolver(redisStore, cache, occupation, registry, planner, builder, publisher, cat, topo)

	listener := events.NewListener(events.Deps{
		Store:      redisStore,
		Catalog:    cat,
		Occupation: occupation,
		Fleet:      cache,
		Registry:   registry,
		Topo:       topo,
		Builder:    builder,
		Publisher:  publisher,
		Lifters:    lifters,
		Staging:    stagingSvc,
		Rows:       guard,
		Dispatcher: dispatcher,
		Conflicts:  resolver,
	})

	janitor := traffic.NewJanitor(redisStore, registry, cfg.JanitorInterval)
	poller := lifter.NewPoller(lifters, redisStore, builder, publisher, topo, cfg.LifterPollInterval)
	consumer := lifter.NewConsumer(lifters, redisStore, builder, publisher)
	telemetry := fleet.NewTelemetry(cache)
	monitor := fleet.NewMonitor(cache, 5*time.Second)

	// Broker subscriptions before the loops: a mission must never be published
	// before its ack channel is listening.
	if err := telemetry.Start(ctx, broker); err != nil {
		log.Fatalf("telemetry subscribe: %v", err)
	}
	if err := listener.Start(ctx, broker); err != nil {
		log.Fatalf("event subscribe: %v", err)
	}
	if err := consumer.Start(ctx); err != nil {
		log.Fatalf("lifter events subscribe: %v", err)
	}

	janitor.Start(ctx)
	worker.Start(ctx)
	dispatcher.Start(ctx)
	poller.Start(ctx)
	monitor.Start(ctx)

	api := NewAPI(redisStore, cat, stagingSvc, cache, registry, builder, publisher, dispatcher, topo)
	go api.wsHub.Run(ctx)

	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	http.HandleFunc("/auto-mode", api.handleAutoMode)
	http.HandleFunc("/register", api.handleRegister)
	http.HandleFunc("/execute-storage", api.handleExecuteStorage)
	http.HandleFunc("/stop-executing", api.handleStopExecuting)
	http.HandleFunc("/executing-shuttles", api.handleExecutingShuttles)
	http.HandleFunc("/status/fleet", api.handleFleetStatus)
	http.HandleFunc("/status/task", api.handleTaskStatus)
	http.HandleFunc("/status/batch", api.handleBatchStatus)
	http.HandleFunc("/plc/", api.handlePLCActive)
	http.HandleFunc("/ws", api.wsHub.handleWS)
	http.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: middleware.CORS(http.DefaultServeMux),
	}
	go func() {
		log.Printf("shuttle control plane listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("⚠️ shutting down")

	// Loops stop via ctx. Stop accepting HTTP, let in-flight handlers drain,
	// then drop the broker and store connections.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ http shutdown: %v", err)
	}
	if err := broker.Close(); err != nil {
		log.Printf("⚠️ broker close: %v", err)
	}
	cat.Close()
	if err := redisStore.Close(); err != nil {
		log.Printf("⚠️ redis close: %v", err)
	}
	log.Println("✅ shutdown complete")
}
