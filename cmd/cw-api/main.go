package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/conwatch/conwatch/internal/cache"
	"github.com/conwatch/conwatch/internal/config"
	"github.com/conwatch/conwatch/internal/events"
	"github.com/conwatch/conwatch/internal/query"
	"github.com/conwatch/conwatch/internal/runtime/docker"
	"github.com/conwatch/conwatch/internal/servicemap"
	"github.com/conwatch/conwatch/internal/sink"
	"github.com/conwatch/conwatch/internal/storage"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.Info("starting cw-api...")

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Open the store and the cache
	ctx := context.Background()
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer store.Close()

	c, err := cache.New(cfg.Cache)
	if err != nil {
		log.Fatalf("failed to create cache: %v", err)
	}
	log.Infof("cache backend: %s", cfg.Cache.Type)

	// 3. Live view: the agent publishes reconstructed exchanges over
	// NATS; mirroring them into a local sink keeps the live endpoint
	// working across processes. Without an event bus the endpoint
	// serves nothing, which is its documented degradation.
	live := sink.New(cfg.Capture.SinkCapacity)
	bus, err := events.Connect(cfg.Events)
	if err != nil {
		log.Fatalf("failed to connect event bus: %v", err)
	}
	if _, err := bus.SubscribeExchanges(live.Push); err != nil {
		log.Fatalf("failed to subscribe to exchanges: %v", err)
	}
	defer bus.Close()

	// 4. Service map: built from live runtime facts, so the API needs its
	// own runtime client. Without one the endpoint reports unavailable
	// while everything else keeps working.
	var maps query.MapBuilder
	if rt, err := docker.New(cfg.Runtime); err != nil {
		log.Warnf("service map disabled, no runtime access: %v", err)
	} else {
		defer rt.Close()
		maps = servicemap.NewBuilder(rt, log, cfg.Collector.RequestTimeout.Std())
	}

	// 5. Query service
	validator := query.NewValidator(cfg.Query.MaxRange.Std(), cfg.Query.DefaultRange.Std(), cfg.Query.MaxLimit, nil)
	service := query.New(store, c, live, maps, validator, cfg.Cache.TTL, log)

	// 6. Routes
	h := &APIHandler{service: service, log: log}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.health).Methods("GET")
	r.HandleFunc("/api/v1/containers", h.listContainers).Methods("GET")
	r.HandleFunc("/api/v1/containers/{id}/stats", h.latestStats).Methods("GET")
	r.HandleFunc("/api/v1/containers/{id}/stats/history", h.statsHistory).Methods("GET")
	r.HandleFunc("/api/v1/containers/{id}/requests", h.liveRequests).Methods("GET")
	r.HandleFunc("/api/v1/containers/{id}/requests/history", h.requestHistory).Methods("GET")
	r.HandleFunc("/api/v1/stats", h.allStats).Methods("GET")
	r.HandleFunc("/api/v1/stats/total", h.totalStats).Methods("GET")
	r.HandleFunc("/api/v1/images", h.listImages).Methods("GET")
	r.HandleFunc("/api/v1/images/{id}/history", h.imageHistory).Methods("GET")
	r.HandleFunc("/api/v1/service-map", h.serviceMap).Methods("GET")
	r.HandleFunc("/api/v1/service-map/{id}", h.serviceMap).Methods("GET")

	server := &http.Server{
		Addr:    cfg.API.ListenAddr,
		Handler: r,
	}

	go func() {
		log.Infof("API server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("could not listen on %s: %v", server.Addr, err)
		}
	}()

	// 7. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("API server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}
	log.Info("API server exited")
}
