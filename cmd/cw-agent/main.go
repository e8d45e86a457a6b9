package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/conwatch/conwatch/internal/batch"
	"github.com/conwatch/conwatch/internal/capture"
	"github.com/conwatch/conwatch/internal/collector"
	"github.com/conwatch/conwatch/internal/config"
	"github.com/conwatch/conwatch/internal/events"
	"github.com/conwatch/conwatch/internal/ingest"
	"github.com/conwatch/conwatch/internal/model"
	"github.com/conwatch/conwatch/internal/resolve"
	"github.com/conwatch/conwatch/internal/runtime/docker"
	"github.com/conwatch/conwatch/internal/sink"
	"github.com/conwatch/conwatch/internal/storage"
)

const ingestQueueDepth = 16

// exchangeFan tees reconstructed exchanges into the live sink and the
// persistence buffer.
type exchangeFan struct {
	live *sink.Sink
	buf  *batch.Buffer[model.HttpExchange]
}

func (f *exchangeFan) Push(ex model.HttpExchange) {
	f.live.Push(ex)
	f.buf.Add(ex)
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log.Info("starting cw-agent...")

	// 1. Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Connect the collaborators: runtime, store, event bus
	rt, err := docker.New(cfg.Runtime)
	if err != nil {
		log.Fatalf("failed to create docker client: %v", err)
	}

	ctx := context.Background()
	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	publisher, err := events.Connect(cfg.Events)
	if err != nil {
		log.Fatalf("failed to connect event bus: %v", err)
	}
	if publisher != nil {
		log.Infof("publishing live events to %s", cfg.Events.NATSURL)
	}

	// 3. Ingestion writers, one per record kind
	sampleWriter := ingest.NewWriter("samples", store.InsertSamples, log,
		cfg.Ingest.MaxAttempts, cfg.Ingest.BackoffBase.Std(), cfg.Collector.RequestTimeout.Std(), ingestQueueDepth, publisher)
	exchangeWriter := ingest.NewWriter("exchanges", store.InsertExchanges, log,
		cfg.Ingest.MaxAttempts, cfg.Ingest.BackoffBase.Std(), cfg.Collector.RequestTimeout.Std(), ingestQueueDepth, publisher)
	containerWriter := ingest.NewWriter("containers", store.UpsertContainers, log,
		cfg.Ingest.MaxAttempts, cfg.Ingest.BackoffBase.Std(), cfg.Collector.RequestTimeout.Std(), ingestQueueDepth, publisher)
	imageWriter := ingest.NewWriter("images", store.UpsertImages, log,
		cfg.Ingest.MaxAttempts, cfg.Ingest.BackoffBase.Std(), cfg.Collector.RequestTimeout.Std(), ingestQueueDepth, publisher)
	sampleWriter.Start()
	exchangeWriter.Start()
	containerWriter.Start()
	imageWriter.Start()

	// 4. Batch buffers feeding the writers
	sampleBuf := batch.NewBuffer(cfg.Batch.Size, cfg.Batch.Timeout.Std(), sampleWriter.Enqueue)
	exchangeBuf := batch.NewBuffer(cfg.Batch.Size, cfg.Batch.Timeout.Std(), exchangeWriter.Enqueue)
	containerBuf := batch.NewBuffer(cfg.Batch.Size, cfg.Batch.Timeout.Std(), containerWriter.Enqueue)
	imageBuf := batch.NewBuffer(cfg.Batch.Size, cfg.Batch.Timeout.Std(), imageWriter.Enqueue)
	sampleBuf.Start()
	exchangeBuf.Start()
	containerBuf.Start()
	imageBuf.Start()

	// 5. Address resolution for exchange attribution
	resolver := resolve.New(rt, log, cfg.Collector.StatusInterval.Std(), cfg.Collector.RequestTimeout.Std())
	resolver.Start()

	// 6. HTTP reconstruction: live capture when possible, log tailing
	// otherwise. The strategy is probed once at startup.
	live := sink.New(cfg.Capture.SinkCapacity)
	fan := &exchangeFan{live: live, buf: exchangeBuf}

	var (
		monitor *capture.Monitor
		tailer  *capture.LogTailer
	)
	if cfg.Capture.Enabled {
		if err := capture.Probe(cfg.Capture.InterfacePatterns, cfg.Capture.SnapshotLen, cfg.Capture.Ports); err == nil {
			monitor = capture.NewMonitor(cfg.Capture, log, resolver, fan, publisher)
			if err := monitor.Start(); err != nil {
				if !errors.Is(err, capture.ErrCaptureUnavailable) {
					log.Fatalf("failed to start capture: %v", err)
				}
				monitor = nil
			}
		} else {
			log.WithError(err).Warn("falling back to log tailing")
		}
		if monitor == nil {
			tailer = capture.NewLogTailer(rt, fan, log,
				cfg.Collector.StatsInterval.Std(), cfg.Collector.RequestTimeout.Std(), 100)
			tailer.Start()
		}
	}

	// 7. Periodic collection
	coll := collector.New(rt, log, cfg.Collector, collector.Buffers{
		Samples:    sampleBuf,
		Containers: containerBuf,
		Images:     imageBuf,
	}, nil)
	coll.Start()

	// 8. Wait for a shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("shutdown signal received, stopping agent...")

	// Producers first, then buffers, then writers, so every buffered
	// record gets its chance to land.
	if monitor != nil {
		monitor.Stop()
	}
	if tailer != nil {
		tailer.Stop()
	}
	coll.Stop()
	resolver.Stop()

	sampleBuf.Stop()
	exchangeBuf.Stop()
	containerBuf.Stop()
	imageBuf.Stop()

	sampleWriter.Stop()
	exchangeWriter.Stop()
	containerWriter.Stop()
	imageWriter.Stop()

	publisher.Close()
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("failed to close store")
	}
	if err := rt.Close(); err != nil {
		log.WithError(err).Warn("failed to close docker client")
	}
	log.Info("shutdown complete")
}
