// skdb is a development-only demo binary for the embedded storage engine.
// It opens a database, serves Prometheus metrics and health/pprof
// endpoints, and runs until interrupted. It has no network protocol of its
// own: the engine is embedded, not served — see pkg/engine.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leiko57/SikioDB/internal/logger"
	"github.com/leiko57/SikioDB/internal/metrics"
	"github.com/leiko57/SikioDB/internal/server"
	"github.com/leiko57/SikioDB/pkg/engine"
)

var (
	name        = flag.String("name", "skdb", "Database name (leader-election key)")
	dataDir     = flag.String("data", "./skdb-data", "Data directory")
	httpPort    = flag.Int("http", 9090, "Observability HTTP port (metrics, health, pprof)")
	compression = flag.Bool("compression", false, "Enable LZ4 compression for stored values")
	useAlt      = flag.Bool("alt", false, "Use the host-backend (bbolt) fallback instead of the page store")
)

func main() {
	flag.Parse()

	logger.InitGlobalLogger(logger.Config{Level: "info", Pretty: true})
	log := logger.GetGlobalLogger()
	m := metrics.GetGlobalMetrics()

	log.Info("starting skdb").Str("name", *name).Str("data_dir", *dataDir).Send()

	eng, err := engine.Open(engine.Options{
		Name:        *name,
		DataDir:     *dataDir,
		Compression: *compression,
		UseAltStore: *useAlt,
		Metrics:     m,
		Logger:      log,
	})
	if err != nil {
		log.Fatal("failed to open database").Err(err).Send()
	}
	defer eng.Close()

	obs := server.NewObservabilityServer(*httpPort, log)
	go func() {
		if err := obs.Start(); err != nil {
			log.Error("observability server stopped").Err(err).Send()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down").Send()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := obs.Shutdown(ctx); err != nil {
		log.Error("observability shutdown error").Err(err).Send()
	}
}
