// Command probe serves deformation time-series extraction and curve fitting
// over HTTP.
//
// One probe fronts one data source, chosen with -adapter and configured
// through ADAPTER_* variables. Every fit is stored as a snapshot keyed by
// source and selection geometry.
//
// Routes:
//   - POST /v1/extract          - dated samples for a point or polygon
//   - POST /v1/fit              - extract, fit a model, store a snapshot
//   - GET  /v1/snapshots?key=   - latest snapshot
//   - GET  /healthz             - health check, pings the snapshot store
//   - GET  /metrics             - Prometheus metrics
//
// Usage:
//
//	ADAPTER_PATH=/data/stack probe -adapter=raster -default-model=exp -seasonal
//
// Environment variables:
//
//	ADAPTER            - raster, geojson, geopackage or http (required)
//	ADAPTER_*          - adapter settings, e.g. ADAPTER_PATH, ADAPTER_LAYER
//	LISTEN             - listen address (default :8082)
//	STORAGE            - memory, redis or badger (default memory)
//	SNAPSHOT_TTL       - snapshot lifetime (default 24h)
//	MEMORY_CEILING_MB  - raster full-read cache ceiling (default 512)
//	DEFAULT_MODEL      - poly-1, poly-2, poly-3 or exp (default poly-1)
//	SEASONAL           - add the annual term by default
//	TLS_ENABLED        - serve HTTPS with TLS_CERT_FILE and TLS_KEY_FILE
//	LOG_LEVEL          - debug, info, warn, error (default info)
//	LOG_FORMAT         - text or json (default text)
package main

import (
	stdtls "crypto/tls"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/HatiCode/deforma/cmd/probe/config"
	"github.com/HatiCode/deforma/cmd/probe/logger"
	"github.com/HatiCode/deforma/cmd/probe/metrics"
	"github.com/HatiCode/deforma/cmd/probe/router"
	"github.com/HatiCode/deforma/cmd/probe/store"
	"github.com/HatiCode/deforma/pkg/adapters"
	"github.com/HatiCode/deforma/pkg/httpx"
	"github.com/HatiCode/deforma/pkg/models"
	"github.com/HatiCode/deforma/pkg/tls"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	logger := logger.New(cfg)
	slog.SetDefault(logger)

	logger.Info("starting deforma probe",
		"version", version,
		"adapter", cfg.Adapter,
		"source", cfg.Source(),
		"storage", cfg.Storage,
	)

	adapter, err := adapters.New(cfg.Adapter, cfg.AdapterConfig)
	if err != nil {
		logger.Error("failed to create adapter", "error", err)
		os.Exit(1)
	}
	if r, ok := adapter.(*adapters.RasterAdapter); ok {
		r.Logger = logger
	}
	defer func() {
		if err := adapter.Close(); err != nil {
			logger.Error("failed to close adapter", "error", err)
		}
	}()

	snapshots, err := store.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create store", "error", err)
		os.Exit(1)
	}
	defer closeStore(snapshots, logger)

	fitter := models.DefaultFitter
	fitter.MaxEvaluations = cfg.MaxEvaluations

	p := New(adapter, snapshots, Options{
		Source:       cfg.Source(),
		DefaultModel: models.Kind(cfg.DefaultModel),
		Seasonal:     cfg.Seasonal,
		SearchRadius: cfg.SearchRadius,
		Fitter:       fitter,
	}, logger, metrics.New(prometheus.DefaultRegisterer))

	handler := router.SetupRoutes(p, snapshots, cfg.StaleAfter, logger)
	httpServer := httpx.NewServer(cfg.Listen, handler, logger)

	var tlsConfig *stdtls.Config
	if cfg.TLS.Enabled {
		tlsConfig, err = tls.NewServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			logger.Error("failed to load TLS configuration", "error", err)
			os.Exit(1)
		}
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- httpServer.Serve(tlsConfig) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", "error", err)
			exitCode = 1
		}
	}

	logger.Info("shutting down")
	if err := httpServer.Stop(10 * time.Second); err != nil {
		logger.Error("server shutdown failed", "error", err)
		exitCode = 1
	}

	logger.Info("shutdown complete")
	if exitCode != 0 {
		closeStore(snapshots, logger)
		os.Exit(exitCode)
	}
}

// closeStore releases redis connections, badger files or the memory
// store's cleanup goroutine.
func closeStore(s any, logger *slog.Logger) {
	switch c := s.(type) {
	case io.Closer:
		if err := c.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	case interface{ Stop() }:
		c.Stop()
	}
}
