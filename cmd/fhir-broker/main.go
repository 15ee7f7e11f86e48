// Command fhir-broker runs the FHIR federated query broker: it fans a
// search out across configured shard record servers, resolves chained
// predicates and includes distributedly, and merges the results into
// one paginated response.
//
// Config loading, process signal handling, and net/http route
// registration are the only things this package is allowed to know
// about; everything else lives under internal/fhirbroker and is wired
// here, the same boundary cmd/tempo-federated-querier/main.go draws
// around FederatedQuerier, combiner and handler.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/config"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/engine"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/metrics"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/upstream"
)

const appName = "fhir-broker"

func main() {
	cfg, configVerify, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "app", appName)
	logger = level.NewFilter(logger, level.AllowInfo())

	configValid := true
	if warnings := cfg.CheckConfig(); len(warnings) != 0 {
		level.Warn(logger).Log("msg", "-- CONFIGURATION WARNINGS --")
		for _, w := range warnings {
			output := []interface{}{"msg", w.Message}
			if w.Explain != "" {
				output = append(output, "explain", w.Explain)
			}
			level.Warn(logger).Log(output...)
		}
		configValid = false
	}

	if err := cfg.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}
	if configVerify {
		if !configValid {
			os.Exit(1)
		}
		level.Info(logger).Log("msg", "configuration is valid")
		os.Exit(0)
	}

	level.Info(logger).Log("msg", "starting FHIR federated query broker", "shards", len(cfg.EnabledShards()))
	for _, s := range cfg.EnabledShards() {
		level.Info(logger).Log("msg", "configured shard", "id", s.ID, "base_url", s.BaseURL, "priority", s.Priority)
	}

	reg := prometheus.DefaultRegisterer
	m := metrics.New(reg)

	clientFactory := func(shard config.ShardEndpoint) upstream.Client {
		return upstream.NewHTTPClient(shard, &http.Transport{TLSClientConfig: &tls.Config{}}, logger)
	}
	e := engine.New(*cfg, m, logger, clientFactory)

	h := NewHandler(e, cfg.MaxResultsPerServer, logger)
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	h.RegisterRoutes(router)

	addr := ":8080"
	server := &http.Server{Addr: addr, Handler: router}

	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		level.Info(logger).Log("msg", "shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			level.Error(logger).Log("msg", "error during shutdown", "err", err)
		}
		close(done)
	}()

	level.Info(logger).Log("msg", "server listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		level.Error(logger).Log("msg", "server error", "err", err)
		os.Exit(1)
	}

	<-done
	level.Info(logger).Log("msg", "server stopped")
}
