// Command loadbalancer runs the L4/L7 load balancer core: it loads a
// YAML configuration file, starts the frontend listeners, the active
// health checker, and the metrics endpoint, and reloads configuration
// on SIGHUP without disturbing connections already in flight.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/flowmesh/loadbalancer/internal/checker"
	"github.com/flowmesh/loadbalancer/internal/config"
	"github.com/flowmesh/loadbalancer/internal/health"
	"github.com/flowmesh/loadbalancer/internal/logging"
	"github.com/flowmesh/loadbalancer/internal/metrics"
	"github.com/flowmesh/loadbalancer/internal/proxyengine"
	"github.com/flowmesh/loadbalancer/internal/router"
	"github.com/flowmesh/loadbalancer/internal/selection"
	"github.com/flowmesh/loadbalancer/internal/server"
	"github.com/flowmesh/loadbalancer/internal/tracing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	serviceName := flag.String("service-name", "loadbalancer", "service name reported to tracing")
	jaegerEndpoint := flag.String("jaeger-endpoint", "", "Jaeger collector endpoint (disables tracing if empty and otlp-endpoint is also empty)")
	otlpEndpoint := flag.String("otlp-endpoint", "", "OTLP HTTP trace endpoint")
	samplingRatio := flag.Float64("trace-sampling-ratio", 0.1, "trace sampling ratio in [0,1]")
	flag.Parse()

	snap, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loadbalancer: failed to load config: %v", err)
	}

	logger := logging.New(*serviceName, snap.Global.LogLevel)
	ctx := context.Background()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName:    *serviceName,
		ServiceVersion: "dev",
		Environment:    "production",
		JaegerEndpoint: *jaegerEndpoint,
		OTLPEndpoint:   *otlpEndpoint,
		SamplingRatio:  *samplingRatio,
		Enabled:        *jaegerEndpoint != "" || *otlpEndpoint != "",
	})
	if err != nil {
		log.Fatalf("loadbalancer: failed to initialise tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	m := metrics.New()

	store := config.NewStore(snap)

	healthMap := health.NewMap(func(t health.Transition) {
		m.SetBackendHealth(t.Backend, t.Addr, t.Healthy)
		attrs := []slog.Attr{slog.String("backend", t.Backend), slog.String("addr", t.Addr)}
		if t.Healthy {
			logger.Info(ctx, "backend healthy", attrs...)
		} else {
			logger.Warn(ctx, "backend unhealthy", attrs...)
		}
	})

	engine := selection.NewEngine()
	rt := router.New(engine, healthMap, store)
	l4 := proxyengine.NewL4(rt, m, logger)
	l7 := proxyengine.NewL7(rt, m, logger)
	srv := server.New(store, l4, l7, m, logger)
	hc := checker.New(store, healthMap, m, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		hc.Run(runCtx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(runCtx)
	})
	if snap.Global.MetricsAddr != "" {
		metricsServer := &http.Server{Addr: snap.Global.MetricsAddr, Handler: m.Handler()}
		g.Go(func() error {
			err := metricsServer.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-runCtx.Done()
			return metricsServer.Close()
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigCh
		if sig == syscall.SIGHUP {
			reloaded, err := config.Load(*configPath)
			if err != nil {
				logger.Error(ctx, "reload failed, keeping previous configuration", err)
				continue
			}
			store.Publish(reloaded)
			logger.Info(ctx, "configuration reloaded")
			continue
		}
		logger.Info(ctx, "shutdown signal received, draining")
		cancel()
		break
	}

	if err := g.Wait(); err != nil {
		logger.Error(ctx, "component exited with error", err)
	}
}
