package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/carbonshift/decision-engine/pkg/decisionengine/api"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/config"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/history"
	"github.com/carbonshift/decision-engine/pkg/decisionengine/session"
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	applyLogLevel()
	defer klog.Flush()

	cfg, err := config.Load()
	if err != nil {
		klog.Fatalf("Failed to load configuration: %v", err)
	}

	var store *history.Store
	if cfg.HistoryPath != "" {
		store, err = history.Open(cfg.HistoryPath)
		if err != nil {
			klog.Fatalf("Failed to open history store: %v", err)
		}
		defer store.Close()
	}

	registry := session.NewRegistry(session.RegistryOptions{
		Defaults:     cfg.Session,
		CarbonAPIURL: cfg.CarbonAPIURL,
		History:      store,
	})
	defer registry.Close()

	// The default session exists from startup so the unqualified schedule
	// endpoints answer before the first reconciler push.
	if err := registry.UpdateConfig(cfg.DefaultNamespace, cfg.DefaultName, nil); err != nil {
		klog.Fatalf("Failed to create default session: %v", err)
	}

	apiServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.APIPort),
		Handler: api.NewServer(registry, cfg.DefaultNamespace, cfg.DefaultName).Handler(),
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		klog.InfoS("Serving API", "addr", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %v", err)
		}
		return nil
	})
	group.Go(func() error {
		klog.InfoS("Serving metrics", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server failed: %v", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		apiServer.Shutdown(shutdownCtx)
		metricsServer.Shutdown(shutdownCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		klog.Fatalf("Server exited: %v", err)
	}
	klog.InfoS("Shutdown complete")
}

// applyLogLevel maps the LOGLEVEL env var onto klog's -v flag, accepting
// either a level name or a numeric verbosity.
func applyLogLevel() {
	level := os.Getenv("LOGLEVEL")
	if level == "" {
		return
	}
	verbosity := level
	switch strings.ToUpper(level) {
	case "ERROR", "WARNING":
		verbosity = "0"
	case "INFO":
		verbosity = "2"
	case "DEBUG":
		verbosity = "4"
	}
	if err := flag.Set("v", verbosity); err != nil {
		klog.InfoS("Ignoring invalid LOGLEVEL", "value", level)
	}
}
