package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tahmidr/request-dispatcher/internal/cache"
	"github.com/tahmidr/request-dispatcher/internal/config"
	"github.com/tahmidr/request-dispatcher/internal/handler"
	"github.com/tahmidr/request-dispatcher/internal/manager"
	"github.com/tahmidr/request-dispatcher/internal/middleware"
	"github.com/tahmidr/request-dispatcher/internal/observability"
	"github.com/tahmidr/request-dispatcher/internal/queue"
	"github.com/tahmidr/request-dispatcher/internal/resolver"
	"github.com/tahmidr/request-dispatcher/internal/transport"
	"github.com/tahmidr/request-dispatcher/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	if env := os.Getenv("DISPATCHER_CONFIG"); env != "" {
		*configPath = env
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.WithFields(map[string]interface{}{
		"backends":       len(cfg.Backends),
		"queue_capacity": cfg.Dispatch.QueueCapacity,
		"workers":        cfg.Dispatch.Workers,
		"config":         *configPath,
	}).Info("Starting request dispatcher")

	httpClient, err := transport.NewHTTPClient(cfg.Dispatch.TransportTimeout.Std())
	if err != nil {
		log.WithError(err).Fatal("Failed to create transport client")
	}

	var responseCache *cache.ResponseCache
	if cfg.Dispatch.CacheEnabled {
		responseCache = cache.New(nil)
		log.Info("Response cache enabled")
	}

	metrics := observability.New()

	mgr := manager.New(manager.Config{
		Queue: queue.Config{
			Capacity:    cfg.Dispatch.QueueCapacity,
			Workers:     cfg.Dispatch.Workers,
			FairnessCap: cfg.Dispatch.FairnessCap,
		},
		Resolver: resolver.Config{
			DefaultMaxRetries: cfg.Dispatch.MaxRetries,
			RetryInitial:      cfg.Dispatch.RetryInitial.Std(),
			RetryMax:          cfg.Dispatch.RetryMax.Std(),
		},
		DeadLetterCapacity: cfg.Dispatch.DeadLetterCapacity,
		DrainTimeout:       cfg.Dispatch.DrainTimeout.Std(),
	}, httpClient, responseCache, metrics, log)

	for _, b := range cfg.Backends {
		if err := mgr.RegisterBackend(b.Domain()); err != nil {
			log.WithError(err).Fatalf("Failed to register backend %s", b.Name)
		}
	}
	log.Infof("Registered %d backends", len(cfg.Backends))

	mgr.Start()

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminHandler := handler.NewAdminHandler(mgr, metrics, log)
		adminServer = &http.Server{
			Addr: fmt.Sprintf(":%d", cfg.Admin.Port),
			Handler: middleware.Chain(adminHandler.Router(),
				middleware.Recovery(log),
				middleware.Logging(log),
				middleware.SecurityHeaders(),
			),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			log.Infof("Admin API listening on :%d", cfg.Admin.Port)
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Fatal("Admin server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Error shutting down admin server")
		}
	}

	mgr.Stop()
	log.Info("Request dispatcher stopped gracefully")
}
