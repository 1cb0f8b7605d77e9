package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mevdschee/pgdogproxy/cache"
	"github.com/mevdschee/pgdogproxy/config"
	"github.com/mevdschee/pgdogproxy/metrics"
	"github.com/mevdschee/pgdogproxy/server"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", ":9090", "Metrics endpoint address")
	cacheTTL := flag.Duration("cache-ttl", 60*time.Second, "Default TTL for cached read results")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	metrics.Init()
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	queryCache, err := cache.New(cache.DefaultCacheConfig())
	if err != nil {
		log.Fatalf("Failed to create cache: %v", err)
	}

	srv := server.New(cfg)
	srv.SetCache(queryCache, *cacheTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.StartHealthChecks(ctx)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start proxy: %v", err)
	}

	log.Println("pgdogproxy started. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
}
