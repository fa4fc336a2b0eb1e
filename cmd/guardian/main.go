// Package main is the entry point for the Guardian resource scheduler.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/serverless-containers/guardian/internal/config"
	"github.com/serverless-containers/guardian/internal/lock"
	"github.com/serverless-containers/guardian/internal/metrics"
	"github.com/serverless-containers/guardian/internal/metricsclient"
	"github.com/serverless-containers/guardian/internal/scheduler"
	"github.com/serverless-containers/guardian/internal/store"
	"github.com/serverless-containers/guardian/pkg/logger"
)

const (
	defaultConfigPath = ""
	serviceName       = "guardian"
	serviceVersion    = "1.0.0"
)

func main() {
	var showVersion = flag.Bool("version", false, "Show version information")
	var showHelp = flag.Bool("help", false, "Show help information")
	var configPath = flag.String("config", defaultConfigPath, "Path to a YAML/JSON config file (optional; env vars always override)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s version %s\n", serviceName, serviceVersion)
		os.Exit(0)
	}

	if *showHelp {
		fmt.Printf("Guardian - serverless container resource scheduler\n\n")
		fmt.Printf("Usage: %s [options]\n\n", os.Args[0])
		fmt.Printf("Options:\n")
		fmt.Printf("  -version    Show version information\n")
		fmt.Printf("  -help       Show this help message\n")
		fmt.Printf("  -config     Path to a config file\n\n")
		fmt.Printf("Environment variables are prefixed GUARDIAN_, e.g. GUARDIAN_STORE_URL.\n")
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output,
		Filename: cfg.Log.Filename, MaxSize: cfg.Log.MaxSize, MaxAge: cfg.Log.MaxAge, Compress: cfg.Log.Compress,
	})

	log.Info("starting guardian", "service", serviceName, "version", serviceVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	docStore, err := store.NewCouchStore(ctx, store.Config{
		URL: cfg.Store.URL, Username: cfg.Store.Username, Password: cfg.Store.Password,
	}, log)
	if err != nil {
		log.Error("failed to connect to document store", "error", err)
		os.Exit(1)
	}

	metricsClient := metricsclient.New(metricsclient.Config{
		BaseURL: cfg.Metrics.URL, Timeout: cfg.Metrics.Timeout,
	})

	telemetry := metrics.New()

	sched := &scheduler.Scheduler{
		Store:         docStore,
		Metrics:       metricsClient,
		Telemetry:     telemetry,
		Logger:        log,
		Defaults:      cfg.ServiceDefaults(),
		WorkerPoolMax: cfg.Scheduler.WorkerPoolMax,
	}

	if cfg.Lock.Enabled {
		redisClient := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.Lock.RedisURL)})
		sched.Election = lock.New(redisClient, "guardian:scheduler:lock", &lock.Config{TTL: cfg.Lock.TTL}, log)
		log.Info("HA election lock enabled", "redis", cfg.Lock.RedisURL)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: ":8080", Handler: mux}

	go func() {
		log.Info("health/metrics server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("health server failed", "error", err)
		}
	}()

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- sched.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("health server forced shutdown", "error", err)
	}

	if err := <-schedulerDone; err != nil && err != context.Canceled {
		log.Error("scheduler exited with error", "error", err)
	}
	log.Info("guardian exited")
}

func redisAddr(url string) string {
	const schemePrefix = "redis://"
	addr := url
	if len(addr) >= len(schemePrefix) && addr[:len(schemePrefix)] == schemePrefix {
		addr = addr[len(schemePrefix):]
	}
	for i, c := range addr {
		if c == '/' {
			addr = addr[:i]
			break
		}
	}
	return addr
}
