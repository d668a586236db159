package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scenestream-proxy/work/client"
	"scenestream-proxy/work/config"
	"scenestream-proxy/work/forwarder"
	"scenestream-proxy/work/handlers"
	"scenestream-proxy/work/limiter"
	"scenestream-proxy/work/logger"
	"scenestream-proxy/work/proxy"
	"scenestream-proxy/work/registry"
	"scenestream-proxy/work/relay"
	"scenestream-proxy/work/resolver"
	"scenestream-proxy/work/rewrite"
	"scenestream-proxy/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	settingsPath := os.Getenv("SETTINGS_PATH")
	if settingsPath == "" {
		settingsPath = "/settings/config.json"
	}
	cfg, err := config.Load(settingsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// set up logging
	logger.SetLogLevel(cfg.LogLevel)
	log := logger.New(cfg.LogLevel)

	// optional SQLite store for instances and entity routing; without it
	// resolution runs entirely from the static configuration
	var store resolver.Store
	if cfg.InstanceDBPath != "" {
		sqlStore, err := resolver.OpenSQLiteStore(cfg.InstanceDBPath)
		if err != nil {
			log.Error("{main} Failed to open instance store at %s: %v", cfg.InstanceDBPath, err)
			os.Exit(1)
		}
		defer sqlStore.Close()
		store = sqlStore
	}

	// assemble the pipeline
	pool := client.NewPool(cfg)
	lim := limiter.New(cfg.MaxConcurrentRequests)
	reg := registry.New(log)
	res := resolver.New(cfg, store, log)
	fwd := forwarder.New(cfg, pool, log)
	rl := relay.New(cfg, log, rewrite.New(cfg, log))
	sp := proxy.New(cfg, log, lim, reg, res, fwd, rl)

	// background maintenance workers: stale-session sweep, routing cache
	// invalidation, idle connection cleanup
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Error("{main} Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runMaintenance(ctx, cfg, log, workerPool, sp, pool)

	// HTTP routes
	router := handlers.Router(sp)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	log.Info("Starting SceneStream Proxy %s", Version)
	log.Info("Server configuration:")
	log.Info("  - Base URL: %s", cfg.BaseURL)
	log.Info("  - Listen Address: %s", addr)
	log.Info("  - Max. Concurrent Requests: %d", cfg.MaxConcurrentRequests)
	log.Info("  - Sockets per Host: %d", cfg.MaxSocketsPerHost)
	log.Info("  - Media Timeout: %s", cfg.MediaTimeout)
	log.Info("  - Static/Manifest Timeout: %s / %s", cfg.StaticTimeout, cfg.ManifestTimeout)
	log.Info("  - Manifest Size Cap: %s", utils.FormatBytes(cfg.ManifestMaxBytes))
	log.Info("  - Configured Instances: %d (default %q)", len(cfg.Instances), cfg.DefaultInstance)
	log.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	log.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// fire us up
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("{main} Server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("{main} Shutdown incomplete: %v", err)
	}
	pool.CloseIdle()
}

// runMaintenance submits the periodic housekeeping tasks to the worker
// pool on every tick: cancel sessions past their maximum age, drop cached
// entity routes so store changes get picked up, and prune idle upstream
// connections.
func runMaintenance(ctx context.Context, cfg *config.Config, log *logger.Logger, workers *ants.Pool, sp *proxy.StreamProxy, pool *client.Pool) {
	ticker := time.NewTicker(cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			submit := func(name string, task func()) {
				if err := workers.Submit(task); err != nil {
					log.Warn("{main - runMaintenance} Could not submit %s: %v", name, err)
				}
			}
			submit("session sweep", func() {
				if n := sp.Registry.Sweep(cfg.SessionMaxAge); n > 0 {
					log.Info("{main - runMaintenance} Swept %d stale sessions", n)
				}
			})
			submit("route invalidation", func() { sp.Resolver.InvalidateRoutes() })
			submit("idle connection cleanup", func() { pool.CloseIdle() })
		}
	}
}
