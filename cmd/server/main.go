package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"edge-sync/internal/api"
	"edge-sync/internal/cache"
	"edge-sync/internal/config"
	"edge-sync/internal/connectivity"
	"edge-sync/internal/logs"
	"edge-sync/internal/merkle"
	"edge-sync/internal/metrics"
	"edge-sync/internal/node"
	"edge-sync/internal/resolve"
	"edge-sync/internal/store"
	syncpkg "edge-sync/internal/sync"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logs.New(cfg.Log)
	reg := metrics.NewRegistry()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Policy store
	policyStore, err := store.Open(store.Options{
		Dir:          cfg.Store.Dir,
		InMemory:     cfg.Store.InMemory,
		HistoryLimit: cfg.Store.HistoryLimit,
		Retry: store.RetryPolicy{
			MaxRetries:  cfg.Store.MaxRetries,
			BaseBackoff: cfg.Store.BaseBackoff,
			MaxBackoff:  cfg.Store.MaxBackoff,
		},
	}, reg)
	if err != nil {
		log.Fatalf("open policy store: %v", err)
	}
	defer policyStore.Close()

	// Merkle index over the store
	index := merkle.New(cfg.Sync.TreeLeaves)
	index.Rebuild(policyStore.AllHashes())

	// Decision cache + sweeper
	decisionCache := cache.New(cache.Options{
		Capacity:        cfg.Cache.Capacity,
		ConfidenceFloor: cfg.Cache.ConfidenceFloor,
		DecayWindow:     cfg.Cache.DecayWindow,
	}, policyStore, logger, reg)
	sweeper := cache.NewSweeper(decisionCache, cfg.Cache.SweepInterval, logger)
	go sweeper.Start(ctx)

	// Connectivity
	conn := connectivity.NewManager(connectivity.Config{
		FailureThreshold: cfg.Connectivity.FailureThreshold,
		DegradedLatency:  cfg.Connectivity.DegradedLatency,
		QueueCapacity:    cfg.Connectivity.QueueCapacity,
	}, logger, reg)

	// Sync agent against the authority
	authorityClient := syncpkg.NewHTTPClient(cfg.Authority.URL, cfg.Sync.Timeout)
	resolver := resolve.New(logger, reg)
	agent := syncpkg.NewAgent(syncpkg.Options{
		PeerID:         cfg.Authority.URL,
		Interval:       cfg.Sync.Interval,
		BatchSize:      cfg.Sync.BatchSize,
		Concurrency:    cfg.Sync.Concurrency,
		RetryBase:      cfg.Sync.RetryBase,
		RetryCap:       cfg.Sync.RetryCap,
		EdgeConfidence: cfg.Cache.EdgeConfidence,
	}, policyStore, index, decisionCache, resolver, authorityClient, conn, logger, reg)

	if cfg.Authority.URL != "" {
		go agent.Run(ctx)
		heartbeat := connectivity.NewHeartbeatWorker(
			conn, authorityClient, cfg.Connectivity.HeartbeatInterval, logger, reg)
		go heartbeat.Start(ctx)
	} else {
		logger.Warn("no authority configured; node runs standalone")
	}

	// Request path
	coordinator := node.New(node.Options{
		NodeID:           cfg.Node.ID,
		ReasoningTimeout: cfg.Reasoning.Timeout,
		EdgeConfidence:   cfg.Cache.EdgeConfidence,
	}, policyStore, decisionCache, agent, conn, defaultEngine(), logger, reg)

	// API
	handler := api.NewHandler(cfg.Node.ID, coordinator, policyStore, index, reg, logger)
	httpHandler := api.RegisterRoutes(http.NewServeMux(), handler)

	server := &http.Server{
		Addr:    cfg.Node.ListenAddr,
		Handler: httpHandler,
	}

	go func() {
		logger.Info("server started",
			"node_id", cfg.Node.ID,
			"listen_addr", cfg.Node.ListenAddr,
			"authority", cfg.Authority.URL,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	agent.Wait()
}

// defaultEngine denies everything it cannot reason about. Deployments plug
// in a real engine by replacing this constructor.
func defaultEngine() node.ReasoningEngine {
	return node.EngineFunc(func(ctx context.Context, req node.Request) (node.Decision, error) {
		return node.Decision{
			Outcome: "deny",
			Reason:  "no reasoning engine configured",
			TTL:     time.Minute,
		}, nil
	})
}
