package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"whalewatch/api"
	"whalewatch/cluster"
	"whalewatch/config"
	"whalewatch/feed"
	"whalewatch/handlers"
	"whalewatch/middleware"
	"whalewatch/monitor"
	"whalewatch/pipeline"
	"whalewatch/registry"
	"whalewatch/simulator"
	"whalewatch/storage"
	"whalewatch/tracker"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("WHALEWATCH_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Components, bottom-up
	counters := monitor.NewCounters()
	prices := tracker.New(cfg.Tracker.MaxSamplesPerMarket, cfg.Tracker.Tolerance())

	reg := registry.New(cfg.Registry, store)
	if err := reg.Load(ctx); err != nil {
		log.Printf("[main] continuing with empty whale registry")
	}
	reg.LoadEliteList(cfg.Registry.ElitePath)

	markets := api.NewMarketsClient(os.Getenv("CLOB_API_URL"))
	gen := cluster.New(cfg.Cluster, reg, markets, store)

	sim := simulator.New(cfg.Simulator, prices, store)
	sim.SetCounters(counters)

	pipe := pipeline.New(cfg, counters, prices, reg, gen, sim, store)
	if err := pipe.Restore(ctx); err != nil {
		log.Printf("[main] continuing with empty price history")
	}

	feedClient := feed.NewClient(cfg.Feed, pipe.HandleTrade)

	// Optional Redis summary publishing alongside the SQLite store
	var metrics *monitor.MetricsStore
	if rdb := optionalRedis(); rdb != nil {
		metrics = monitor.NewMetricsStore(rdb)
		defer rdb.Close()
	}

	reporter := monitor.NewReporter(cfg.Monitor, counters, monitor.Gauges{
		TrackedWhales:      reg.Size,
		TrackedMarkets:     prices.MarketCount,
		ActiveClusters:     gen.ActiveClusters,
		PendingSimulations: sim.PendingCount,
		FeedState:          feedClient.State,
		Rejections:         gen.RejectionCounts,
	}, publisherOrNil(metrics))

	// Resume pending simulations before new trades arrive
	if err := sim.Resume(ctx); err != nil {
		log.Printf("[main] simulation resume failed: %v", err)
	}

	reg.Start(ctx)
	sim.Start(ctx)
	pipe.Start(ctx)
	reporter.Start(ctx)
	feedClient.Start(ctx)

	// HTTP API
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())

	h := handlers.NewHandler(cfg, reg, gen, sim, feedClient, store, metrics)
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}
	go func() {
		log.Printf("[main] HTTP API listening on :%d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] HTTP server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[main] received %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] HTTP shutdown error: %v", err)
	}

	// Ingestion stops first so nothing mutates state mid-snapshot.
	feedClient.Stop()
	pipe.Stop()
	sim.Stop()
	reg.Stop()
	reporter.Stop()
	cancel()

	log.Printf("[main] shutdown complete")
}

// openStore picks PostgreSQL+Redis when POSTGRES_HOST is configured,
// otherwise the embedded SQLite database.
func openStore(cfg *config.Config) (storage.DataStore, error) {
	if os.Getenv("POSTGRES_HOST") != "" {
		log.Printf("[main] using PostgreSQL storage")
		return storage.NewPostgres()
	}
	log.Printf("[main] using SQLite storage at %s", cfg.Data.DBPath)
	return storage.New(cfg.Data.DBPath)
}

// optionalRedis returns a Redis client when REDIS_HOST is set, nil
// otherwise. Used for summary publishing with the SQLite store; the
// Postgres store manages its own connection.
func optionalRedis() *redis.Client {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return nil
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     host + ":" + port,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Printf("[main] redis unavailable, summary publishing disabled: %v", err)
		rdb.Close()
		return nil
	}
	return rdb
}

// publisherOrNil avoids handing the reporter a typed nil.
func publisherOrNil(m *monitor.MetricsStore) monitor.Publisher {
	if m == nil {
		return nil
	}
	return m
}
