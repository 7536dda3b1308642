package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Domenick1991/airmap/config"
	"github.com/Domenick1991/airmap/internal/bootstrap"
	"github.com/Domenick1991/airmap/internal/cache"
	"github.com/Domenick1991/airmap/internal/kafka"
	"github.com/Domenick1991/airmap/internal/pricing"
	"github.com/Domenick1991/airmap/internal/repository"
	"github.com/Domenick1991/airmap/internal/service/hubs"
	"github.com/Domenick1991/airmap/internal/service/prices"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.Database.DSN())
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	ttl := prices.DefaultTTL
	if cfg.Cache.TTLHours > 0 {
		ttl = time.Duration(cfg.Cache.TTLHours) * time.Hour
	}
	maxEntries := cfg.Cache.MaxEntries
	if maxEntries == 0 {
		maxEntries = prices.DefaultMaxEntries
	}

	store := cache.NewPriceStore(cfg.Redis, ttl, maxEntries)
	producer := kafka.NewProducer(cfg.Kafka.Brokers)
	defer producer.Close()

	cacheOpts := []prices.CacheOption{
		prices.WithTTL(ttl),
		prices.WithProducer(producer, cfg.Kafka.CacheEventsTopic),
	}
	if cfg.Cache.DebounceMs > 0 {
		cacheOpts = append(cacheOpts, prices.WithDebounce(time.Duration(cfg.Cache.DebounceMs)*time.Millisecond))
	}
	if cfg.Cache.SaveDebounceSeconds > 0 {
		cacheOpts = append(cacheOpts, prices.WithSaveDebounce(time.Duration(cfg.Cache.SaveDebounceSeconds)*time.Second))
	}
	if cfg.Cache.ChunkSize > 0 {
		cacheOpts = append(cacheOpts, prices.WithChunkSize(cfg.Cache.ChunkSize))
	}
	if cfg.Cache.Disabled {
		cacheOpts = append(cacheOpts, prices.WithDisabled())
	}

	priceCache := prices.NewCache(store, pricing.NewClient(cfg.Pricing), cacheOpts...)
	defer priceCache.Close()

	hubService := hubs.NewHubService(repository.NewAirportRepository(pool))

	if err := bootstrap.Run(ctx, cfg, hubService, priceCache); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
