package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Domenick1991/airmap/config"
	"github.com/Domenick1991/airmap/internal/cache"
	"github.com/Domenick1991/airmap/internal/kafka"
	"github.com/Domenick1991/airmap/internal/service/prices"
	"github.com/joho/godotenv"
	kafkaGo "github.com/segmentio/kafka-go"
)

// The worker keeps the shared durable price store honest: it applies cache
// invalidation events published by API instances and sweeps expired entries
// on a ticker.
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ttl := prices.DefaultTTL
	if cfg.Cache.TTLHours > 0 {
		ttl = time.Duration(cfg.Cache.TTLHours) * time.Hour
	}
	maxEntries := cfg.Cache.MaxEntries
	if maxEntries == 0 {
		maxEntries = prices.DefaultMaxEntries
	}
	store := cache.NewPriceStore(cfg.Redis, ttl, maxEntries)

	consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.CacheEventsTopic)
	defer consumer.Close()

	go func() {
		if err := consumer.Consume(ctx, func(ctx context.Context, msg kafkaGo.Message) error {
			var event kafka.CacheEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				log.Printf("decode event error: %v", err)
				return nil
			}
			if event.Type != kafka.CacheEventCleared {
				return nil
			}
			if len(event.Destinations) == 0 {
				return store.Clear(ctx)
			}
			return store.DeleteDestinations(ctx, event.Destinations)
		}); err != nil {
			log.Printf("consumer stopped: %v", err)
		}
	}()

	sweepMinutes := cfg.Worker.ExpirationSweepMinutes
	if sweepMinutes <= 0 {
		sweepMinutes = 30
	}
	sweepTicker := time.NewTicker(time.Duration(sweepMinutes) * time.Minute)
	defer sweepTicker.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-sweepTicker.C:
			dropped, err := store.SweepExpired(ctx)
			if err != nil {
				log.Printf("sweep expired entries error: %v", err)
				continue
			}
			if dropped > 0 {
				log.Printf("swept %d expired price entries", dropped)
			}
		case s := <-sig:
			log.Printf("received signal %v, shutting down", s)
			return
		}
	}
}
