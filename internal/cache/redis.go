package cache

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/Domenick1991/airmap/config"
	"github.com/Domenick1991/airmap/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	// priceKey is the current storage format. legacyPriceKey is probed on
	// load for backward compatibility but never written to again.
	priceKey       = "map_prices_v3"
	legacyPriceKey = "map_prices_v2"
)

// PriceStore persists the price cache as a single JSON object of
// cacheKey -> CacheEntry under a versioned key. Every write prunes expired
// entries and evicts oldest-by-timestamp down to maxEntries.
type PriceStore struct {
	client     *redis.Client
	ttl        time.Duration
	maxEntries int
}

func NewPriceStore(cfg config.RedisConfig, ttl time.Duration, maxEntries int) *PriceStore {
	return &PriceStore{
		client:     redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

func (s *PriceStore) Load(ctx context.Context) (map[string]domain.CacheEntry, error) {
	for _, key := range []string{priceKey, legacyPriceKey} {
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}

		var entries map[string]domain.CacheEntry
		if err := json.Unmarshal(data, &entries); err != nil {
			// Unreadable blob is a miss, not a fatal error.
			continue
		}
		return Prune(entries, s.ttl, s.maxEntries, time.Now()), nil
	}
	return map[string]domain.CacheEntry{}, nil
}

func (s *PriceStore) Save(ctx context.Context, entries map[string]domain.CacheEntry) error {
	pruned := Prune(entries, s.ttl, s.maxEntries, time.Now())
	payload, err := json.Marshal(pruned)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, priceKey, payload, s.ttl).Err()
}

// Clear removes the current key and all legacy keys.
func (s *PriceStore) Clear(ctx context.Context) error {
	return s.client.Del(ctx, priceKey, legacyPriceKey).Err()
}

// DeleteDestinations removes every entry for the named destinations across
// all origin combinations.
func (s *PriceStore) DeleteDestinations(ctx context.Context, destinations []string) error {
	entries, err := s.Load(ctx)
	if err != nil {
		return err
	}
	for key := range entries {
		for _, d := range destinations {
			if strings.HasSuffix(key, ":"+strings.ToUpper(strings.TrimSpace(d))) {
				delete(entries, key)
				break
			}
		}
	}
	return s.Save(ctx, entries)
}

// SweepExpired rewrites the stored blob without expired entries and returns
// how many were dropped.
func (s *PriceStore) SweepExpired(ctx context.Context) (int, error) {
	data, err := s.client.Get(ctx, priceKey).Bytes()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var entries map[string]domain.CacheEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, s.client.Del(ctx, priceKey).Err()
	}

	before := len(entries)
	pruned := Prune(entries, s.ttl, s.maxEntries, time.Now())
	if len(pruned) == before {
		return 0, nil
	}
	if err := s.Save(ctx, pruned); err != nil {
		return 0, err
	}
	return before - len(pruned), nil
}

// Prune drops entries past their TTL and, if the remainder still exceeds
// maxEntries, evicts oldest-by-timestamp first. The input map is not mutated.
func Prune(entries map[string]domain.CacheEntry, ttl time.Duration, maxEntries int, now time.Time) map[string]domain.CacheEntry {
	kept := make(map[string]domain.CacheEntry, len(entries))
	for key, entry := range entries {
		if entry.Valid(ttl, now) {
			kept[key] = entry
		}
	}
	if maxEntries <= 0 || len(kept) <= maxEntries {
		return kept
	}

	keys := make([]string, 0, len(kept))
	for key := range kept {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if kept[keys[i]].Timestamp != kept[keys[j]].Timestamp {
			return kept[keys[i]].Timestamp > kept[keys[j]].Timestamp
		}
		return keys[i] < keys[j]
	})
	for _, key := range keys[maxEntries:] {
		delete(kept, key)
	}
	return kept
}
