package prices

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Domenick1991/airmap/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) Load(ctx context.Context) (map[string]domain.CacheEntry, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]domain.CacheEntry), args.Error(1)
}

func (m *MockStore) Save(ctx context.Context, entries map[string]domain.CacheEntry) error {
	args := m.Called(ctx, entries)
	return args.Error(0)
}

func (m *MockStore) Clear(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) FetchPrices(ctx context.Context, origins, destinations []string) (map[string]*domain.PriceRecord, error) {
	args := m.Called(ctx, origins, destinations)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*domain.PriceRecord), args.Error(1)
}

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(ctx context.Context, topic, key string, value interface{}) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

func record(price float64) *domain.PriceRecord {
	return &domain.PriceRecord{Price: price, Date: "2026-09-10"}
}

func newTestCache(store Store, fetcher Fetcher, opts ...CacheOption) *Cache {
	base := []CacheOption{
		WithDebounce(20 * time.Millisecond),
		WithSaveDebounce(30 * time.Millisecond),
	}
	return NewCache(store, fetcher, append(base, opts...)...)
}

func settle(t *testing.T, c *Cache) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := c.Snapshot()
		if !snap.Loading && len(pendingOf(snap)) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("cache did not settle")
}

func pendingOf(snap Snapshot) []string {
	var pending []string
	for d, st := range snap.Prices {
		if st.Status == domain.PriceStatusPending {
			pending = append(pending, d)
		}
	}
	return pending
}

func TestCache_FetchPrices_CoalescesBeforeDebounce(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"FRA", "JFK", "LHR"}).
		Return(map[string]*domain.PriceRecord{
			"FRA": record(79),
			"JFK": record(312),
			"LHR": record(54),
		}, nil).Once()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK", "LHR"})
	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK", "LHR", "FRA"})

	time.Sleep(50 * time.Millisecond)
	settle(t, cache)

	snap := cache.Snapshot()
	assert.Equal(t, domain.PriceStatusKnown, snap.Prices["JFK"].Status)
	assert.Equal(t, domain.PriceStatusKnown, snap.Prices["LHR"].Status)
	assert.Equal(t, domain.PriceStatusKnown, snap.Prices["FRA"].Status)
	assert.Equal(t, 312.0, snap.Prices["JFK"].Price)
	assert.NoError(t, snap.Err)

	fetcher.AssertExpectations(t)
	fetcher.AssertNumberOfCalls(t, "FetchPrices", 1)
}

func TestCache_FetchPrices_EmptyInputsAreNoOps(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()

	cache.FetchPrices(ctx, nil, []string{"JFK"})
	cache.FetchPrices(ctx, []string{"CDG"}, nil)

	time.Sleep(60 * time.Millisecond)
	fetcher.AssertNotCalled(t, "FetchPrices")
	store.AssertNotCalled(t, "Load")
}

func TestCache_Disabled(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher, WithDisabled())
	defer cache.Close()

	cache.FetchPrices(context.Background(), []string{"CDG"}, []string{"JFK"})
	time.Sleep(60 * time.Millisecond)

	fetcher.AssertNotCalled(t, "FetchPrices")
	assert.Nil(t, cache.MissingDestinations([]string{"CDG"}, []string{"JFK"}))
}

func TestCache_HydratesFromStoreWithoutFetching(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()
	fresh := time.Now().Add(-time.Hour).UnixMilli()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{
		"CDG:JFK": {Price: record(199), Timestamp: fresh},
		"CDG:LIN": {Price: nil, Timestamp: fresh},
	}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK", "LIN"})
	time.Sleep(60 * time.Millisecond)

	snap := cache.Snapshot()
	assert.Equal(t, domain.PriceStatusKnown, snap.Prices["JFK"].Status)
	assert.Equal(t, 199.0, snap.Prices["JFK"].Price)
	assert.Equal(t, domain.PriceStatusNoRoute, snap.Prices["LIN"].Status)

	fetcher.AssertNotCalled(t, "FetchPrices")
}

func TestCache_ExpiredStoreEntryIsRefetched(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()
	stale := time.Now().Add(-DefaultTTL - time.Minute).UnixMilli()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{
		"CDG:JFK": {Price: record(199), Timestamp: stale},
	}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"JFK"}).
		Return(map[string]*domain.PriceRecord{"JFK": record(249)}, nil).Once()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK"})
	time.Sleep(50 * time.Millisecond)
	settle(t, cache)

	snap := cache.Snapshot()
	assert.Equal(t, 249.0, snap.Prices["JFK"].Price)
	fetcher.AssertExpectations(t)
}

func TestCache_OriginSwitchInvalidatesEverything(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"JFK"}).
		Return(map[string]*domain.PriceRecord{"JFK": record(100)}, nil).Once()
	fetcher.On("FetchPrices", mock.Anything, []string{"AMS"}, []string{"JFK"}).
		Return(map[string]*domain.PriceRecord{"JFK": record(150)}, nil).Once()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK"})
	time.Sleep(50 * time.Millisecond)
	settle(t, cache)
	assert.Equal(t, 100.0, cache.Snapshot().Prices["JFK"].Price)

	// Same destination, different origin set: the cached entry is not
	// comparable and everything is refetched.
	cache.FetchPrices(ctx, []string{"AMS"}, []string{"JFK"})
	time.Sleep(50 * time.Millisecond)
	settle(t, cache)

	assert.Equal(t, 150.0, cache.Snapshot().Prices["JFK"].Price)
	fetcher.AssertExpectations(t)
}

func TestCache_OmittedDestinationBecomesNoRoute(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	// The backend answers for JFK but silently drops ZZZ.
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"JFK", "ZZZ"}).
		Return(map[string]*domain.PriceRecord{"JFK": record(100)}, nil).Once()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK", "ZZZ"})
	time.Sleep(50 * time.Millisecond)
	settle(t, cache)

	snap := cache.Snapshot()
	assert.Equal(t, domain.PriceStatusKnown, snap.Prices["JFK"].Status)
	assert.Equal(t, domain.PriceStatusNoRoute, snap.Prices["ZZZ"].Status)
}

func TestCache_ChunkedDispatch(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher, WithChunkSize(2))
	defer cache.Close()

	ctx := context.Background()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"AMS", "BCN"}).
		Return(map[string]*domain.PriceRecord{"AMS": record(60), "BCN": record(70)}, nil).Once()
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"FCO", "JFK"}).
		Return(map[string]*domain.PriceRecord{"FCO": record(80), "JFK": record(300)}, nil).Once()
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"LHR"}).
		Return(map[string]*domain.PriceRecord{"LHR": record(50)}, nil).Once()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK", "LHR", "AMS", "BCN", "FCO"})
	time.Sleep(50 * time.Millisecond)
	settle(t, cache)

	snap := cache.Snapshot()
	assert.Len(t, snap.Prices, 5)
	fetcher.AssertExpectations(t)
	fetcher.AssertNumberOfCalls(t, "FetchPrices", 3)
}

func TestCache_ChunkFailureKeepsEarlierResults(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher, WithChunkSize(1))
	defer cache.Close()

	ctx := context.Background()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"AMS"}).
		Return(map[string]*domain.PriceRecord{"AMS": record(60)}, nil).Once()
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"JFK"}).
		Return(nil, errors.New("backend down")).Once()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"AMS", "JFK"})
	time.Sleep(50 * time.Millisecond)
	settle(t, cache)

	snap := cache.Snapshot()
	assert.Equal(t, 60.0, snap.Prices["AMS"].Price)
	// The failed destination goes back to unknown, not stuck pending.
	_, ok := snap.Prices["JFK"]
	assert.False(t, ok)
	assert.Error(t, snap.Err)
}

// blockingFetcher parks its first call until the request context is canceled
// so a later dispatch can be observed superseding it. Later calls answer from
// the prices map.
type blockingFetcher struct {
	mu      sync.Mutex
	prices  map[string]*domain.PriceRecord
	calls   [][]string
	started chan struct{}
	blocked bool
}

func (f *blockingFetcher) FetchPrices(ctx context.Context, origins, destinations []string) (map[string]*domain.PriceRecord, error) {
	f.mu.Lock()
	first := !f.blocked
	f.blocked = true
	f.calls = append(f.calls, append([]string(nil), destinations...))
	f.mu.Unlock()

	if first {
		close(f.started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	out := make(map[string]*domain.PriceRecord, len(destinations))
	for _, d := range destinations {
		if p, ok := f.prices[d]; ok {
			out[d] = p
		}
	}
	return out, nil
}

func TestCache_NewerDispatchCancelsInFlightFetch(t *testing.T) {
	store := &MockStore{}
	fetcher := &blockingFetcher{
		prices:  map[string]*domain.PriceRecord{"LHR": record(50)},
		started: make(chan struct{}),
	}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK"})

	select {
	case <-fetcher.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first fetch never started")
	}

	// The JFK fetch is parked on its context; a second dispatch cancels it.
	cache.FetchPrices(ctx, []string{"CDG"}, []string{"LHR"})
	time.Sleep(50 * time.Millisecond)
	settle(t, cache)

	snap := cache.Snapshot()
	assert.Equal(t, 50.0, snap.Prices["LHR"].Price)
	// The superseded request settles silently: no error, and its
	// destination goes back to unknown rather than stuck pending.
	assert.NoError(t, snap.Err)
	_, ok := snap.Prices["JFK"]
	assert.False(t, ok)
	assert.Equal(t, []string{"JFK"}, cache.MissingDestinations([]string{"CDG"}, []string{"JFK", "LHR"}))

	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	assert.Equal(t, [][]string{{"JFK"}, {"LHR"}}, fetcher.calls)
}

func TestCache_MissingDestinations(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"JFK"}).
		Return(map[string]*domain.PriceRecord{"JFK": record(100)}, nil).Once()

	// Nothing requested yet: everything is missing.
	assert.Equal(t, []string{"JFK", "LHR"}, cache.MissingDestinations([]string{"CDG"}, []string{"JFK", "LHR"}))

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK"})
	time.Sleep(50 * time.Millisecond)
	settle(t, cache)

	assert.Equal(t, []string{"LHR"}, cache.MissingDestinations([]string{"CDG"}, []string{"JFK", "LHR"}))

	// A different origin set makes everything missing again.
	assert.Equal(t, []string{"JFK", "LHR"}, cache.MissingDestinations([]string{"AMS"}, []string{"JFK", "LHR"}))
}

func TestCache_ClearCacheAll(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	store.On("Clear", mock.Anything).Return(nil).Once()
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"JFK"}).
		Return(map[string]*domain.PriceRecord{"JFK": record(100)}, nil).Once()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK"})
	time.Sleep(50 * time.Millisecond)
	settle(t, cache)

	before := cache.Version()
	assert.NoError(t, cache.ClearCache(ctx))

	snap := cache.Snapshot()
	assert.Empty(t, snap.Prices)
	assert.Greater(t, snap.Version, before)
	store.AssertExpectations(t)
}

func TestCache_ClearCacheSubset(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()
	fresh := time.Now().Add(-time.Minute).UnixMilli()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{
		"CDG:JFK":     {Price: record(100), Timestamp: fresh},
		"CDG:LHR":     {Price: record(50), Timestamp: fresh},
		"AMS,BRU:JFK": {Price: record(90), Timestamp: fresh},
	}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK", "LHR"})
	time.Sleep(60 * time.Millisecond)

	assert.NoError(t, cache.ClearCache(ctx, "JFK"))

	snap := cache.Snapshot()
	_, ok := snap.Prices["JFK"]
	assert.False(t, ok)
	assert.Equal(t, 50.0, snap.Prices["LHR"].Price)

	// JFK is evicted across every origin combination, so it is missing
	// again while LHR is still covered by the durable entry.
	assert.Equal(t, []string{"JFK"}, cache.MissingDestinations([]string{"CDG"}, []string{"JFK", "LHR"}))
}

func TestCache_ClearCachePublishesEvent(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	producer := &MockProducer{}
	cache := newTestCache(store, fetcher, WithProducer(producer, "cache_events"))
	defer cache.Close()

	ctx := context.Background()

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{}, nil)
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	store.On("Clear", mock.Anything).Return(nil).Once()
	producer.On("Publish", mock.Anything, "cache_events", mock.Anything, mock.Anything).Return(nil).Once()

	assert.NoError(t, cache.ClearCache(ctx))
	producer.AssertExpectations(t)
}

func TestCache_SavesToStoreAfterFetch(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()
	saved := make(chan map[string]domain.CacheEntry, 1)

	store.On("Load", mock.Anything).Return(map[string]domain.CacheEntry{}, nil)
	store.On("Save", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		select {
		case saved <- args.Get(1).(map[string]domain.CacheEntry):
		default:
		}
	}).Return(nil)
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"JFK"}).
		Return(map[string]*domain.PriceRecord{"JFK": record(100)}, nil).Once()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK"})

	select {
	case entries := <-saved:
		entry, ok := entries["CDG:JFK"]
		assert.True(t, ok)
		assert.Equal(t, 100.0, entry.Price.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("store.Save was never called")
	}
}

func TestCache_StoreLoadFailureIsNotFatal(t *testing.T) {
	store := &MockStore{}
	fetcher := &MockFetcher{}
	cache := newTestCache(store, fetcher)
	defer cache.Close()

	ctx := context.Background()

	store.On("Load", mock.Anything).Return(nil, errors.New("redis down"))
	store.On("Save", mock.Anything, mock.Anything).Return(nil).Maybe()
	fetcher.On("FetchPrices", mock.Anything, []string{"CDG"}, []string{"JFK"}).
		Return(map[string]*domain.PriceRecord{"JFK": record(100)}, nil).Once()

	cache.FetchPrices(ctx, []string{"CDG"}, []string{"JFK"})
	time.Sleep(50 * time.Millisecond)
	settle(t, cache)

	assert.Equal(t, 100.0, cache.Snapshot().Prices["JFK"].Price)
}

func TestCacheKey(t *testing.T) {
	// Origins are sorted and upper-cased so the key is order-insensitive.
	assert.Equal(t, "AMS,CDG:JFK", CacheKey([]string{"cdg", "AMS"}, "jfk"))
	assert.Equal(t, CacheKey([]string{"AMS", "CDG"}, "JFK"), CacheKey([]string{"CDG", "AMS"}, "JFK"))
}
