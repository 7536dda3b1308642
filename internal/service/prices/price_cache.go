package prices

import (
	"context"
	"errors"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Domenick1991/airmap/internal/domain"
	"github.com/Domenick1991/airmap/internal/kafka"
)

const (
	// DefaultTTL is how long a confirmed price (or confirmed absence)
	// stays valid in the durable store.
	DefaultTTL = 6 * time.Hour
	// DefaultDebounce is the window in which successive FetchPrices calls
	// coalesce into one dispatch.
	DefaultDebounce = 800 * time.Millisecond
	// DefaultSaveDebounce spaces out durable-store writes.
	DefaultSaveDebounce = 2 * time.Second
	// DefaultChunkSize is capped by the pricing backend's batch limit.
	DefaultChunkSize = 50
	// DefaultMaxEntries caps the durable store.
	DefaultMaxEntries = 500
)

type PriceUseCase interface {
	FetchPrices(ctx context.Context, origins, destinations []string)
	MissingDestinations(origins, destinations []string) []string
	ClearCache(ctx context.Context, destinations ...string) error
	Snapshot() Snapshot
}

// Store is the durable backing of the cache, keyed by cacheKey.
type Store interface {
	Load(ctx context.Context) (map[string]domain.CacheEntry, error)
	Save(ctx context.Context, entries map[string]domain.CacheEntry) error
	Clear(ctx context.Context) error
}

// Fetcher resolves one chunk of destinations against the pricing backend.
// A nil record, or a destination missing from the result, means no route.
type Fetcher interface {
	FetchPrices(ctx context.Context, origins, destinations []string) (map[string]*domain.PriceRecord, error)
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

// Snapshot is the reactive view consumers render from. Destinations absent
// from Prices were never requested under the current origin set.
type Snapshot struct {
	Prices  map[string]domain.PriceState
	Loading bool
	Version int64
	Err     error
}

// Cache is a deduplicated, TTL-expiring price cache for map markers.
//
// Prices are origin-relative: switching the origin set resets the live view,
// though entries already written to the durable store stay keyed by their own
// origins. All state is guarded by mu; the debounce timer and the fetch
// goroutine are the only asynchronous actors.
type Cache struct {
	store       Store
	fetcher     Fetcher
	producer    Producer
	eventsTopic string

	ttl          time.Duration
	debounce     time.Duration
	saveDebounce time.Duration
	chunkSize    int
	disabled     bool

	mu           sync.Mutex
	origins      []string
	originsKey   string
	live         map[string]domain.PriceState
	stored       map[string]domain.CacheEntry
	storedLoaded bool
	pending      map[string]struct{}
	queued       map[string]struct{}
	timer        *time.Timer
	saveTimer    *time.Timer
	cancelFetch  context.CancelFunc
	inFlight     int
	lastErr      error
	version      int64
	closed       bool
}

type CacheOption func(*Cache)

func WithProducer(p Producer, topic string) CacheOption {
	return func(c *Cache) {
		c.producer = p
		c.eventsTopic = topic
	}
}

func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

func WithDebounce(d time.Duration) CacheOption {
	return func(c *Cache) { c.debounce = d }
}

func WithSaveDebounce(d time.Duration) CacheOption {
	return func(c *Cache) { c.saveDebounce = d }
}

func WithChunkSize(n int) CacheOption {
	return func(c *Cache) { c.chunkSize = n }
}

// WithDisabled turns every operation into a no-op.
func WithDisabled() CacheOption {
	return func(c *Cache) { c.disabled = true }
}

func NewCache(store Store, fetcher Fetcher, opts ...CacheOption) *Cache {
	c := &Cache{
		store:        store,
		fetcher:      fetcher,
		ttl:          DefaultTTL,
		debounce:     DefaultDebounce,
		saveDebounce: DefaultSaveDebounce,
		chunkSize:    DefaultChunkSize,
		live:         make(map[string]domain.PriceState),
		stored:       make(map[string]domain.CacheEntry),
		pending:      make(map[string]struct{}),
		queued:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchPrices requests prices for destinations relative to origins. It is
// fire-and-forget: entries valid in the durable store are hydrated into the
// live view immediately, the rest are queued and dispatched after the
// debounce window so rapid successive calls (map panning) coalesce into one
// network request. A later dispatch cancels an earlier in-flight one.
func (c *Cache) FetchPrices(ctx context.Context, origins, destinations []string) {
	if c.disabled || len(origins) == 0 || len(destinations) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	key := originsKey(origins)
	if key != c.originsKey {
		// Prices are not comparable across origin sets. In-flight work
		// for the old set still writes to the durable store under its
		// own keys; only the live view is discarded.
		c.origins = sortedUpper(origins)
		c.originsKey = key
		c.live = make(map[string]domain.PriceState)
		c.queued = make(map[string]struct{})
		c.version++
	}

	c.ensureStoredLocked(ctx)

	now := time.Now()
	for _, d := range destinations {
		d = normalizeCode(d)
		if d == "" {
			continue
		}
		if entry, ok := c.stored[c.keyFor(d)]; ok && entry.Valid(c.ttl, now) {
			state := entry.State()
			if c.live[d] != state {
				c.live[d] = state
				c.version++
			}
			continue
		}
		if st, ok := c.live[d]; ok && st.Status != domain.PriceStatusPending {
			continue
		}
		if _, ok := c.pending[c.keyFor(d)]; ok {
			continue
		}
		c.queued[d] = struct{}{}
	}

	if len(c.queued) == 0 {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.dispatch)
}

// MissingDestinations is a pure query: destinations that are neither live,
// valid in the durable store, nor pending. A different origin set makes every
// destination missing.
func (c *Cache) MissingDestinations(origins, destinations []string) []string {
	if c.disabled || len(origins) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	missing := make([]string, 0, len(destinations))
	if originsKey(origins) != c.originsKey {
		for _, d := range destinations {
			if d = normalizeCode(d); d != "" {
				missing = append(missing, d)
			}
		}
		return missing
	}

	now := time.Now()
	for _, d := range destinations {
		d = normalizeCode(d)
		if d == "" {
			continue
		}
		if st, ok := c.live[d]; ok && st.Status != domain.PriceStatusPending {
			continue
		}
		if entry, ok := c.stored[c.keyFor(d)]; ok && entry.Valid(c.ttl, now) {
			continue
		}
		if _, ok := c.pending[c.keyFor(d)]; ok {
			continue
		}
		missing = append(missing, d)
	}
	return missing
}

// ClearCache evicts everything, or only the named destinations across all
// origin combinations, then bumps the version so consumers re-render. Clears
// are announced on the events topic when a producer is configured.
func (c *Cache) ClearCache(ctx context.Context, destinations ...string) error {
	if c.disabled {
		return nil
	}

	c.mu.Lock()
	if len(destinations) == 0 {
		c.live = make(map[string]domain.PriceState)
		c.stored = make(map[string]domain.CacheEntry)
		c.storedLoaded = true
	} else {
		c.ensureStoredLocked(ctx)
		for _, d := range destinations {
			d = normalizeCode(d)
			delete(c.live, d)
			for key := range c.stored {
				if strings.HasSuffix(key, ":"+d) {
					delete(c.stored, key)
				}
			}
		}
	}
	c.version++
	key := c.originsKey
	c.mu.Unlock()

	var err error
	if len(destinations) == 0 {
		err = c.store.Clear(ctx)
	} else {
		c.scheduleSave()
	}

	c.publishCleared(ctx, key, destinations)
	return err
}

// Snapshot copies the live view.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	prices := make(map[string]domain.PriceState, len(c.live))
	for d, st := range c.live {
		prices[d] = st
	}
	return Snapshot{
		Prices:  prices,
		Loading: c.inFlight > 0,
		Version: c.version,
		Err:     c.lastErr,
	}
}

func (c *Cache) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

func (c *Cache) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight > 0
}

func (c *Cache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Close stops timers, cancels any in-flight fetch and flushes the durable
// store synchronously.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.saveTimer != nil {
		c.saveTimer.Stop()
	}
	if c.cancelFetch != nil {
		c.cancelFetch()
	}
	snapshot := c.copyStoredLocked()
	loaded := c.storedLoaded
	c.mu.Unlock()

	if loaded {
		if err := c.store.Save(context.Background(), snapshot); err != nil {
			log.Printf("price cache: final save failed: %v", err)
		}
	}
}

// dispatch fires when the debounce window elapses.
func (c *Cache) dispatch() {
	c.mu.Lock()
	if c.closed || len(c.queued) == 0 {
		c.mu.Unlock()
		return
	}

	now := time.Now()
	toFetch := make([]string, 0, len(c.queued))
	for d := range c.queued {
		if st, ok := c.live[d]; ok && st.Status != domain.PriceStatusPending {
			continue
		}
		if entry, ok := c.stored[c.keyFor(d)]; ok && entry.Valid(c.ttl, now) {
			continue
		}
		if _, ok := c.pending[c.keyFor(d)]; ok {
			continue
		}
		toFetch = append(toFetch, d)
	}
	c.queued = make(map[string]struct{})
	if len(toFetch) == 0 {
		c.mu.Unlock()
		return
	}
	sort.Strings(toFetch)

	// A newer dispatch supersedes an older in-flight one instead of
	// racing it. The superseded request settles as a silent no-op.
	if c.cancelFetch != nil {
		c.cancelFetch()
	}
	fetchCtx, cancel := context.WithCancel(context.Background())
	c.cancelFetch = cancel

	origins := append([]string(nil), c.origins...)
	prefix := c.originsKey
	for _, d := range toFetch {
		c.pending[prefix+":"+d] = struct{}{}
		c.live[d] = domain.PriceState{Status: domain.PriceStatusPending}
	}
	c.inFlight++
	c.lastErr = nil
	c.version++
	c.mu.Unlock()

	go c.fetch(fetchCtx, origins, prefix, toFetch)
}

func (c *Cache) fetch(ctx context.Context, origins []string, prefix string, destinations []string) {
	defer func() {
		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
	}()

	for start := 0; start < len(destinations); start += c.chunkSize {
		end := start + c.chunkSize
		if end > len(destinations) {
			end = len(destinations)
		}
		chunk := destinations[start:end]

		result, err := c.fetcher.FetchPrices(ctx, origins, chunk)
		if err != nil {
			c.settleFailed(ctx, err, prefix, destinations[start:])
			return
		}

		c.mu.Lock()
		now := time.Now().UnixMilli()
		for _, d := range chunk {
			// A destination the backend silently omitted becomes an
			// explicit "no route" so it cannot stay pending forever.
			entry := domain.CacheEntry{Price: result[d], Timestamp: now}
			c.stored[prefix+":"+d] = entry
			delete(c.pending, prefix+":"+d)
			if c.originsKey == prefix {
				c.live[d] = entry.State()
			}
		}
		c.version++
		c.scheduleSaveLocked()
		c.mu.Unlock()
	}
}

// settleFailed clears pending marks for the destinations that did not
// resolve. Cancellation is a supersede, not an error; prices written from
// earlier chunks are kept either way.
func (c *Cache) settleFailed(ctx context.Context, err error, prefix string, remaining []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range remaining {
		delete(c.pending, prefix+":"+d)
		if c.originsKey == prefix {
			if st, ok := c.live[d]; ok && st.Status == domain.PriceStatusPending {
				delete(c.live, d)
			}
		}
	}
	if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		c.lastErr = err
		log.Printf("price cache: fetch failed for %d destinations: %v", len(remaining), err)
	}
	c.version++
}

func (c *Cache) ensureStoredLocked(ctx context.Context) {
	if c.storedLoaded {
		return
	}
	entries, err := c.store.Load(ctx)
	if err != nil {
		// Treated as an empty cache; the store stays usable for writes.
		log.Printf("price cache: load failed: %v", err)
		entries = make(map[string]domain.CacheEntry)
	}
	c.stored = entries
	c.storedLoaded = true
}

func (c *Cache) scheduleSave() {
	c.mu.Lock()
	c.scheduleSaveLocked()
	c.mu.Unlock()
}

func (c *Cache) scheduleSaveLocked() {
	if c.closed {
		return
	}
	if c.saveTimer != nil {
		c.saveTimer.Stop()
	}
	c.saveTimer = time.AfterFunc(c.saveDebounce, c.saveNow)
}

func (c *Cache) saveNow() {
	c.mu.Lock()
	if c.closed || !c.storedLoaded {
		c.mu.Unlock()
		return
	}
	snapshot := c.copyStoredLocked()
	c.mu.Unlock()

	// Best effort: a full store or unreachable backend must not take the
	// in-memory cache down with it.
	if err := c.store.Save(context.Background(), snapshot); err != nil {
		log.Printf("price cache: save failed: %v", err)
	}
}

func (c *Cache) copyStoredLocked() map[string]domain.CacheEntry {
	snapshot := make(map[string]domain.CacheEntry, len(c.stored))
	for key, entry := range c.stored {
		snapshot[key] = entry
	}
	return snapshot
}

func (c *Cache) publishCleared(ctx context.Context, key string, destinations []string) {
	if c.producer == nil || c.eventsTopic == "" {
		return
	}
	event := kafka.CacheEvent{
		Type:         kafka.CacheEventCleared,
		Destinations: destinations,
		At:           time.Now(),
	}
	if err := c.producer.Publish(ctx, c.eventsTopic, key, event); err != nil {
		log.Printf("price cache: publish %s event: %v", event.Type, err)
	}
}

func (c *Cache) keyFor(destination string) string {
	return c.originsKey + ":" + destination
}

// CacheKey builds the durable-store key for an origin set and destination.
func CacheKey(origins []string, destination string) string {
	return originsKey(origins) + ":" + normalizeCode(destination)
}

func originsKey(origins []string) string {
	return strings.Join(sortedUpper(origins), ",")
}

func sortedUpper(codes []string) []string {
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		if code = normalizeCode(code); code != "" {
			out = append(out, code)
		}
	}
	sort.Strings(out)
	return out
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

var _ PriceUseCase = (*Cache)(nil)
