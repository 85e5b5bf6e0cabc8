package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultStaleTime is how long a fetched collection is served before a
// query refetches it.
const DefaultStaleTime = 2 * time.Minute

type entry struct {
	key   Key
	value any
}

// QueryCache is an in-memory cache of fetched collections, one TTL cache
// per resource. Entries are replaced whole; Update is the only
// read-modify-write path.
type QueryCache struct {
	staleTime time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	resources map[string]*ttlcache.Cache[string, entry]
	codecs    map[string]Codec
}

// Option configures a QueryCache.
type Option func(*QueryCache)

// WithStaleTime sets the entry lifetime.
func WithStaleTime(d time.Duration) Option {
	return func(c *QueryCache) { c.staleTime = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *QueryCache) { c.logger = l }
}

// New creates an empty cache.
func New(opts ...Option) *QueryCache {
	c := &QueryCache{
		staleTime: DefaultStaleTime,
		logger:    slog.Default().With("component", "cache"),
		now:       time.Now,
		resources: make(map[string]*ttlcache.Cache[string, entry]),
		codecs:    make(map[string]Codec),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// resource returns the TTL cache of a resource. Caller holds c.mu.
func (c *QueryCache) resource(name string) *ttlcache.Cache[string, entry] {
	rc, ok := c.resources[name]
	if !ok {
		rc = ttlcache.New[string, entry](
			ttlcache.WithTTL[string, entry](c.staleTime),
			ttlcache.WithDisableTouchOnHit[string, entry](),
		)
		c.resources[name] = rc
	}
	return rc
}

// Get returns the fresh value cached under key.
func (c *QueryCache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item := c.resource(key.Resource).Get(key.String())
	if item == nil {
		return nil, false
	}
	return item.Value().value, true
}

// Put stores v under key, replacing any previous value.
func (c *QueryCache) Put(key Key, v any) {
	c.put(key, v, ttlcache.DefaultTTL)
}

func (c *QueryCache) put(key Key, v any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resource(key.Resource).Set(key.String(), entry{key: key, value: v}, ttl)
}

// Update replaces the value under key with fn's result, atomically. It
// does nothing and returns false when no fresh entry exists or fn declines
// the change.
func (c *QueryCache) Update(key Key, fn func(v any) (any, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc := c.resource(key.Resource)
	item := rc.Get(key.String())
	if item == nil {
		return false
	}
	next, ok := fn(item.Value().value)
	if !ok {
		return false
	}
	rc.Set(key.String(), entry{key: key, value: next}, ttlcache.DefaultTTL)
	return true
}

// Invalidate drops every entry of resource and returns how many were
// dropped.
func (c *QueryCache) Invalidate(resource string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.resources[resource]
	if !ok {
		return 0
	}
	n := rc.Len()
	rc.DeleteAll()
	c.logger.Debug("cache invalidated", "resource", resource, "entries", n)
	return n
}

// Keys lists the fresh keys of resource in canonical order.
func (c *QueryCache) Keys(resource string) []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	rc, ok := c.resources[resource]
	if !ok {
		return nil
	}
	var keys []Key
	for _, item := range rc.Items() {
		if item.IsExpired() {
			continue
		}
		keys = append(keys, item.Value().key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Resources lists the resources with a cache, sorted.
func (c *QueryCache) Resources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.resources))
	for r := range c.resources {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// DeleteExpired drops expired entries of every resource.
func (c *QueryCache) DeleteExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rc := range c.resources {
		rc.DeleteExpired()
	}
}

// GetAs returns the value under key if it holds a T.
func GetAs[T any](c *QueryCache, key Key) (T, bool) {
	v, ok := c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Query returns the fresh value under key, or calls fetch, stores its
// result and returns it. Fetch errors are returned and nothing is cached.
func Query[T any](ctx context.Context, c *QueryCache, key Key, fetch func(context.Context) (T, error)) (T, error) {
	if v, ok := GetAs[T](c, key); ok {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("query %s: %w", key.Resource, err)
	}
	c.Put(key, v)
	return v, nil
}
