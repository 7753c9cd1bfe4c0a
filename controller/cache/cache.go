// Package cache provides the TTL read-through caches between the cycle
// engine and the external providers. Every cached document is persisted
// in the store so freshness survives process restarts, with a small
// in-process layer in front to avoid store roundtrips on hot keys, and
// singleflight so concurrent cycles for the same key trigger one fetch.
package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/solarctl/solarctl/controller/observability"
	"github.com/solarctl/solarctl/controller/store"
)

// Default TTLs, overridable per tenant via CacheTTLConfig.
const (
	DefaultTelemetryTTL    = 5 * time.Minute
	DefaultWeatherTTL      = 30 * time.Minute
	DefaultPriceCurrentTTL = 60 * time.Second

	// Current price windows are never cached longer than one minute
	// regardless of tenant overrides: a stale price is worse than an
	// extra metered call.
	MaxPriceCurrentTTL = 60 * time.Second
)

// Result is a cache read outcome. AgeMs is how old the returned document
// is; zero for a fresh fetch.
type Result struct {
	Data     json.RawMessage
	CacheHit bool
	AgeMs    int64
}

// Layer is a generic two-tier read-through cache: in-process L1, store
// document L2, provider fetch on miss.
type Layer struct {
	name  string
	store store.Store
	l1    *gocache.Cache
	group singleflight.Group
	now   func() time.Time
}

// NewLayer creates a named cache layer backed by the store.
func NewLayer(name string, st store.Store) *Layer {
	return &Layer{
		name:  name,
		store: st,
		l1:    gocache.New(5*time.Minute, 10*time.Minute),
		now:   time.Now,
	}
}

func (l *Layer) fresh(doc *store.CacheDoc, ttl time.Duration) bool {
	if doc == nil {
		return false
	}
	age := l.now().UnixMilli() - doc.Timestamp
	return age >= 0 && age < ttl.Milliseconds()
}

// Get returns the cached document for key if it is younger than ttl,
// otherwise calls fetch exactly once per in-flight key and caches the
// result. A failed cache write is logged and the fresh data is still
// returned: persistence trouble must not block a cycle that already has
// what it needs.
func (l *Layer) Get(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (any, error)) (Result, error) {
	if doc, ok := l.l1.Get(key); ok {
		if d, ok := doc.(*store.CacheDoc); ok && l.fresh(d, ttl) {
			observability.CacheReads.WithLabelValues(l.name, "hit").Inc()
			return Result{Data: d.Data, CacheHit: true, AgeMs: l.now().UnixMilli() - d.Timestamp}, nil
		}
	}

	if doc, err := l.store.CacheGet(ctx, key); err == nil && l.fresh(doc, ttl) {
		l.l1.Set(key, doc, ttl)
		observability.CacheReads.WithLabelValues(l.name, "hit").Inc()
		return Result{Data: doc.Data, CacheHit: true, AgeMs: l.now().UnixMilli() - doc.Timestamp}, nil
	}

	observability.CacheReads.WithLabelValues(l.name, "miss").Inc()
	v, err, _ := l.group.Do(key, func() (any, error) {
		fetched, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(fetched)
		if err != nil {
			return nil, err
		}
		now := l.now()
		doc := &store.CacheDoc{
			Data:      raw,
			Timestamp: now.UnixMilli(),
			TTLMs:     ttl.Milliseconds(),
			ExpiresAt: now.Add(ttl).Unix(),
		}
		if err := l.store.CachePut(ctx, key, doc); err != nil {
			log.Printf("cache %s: write %s failed: %v", l.name, key, err)
		}
		l.l1.Set(key, doc, ttl)
		return doc, nil
	})
	if err != nil {
		return Result{}, err
	}
	doc := v.(*store.CacheDoc)
	return Result{Data: doc.Data, CacheHit: false, AgeMs: l.now().UnixMilli() - doc.Timestamp}, nil
}

// Invalidate drops a key from both tiers.
func (l *Layer) Invalidate(ctx context.Context, key string) {
	l.l1.Delete(key)
	if err := l.store.CacheDelete(ctx, key); err != nil && err != store.ErrNotFound {
		log.Printf("cache %s: invalidate %s failed: %v", l.name, key, err)
	}
}

// TTLOrDefault picks the tenant override in milliseconds, or def.
func TTLOrDefault(overrideMs int64, def time.Duration) time.Duration {
	if overrideMs > 0 {
		return time.Duration(overrideMs) * time.Millisecond
	}
	return def
}
