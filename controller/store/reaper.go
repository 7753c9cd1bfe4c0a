package store

import (
	"context"
	"log"
	"time"
)

// CacheReaper is a background worker that deletes cache documents whose
// expiresAt has passed. Readers re-check timestamp+ttlMs themselves, so
// this is purely reclamation, never a correctness dependency.
type CacheReaper struct {
	store    Store
	interval time.Duration
}

// NewCacheReaper creates a reaper sweeping at the given interval.
func NewCacheReaper(store Store, interval time.Duration) *CacheReaper {
	return &CacheReaper{store: store, interval: interval}
}

// Start launches the sweep loop until the context is cancelled.
func (r *CacheReaper) Start(ctx context.Context) {
	go r.loop(ctx)
}

func (r *CacheReaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				log.Printf("cache reaper sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("cache reaper reclaimed %d expired documents", n)
			}
		}
	}
}

// Sweep deletes every expired cache document and returns the count.
func (r *CacheReaper) Sweep(ctx context.Context) (int, error) {
	keys, err := r.store.ListCacheKeys(ctx, "")
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	reclaimed := 0
	for _, key := range keys {
		doc, err := r.store.CacheGet(ctx, key)
		if err != nil {
			continue // already gone or unreadable; next sweep retries
		}
		if doc.ExpiresAt > 0 && doc.ExpiresAt < now {
			if err := r.store.CacheDelete(ctx, key); err != nil {
				log.Printf("cache reaper failed to delete %s: %v", key, err)
				continue
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}
