// Package cache holds the authoritative in-memory view of the last-known
// product state per barcode, with a persisted snapshot for cold start.
package cache

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/burggraf/iiv25-sub003/internal/observability"
	"github.com/burggraf/iiv25-sub003/internal/state"
	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

const snapshotKey = "cache:products"

// Listener observes cache mutations. The relationship is strictly one-way:
// the cache never learns who listens, which keeps the history log free to
// subscribe without creating a cycle.
type Listener interface {
	OnCacheUpdated(barcode string, product scanapi.Product)
	OnCacheInvalidated(barcode, reason string)
	OnCacheCleared()
}

type ProductCache struct {
	mu        sync.Mutex
	kv        state.KV
	products  map[string]scanapi.Product
	listeners map[int]Listener
	nextID    int
}

func New(kv state.KV) *ProductCache {
	return &ProductCache{
		kv:        kv,
		products:  make(map[string]scanapi.Product),
		listeners: make(map[int]Listener),
	}
}

// Initialize loads the persisted snapshot. Safe to call on an empty store.
func (c *ProductCache) Initialize(ctx context.Context) error {
	raw, ok, err := c.kv.Get(ctx, snapshotKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	loaded := make(map[string]scanapi.Product)
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return err
	}
	c.mu.Lock()
	c.products = loaded
	c.mu.Unlock()
	return nil
}

// AddListener registers l and returns its unsubscribe function. Callers own
// the disposer and must invoke it when their lifecycle ends.
func (c *ProductCache) AddListener(l Listener) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *ProductCache) GetProduct(barcode string) (scanapi.Product, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[barcode]
	if ok {
		observability.Default.IncCounter("cache_hits_total", nil, 1)
	} else {
		observability.Default.IncCounter("cache_misses_total", nil, 1)
	}
	return p, ok
}

// SetProduct overwrites the entry for barcode. Last write wins; there is no
// field merging.
func (c *ProductCache) SetProduct(barcode string, product scanapi.Product) {
	c.mu.Lock()
	c.products[barcode] = product
	c.persistLocked()
	ls := c.listenersLocked()
	c.mu.Unlock()
	observability.Default.IncCounter("cache_updates_total", nil, 1)
	for _, l := range ls {
		l.OnCacheUpdated(barcode, product)
	}
}

// InvalidateProduct removes the entry for barcode. The reason string is for
// diagnostics only.
func (c *ProductCache) InvalidateProduct(barcode, reason string) {
	c.mu.Lock()
	_, existed := c.products[barcode]
	delete(c.products, barcode)
	c.persistLocked()
	ls := c.listenersLocked()
	c.mu.Unlock()
	if existed {
		observability.Default.IncCounter("cache_invalidations_total", map[string]string{"reason": reason}, 1)
	}
	for _, l := range ls {
		l.OnCacheInvalidated(barcode, reason)
	}
}

func (c *ProductCache) Clear() {
	c.mu.Lock()
	c.products = make(map[string]scanapi.Product)
	c.persistLocked()
	ls := c.listenersLocked()
	c.mu.Unlock()
	for _, l := range ls {
		l.OnCacheCleared()
	}
}

func (c *ProductCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.products)
}

func (c *ProductCache) listenersLocked() []Listener {
	out := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		out = append(out, l)
	}
	return out
}

func (c *ProductCache) persistLocked() {
	raw, err := json.Marshal(c.products)
	if err != nil {
		log.Printf("cache: marshal snapshot: %v", err)
		return
	}
	if err := c.kv.Set(context.Background(), snapshotKey, raw); err != nil {
		log.Printf("cache: persist snapshot: %v", err)
	}
}
