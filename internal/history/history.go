// Package history keeps the de-duplicated, recency-ordered, size-bounded
// log of scanned products that backs the scan-history screen and its
// "new item" badge.
package history

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/burggraf/iiv25-sub003/internal/observability"
	"github.com/burggraf/iiv25-sub003/internal/state"
	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

const itemsKey = "history:items"

type Options struct {
	MaxItems         int
	RecentViewWindow time.Duration
}

// Log is ordered most-recent first: index 0 is the latest scan and the tail
// holds the eviction candidate. At most one item exists per barcode.
type Log struct {
	mu         sync.Mutex
	kv         state.KV
	items      []scanapi.HistoryItem
	maxItems   int
	viewWindow time.Duration
	now        func() time.Time
}

func New(kv state.KV, opts Options) *Log {
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = 500
	}
	window := opts.RecentViewWindow
	if window <= 0 {
		window = 3 * time.Second
	}
	return &Log{
		kv:         kv,
		items:      make([]scanapi.HistoryItem, 0, 64),
		maxItems:   maxItems,
		viewWindow: window,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Initialize loads the persisted list. Safe on an empty store.
func (l *Log) Initialize(ctx context.Context) error {
	raw, ok, err := l.kv.Get(ctx, itemsKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var items []scanapi.HistoryItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return err
	}
	if len(items) > l.maxItems {
		items = items[:l.maxItems]
	}
	l.mu.Lock()
	l.items = items
	l.mu.Unlock()
	return nil
}

// Add records a scan of product. A re-scan moves the existing item to the
// front with a refreshed timestamp instead of duplicating it, keeping its
// lastViewedAt. Insertion beyond the bound evicts the tail.
func (l *Log) Add(product scanapi.Product, isNew bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	item := scanapi.HistoryItem{
		Barcode:       product.Barcode,
		ScannedAt:     now,
		CachedProduct: product,
		IsNew:         isNew,
	}
	if idx := l.indexOfLocked(product.Barcode); idx >= 0 {
		item.LastViewedAt = l.items[idx].LastViewedAt
		l.items = append(l.items[:idx], l.items[idx+1:]...)
	}
	l.items = append([]scanapi.HistoryItem{item}, l.items...)
	if len(l.items) > l.maxItems {
		evicted := len(l.items) - l.maxItems
		l.items = l.items[:l.maxItems]
		observability.Default.IncCounter("history_evictions_total", nil, float64(evicted))
	}
	l.persistLocked()
}

// Items returns a copy ordered most-recent first.
func (l *Log) Items() []scanapi.HistoryItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]scanapi.HistoryItem, len(l.items))
	copy(out, l.items)
	return out
}

// MarkAsViewed clears the isNew badge and stamps lastViewedAt. An unknown
// barcode is a logged no-op, not an error.
func (l *Log) MarkAsViewed(barcode string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexOfLocked(barcode)
	if idx < 0 {
		log.Printf("history: mark as viewed for unknown barcode %s", barcode)
		return
	}
	l.items[idx].IsNew = false
	l.items[idx].LastViewedAt = l.now()
	l.persistLocked()
}

// WasRecentlyViewed reports whether the user looked at barcode inside the
// view window. The window is short on purpose: someone who takes a photo
// and waits should still get the badge when the job lands.
func (l *Log) WasRecentlyViewed(barcode string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexOfLocked(barcode)
	if idx < 0 || l.items[idx].LastViewedAt.IsZero() {
		return false
	}
	return l.now().Sub(l.items[idx].LastViewedAt) <= l.viewWindow
}

func (l *Log) NewItemsCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, it := range l.items {
		if it.IsNew {
			n++
		}
	}
	return n
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = l.items[:0]
	l.persistLocked()
}

// OnCacheUpdated refreshes only the displayed snapshot for a barcode already
// in history. A cache update never creates a history entry.
func (l *Log) OnCacheUpdated(barcode string, product scanapi.Product) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexOfLocked(barcode)
	if idx < 0 {
		return
	}
	l.items[idx].CachedProduct = product
	l.persistLocked()
}

// OnCacheInvalidated drops the item: its displayed snapshot is no longer
// trustworthy.
func (l *Log) OnCacheInvalidated(barcode, _ string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexOfLocked(barcode)
	if idx < 0 {
		return
	}
	l.items = append(l.items[:idx], l.items[idx+1:]...)
	l.persistLocked()
}

func (l *Log) OnCacheCleared() {
	l.Clear()
}

func (l *Log) indexOfLocked(barcode string) int {
	for i, it := range l.items {
		if it.Barcode == barcode {
			return i
		}
	}
	return -1
}

func (l *Log) persistLocked() {
	raw, err := json.Marshal(l.items)
	if err != nil {
		log.Printf("history: marshal items: %v", err)
		return
	}
	if err := l.kv.Set(context.Background(), itemsKey, raw); err != nil {
		log.Printf("history: persist items: %v", err)
	}
}
