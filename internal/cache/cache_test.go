package cache

import (
	"context"
	"testing"

	"github.com/burggraf/iiv25-sub003/internal/state"
	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

type recordingListener struct {
	updated     []string
	invalidated []string
	reasons     []string
	cleared     int
}

func (r *recordingListener) OnCacheUpdated(barcode string, _ scanapi.Product) {
	r.updated = append(r.updated, barcode)
}

func (r *recordingListener) OnCacheInvalidated(barcode, reason string) {
	r.invalidated = append(r.invalidated, barcode)
	r.reasons = append(r.reasons, reason)
}

func (r *recordingListener) OnCacheCleared() { r.cleared++ }

func TestSetGetInvalidate(t *testing.T) {
	c := New(state.NewMemoryKV())
	rec := &recordingListener{}
	c.AddListener(rec)

	if _, ok := c.GetProduct("123"); ok {
		t.Fatalf("expected miss for unknown barcode")
	}
	c.SetProduct("123", scanapi.Product{Barcode: "123", Name: "Oat Milk", Status: scanapi.StatusVegan})
	p, ok := c.GetProduct("123")
	if !ok || p.Name != "Oat Milk" {
		t.Fatalf("expected cached product, got ok=%v p=%+v", ok, p)
	}

	// Last write wins, no merging.
	c.SetProduct("123", scanapi.Product{Barcode: "123", Name: "Oat Milk Barista"})
	p, _ = c.GetProduct("123")
	if p.Name != "Oat Milk Barista" || p.Status != "" {
		t.Fatalf("expected full overwrite, got %+v", p)
	}

	c.InvalidateProduct("123", "creation_failed")
	if _, ok := c.GetProduct("123"); ok {
		t.Fatalf("expected invalidation to remove entry")
	}
	if len(rec.updated) != 2 || len(rec.invalidated) != 1 {
		t.Fatalf("unexpected listener calls: %+v", rec)
	}
	if rec.reasons[0] != "creation_failed" {
		t.Fatalf("expected reason to propagate, got %q", rec.reasons[0])
	}
}

func TestClearNotifiesListeners(t *testing.T) {
	c := New(state.NewMemoryKV())
	rec := &recordingListener{}
	c.AddListener(rec)
	c.SetProduct("1", scanapi.Product{Barcode: "1"})
	c.SetProduct("2", scanapi.Product{Barcode: "2"})
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after clear")
	}
	if rec.cleared != 1 {
		t.Fatalf("expected one cleared callback, got %d", rec.cleared)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := New(state.NewMemoryKV())
	rec := &recordingListener{}
	off := c.AddListener(rec)
	c.SetProduct("1", scanapi.Product{Barcode: "1"})
	off()
	c.SetProduct("2", scanapi.Product{Barcode: "2"})
	if len(rec.updated) != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %v", rec.updated)
	}
}

func TestSnapshotSurvivesReload(t *testing.T) {
	kv := state.NewMemoryKV()
	c := New(kv)
	c.SetProduct("555", scanapi.Product{Barcode: "555", Name: "Tofu", Status: scanapi.StatusVegan})

	c2 := New(kv)
	if err := c2.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	p, ok := c2.GetProduct("555")
	if !ok || p.Name != "Tofu" {
		t.Fatalf("expected snapshot reload, got ok=%v p=%+v", ok, p)
	}
}
