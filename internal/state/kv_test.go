package state

import (
	"context"
	"path/filepath"
	"testing"
)

func kvBackends(t *testing.T) map[string]KV {
	t.Helper()
	sqlite, err := NewSQLiteKV(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]KV{
		"memory": NewMemoryKV(),
		"sqlite": sqlite,
	}
}

func TestKVRoundTrip(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, ok, err := kv.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
			}
			if err := kv.Set(ctx, "product:123", []byte(`{"barcode":"123"}`)); err != nil {
				t.Fatalf("set: %v", err)
			}
			v, ok, err := kv.Get(ctx, "product:123")
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if string(v) != `{"barcode":"123"}` {
				t.Fatalf("unexpected value %q", v)
			}
			if err := kv.Set(ctx, "product:123", []byte(`{"barcode":"123","name":"x"}`)); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			v, _, _ = kv.Get(ctx, "product:123")
			if string(v) != `{"barcode":"123","name":"x"}` {
				t.Fatalf("overwrite not applied: %q", v)
			}
			if err := kv.Delete(ctx, "product:123"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := kv.Get(ctx, "product:123"); ok {
				t.Fatalf("expected delete to remove key")
			}
		})
	}
}

func TestKVKeysByPrefix(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, k := range []string{"job:b", "job:a", "product:1", "history"} {
				if err := kv.Set(ctx, k, []byte("{}")); err != nil {
					t.Fatalf("set %s: %v", k, err)
				}
			}
			keys, err := kv.Keys(ctx, "job:")
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			if len(keys) != 2 || keys[0] != "job:a" || keys[1] != "job:b" {
				t.Fatalf("unexpected keys %v", keys)
			}
		})
	}
}

func TestSQLiteKVSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	ctx := context.Background()

	kv, err := NewSQLiteKV(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := kv.Set(ctx, "history", []byte(`[{"barcode":"1"}]`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := kv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	kv2, err := NewSQLiteKV(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv2.Close()
	v, ok, err := kv2.Get(ctx, "history")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if string(v) != `[{"barcode":"1"}]` {
		t.Fatalf("unexpected value %q", v)
	}
}
