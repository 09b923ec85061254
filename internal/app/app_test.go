package app

import (
	"context"
	"encoding/json"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"github.com/burggraf/iiv25-sub003/internal/config"
	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

func writeTestPhoto(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.png")
	img := imaging.New(640, 480, color.NRGBA{R: 180, G: 170, B: 150, A: 255})
	if err := imaging.Save(img, path); err != nil {
		t.Fatalf("save photo: %v", err)
	}
	return path
}

func newTestApp(t *testing.T, lookupURL, creatorURL string) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Services.LookupBaseURL = lookupURL
	cfg.Services.CreatorBaseURL = creatorURL
	cfg.Services.Timeout = 5 * time.Second
	cfg.Queue.RetryBackoff = 10 * time.Millisecond
	cfg.Upload.LocalDir = t.TempDir()

	a, err := New(Options{Config: cfg})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func waitTerminal(t *testing.T, ch <-chan scanapi.JobEvent, jobType scanapi.JobType) scanapi.JobEvent {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			return ev
		case <-deadline:
			t.Fatalf("timed out waiting for terminal event of %s", jobType)
		}
	}
}

func TestProductCreationWorkflowEndToEnd(t *testing.T) {
	product := scanapi.Product{Barcode: "123456789012", Name: "Oat Milk", Status: scanapi.StatusVegan}

	lookup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"product": product})
	}))
	defer lookup.Close()

	creator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/products/from-photo":
			json.NewEncoder(w).Encode(map[string]any{
				"product":      product,
				"product_name": "Oat Milk",
				"confidence":   0.91,
			})
		case strings.HasSuffix(r.URL.Path, "/image"):
			json.NewEncoder(w).Encode(map[string]any{"updated": true})
		default:
			http.NotFound(w, r)
		}
	}))
	defer creator.Close()

	a := newTestApp(t, lookup.URL, creator.URL)

	uploadDone := make(chan scanapi.JobEvent, 4)
	unsubscribe := a.Queue.Subscribe(func(event scanapi.JobEvent, job *scanapi.Job) {
		if job != nil && job.Type == scanapi.JobProductPhotoUpload &&
			(event == scanapi.EventJobCompleted || event == scanapi.EventJobFailed) {
			uploadDone <- event
		}
	})
	defer unsubscribe()

	_, err := a.Queue.Enqueue(context.Background(), scanapi.JobSpec{
		Type:          scanapi.JobProductCreation,
		UPC:           "123456789012",
		ImageURI:      "file://" + writeTestPhoto(t),
		WorkflowID:    "wf-1",
		WorkflowSteps: &scanapi.WorkflowSteps{Current: 1, Total: 2},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if ev := waitTerminal(t, uploadDone, scanapi.JobProductPhotoUpload); ev != scanapi.EventJobCompleted {
		t.Fatalf("upload ended with %s", ev)
	}

	cached, ok := a.Cache.GetProduct("123456789012")
	if !ok || cached.Name != "Oat Milk" {
		t.Fatalf("cached product = %+v ok=%v", cached, ok)
	}
	if !strings.Contains(cached.ImageURL, "?v=") {
		t.Fatalf("expected cache-busted image url, got %q", cached.ImageURL)
	}

	items := a.History.Items()
	if len(items) != 1 || items[0].Barcode != "123456789012" {
		t.Fatalf("history = %+v", items)
	}
	if !items[0].IsNew {
		t.Fatal("uploaded photo should badge the history item as new")
	}
	if a.History.NewItemsCount() != 1 {
		t.Fatalf("new count = %d", a.History.NewItemsCount())
	}
}

func TestFailedCreationInvalidatesCache(t *testing.T) {
	lookup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer lookup.Close()

	creator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "model overloaded", "retryable": true})
	}))
	defer creator.Close()

	a := newTestApp(t, lookup.URL, creator.URL)
	a.Cache.SetProduct("123456789012", scanapi.Product{Barcode: "123456789012", Name: "Stale Entry"})

	done := make(chan scanapi.JobEvent, 4)
	unsubscribe := a.Queue.Subscribe(func(event scanapi.JobEvent, job *scanapi.Job) {
		if event == scanapi.EventJobCompleted || event == scanapi.EventJobFailed {
			done <- event
		}
	})
	defer unsubscribe()

	_, err := a.Queue.Enqueue(context.Background(), scanapi.JobSpec{
		Type:        scanapi.JobProductCreation,
		UPC:         "123456789012",
		ImageBase64: "aGk=",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if ev := waitTerminal(t, done, scanapi.JobProductCreation); ev != scanapi.EventJobFailed {
		t.Fatalf("expected job_failed after retry exhaustion, got %s", ev)
	}

	if _, ok := a.Cache.GetProduct("123456789012"); ok {
		t.Fatal("failed creation must invalidate the cached product")
	}
}

func TestRecentlyViewedSuppressesUploadBadge(t *testing.T) {
	product := scanapi.Product{Barcode: "222222222222", Name: "Granola"}

	lookup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"product": product})
	}))
	defer lookup.Close()

	creator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"updated": true})
	}))
	defer creator.Close()

	a := newTestApp(t, lookup.URL, creator.URL)
	a.Cache.SetProduct("222222222222", product)
	a.History.Add(product, false)
	a.History.MarkAsViewed("222222222222")

	done := make(chan scanapi.JobEvent, 4)
	unsubscribe := a.Queue.Subscribe(func(event scanapi.JobEvent, job *scanapi.Job) {
		if event == scanapi.EventJobCompleted || event == scanapi.EventJobFailed {
			done <- event
		}
	})
	defer unsubscribe()

	_, err := a.Queue.Enqueue(context.Background(), scanapi.JobSpec{
		Type:     scanapi.JobProductPhotoUpload,
		UPC:      "222222222222",
		ImageURI: "file://" + writeTestPhoto(t),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if ev := waitTerminal(t, done, scanapi.JobProductPhotoUpload); ev != scanapi.EventJobCompleted {
		t.Fatalf("upload ended with %s", ev)
	}

	items := a.History.Items()
	if len(items) != 1 {
		t.Fatalf("history = %+v", items)
	}
	if items[0].IsNew {
		t.Fatal("a just-viewed item must not be re-badged by its own upload")
	}
	if !strings.Contains(items[0].CachedProduct.ImageURL, "?v=") {
		t.Fatalf("history snapshot missing new image url: %+v", items[0].CachedProduct)
	}
}
