// Package app assembles the core: store, cache, history, queue, executors,
// coordinator, and camera arbiter, with an explicit lifecycle instead of
// package-level singletons.
package app

import (
	"context"
	"fmt"
	"log"

	"github.com/burggraf/iiv25-sub003/internal/cache"
	"github.com/burggraf/iiv25-sub003/internal/camera"
	"github.com/burggraf/iiv25-sub003/internal/config"
	"github.com/burggraf/iiv25-sub003/internal/coordinator"
	"github.com/burggraf/iiv25-sub003/internal/history"
	"github.com/burggraf/iiv25-sub003/internal/queue"
	"github.com/burggraf/iiv25-sub003/internal/services"
	"github.com/burggraf/iiv25-sub003/internal/state"
	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

type Options struct {
	Config *config.Config
	// Device is the physical camera, nil when running headless.
	Device camera.Device
	// Lookup overrides the HTTP lookup collaborator, used by tests.
	Lookup services.Lookup
}

type App struct {
	cfg *config.Config
	kv  state.KV

	Queue   *queue.Queue
	Cache   *cache.ProductCache
	History *history.Log
	Camera  *camera.Arbiter

	lookup       services.Lookup
	coordinator  *coordinator.Coordinator
	unsubscribes []func()
}

func New(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}

	kv, err := newStore(cfg)
	if err != nil {
		return nil, err
	}

	client := services.NewClient(services.ClientOptions{
		LookupBaseURL:  cfg.Services.LookupBaseURL,
		OCRBaseURL:     cfg.Services.OCRBaseURL,
		CreatorBaseURL: cfg.Services.CreatorBaseURL,
		APIToken:       cfg.Services.APIToken,
		Timeout:        cfg.Services.Timeout,
	})
	lookup := opts.Lookup
	if lookup == nil {
		lookup = client
	}

	a := &App{
		cfg: cfg,
		kv:  kv,
		Queue: queue.New(kv, queue.Options{
			Concurrency:       cfg.Queue.Concurrency,
			MaxAttempts:       cfg.Queue.MaxAttempts,
			RetryBackoff:      cfg.Queue.RetryBackoff,
			FinishedRetention: cfg.Queue.FinishedRetention,
		}),
		Cache: cache.New(kv),
		History: history.New(kv, history.Options{
			MaxItems:         cfg.History.MaxItems,
			RecentViewWindow: cfg.History.RecentViewWindow,
		}),
		Camera: camera.New(camera.Options{
			SoftClaimTimeout:    cfg.Camera.SoftClaimTimeout,
			HardClaimTimeout:    cfg.Camera.HardClaimTimeout,
			Device:              opts.Device,
			PermissionGranted:   opts.Device != nil,
			PhotoWorkflowOwners: []string{"add-product-flow", "report-issue-flow"},
		}),
		lookup: lookup,
	}

	uploader, err := newUploader(cfg, client)
	if err != nil {
		kv.Close()
		return nil, err
	}

	a.Queue.RegisterExecutor(scanapi.JobIngredientParsing, &services.ParsingExecutor{Parser: client})
	a.Queue.RegisterExecutor(scanapi.JobProductCreation, &services.CreationExecutor{Creator: client, Chain: a.Queue})
	a.Queue.RegisterExecutor(scanapi.JobProductPhotoUpload, &services.UploadExecutor{Uploader: uploader})

	a.coordinator = coordinator.New(coordinator.Options{
		Cache:         a.Cache,
		Lookup:        lookup,
		PhotoUploaded: a.onPhotoUploaded,
		LookupTimeout: cfg.Services.Timeout,
	})

	return a, nil
}

func newStore(cfg *config.Config) (state.KV, error) {
	switch cfg.Store.Kind {
	case "memory":
		return state.NewMemoryKV(), nil
	case "sqlite":
		return state.NewSQLiteKV(cfg.Store.Path)
	default:
		return nil, fmt.Errorf("unsupported store kind %q", cfg.Store.Kind)
	}
}

func newUploader(cfg *config.Config, client *services.Client) (services.ImageUploader, error) {
	var store services.BlobStore
	switch cfg.Upload.Backend {
	case "local":
		store = &services.LocalStore{Dir: cfg.Upload.LocalDir}
	case "minio":
		s, err := services.NewMinIOStore(services.MinIOStoreOptions{
			Endpoint:  cfg.Upload.MinIOEndpoint,
			AccessKey: cfg.Upload.MinIOAccessKey,
			SecretKey: cfg.Upload.MinIOSecretKey,
			Bucket:    cfg.Upload.MinIOBucket,
			UseSSL:    cfg.Upload.MinIOUseSSL,
		})
		if err != nil {
			return nil, err
		}
		store = s
	default:
		return nil, fmt.Errorf("unsupported upload backend %q", cfg.Upload.Backend)
	}
	return services.NewUploader(store, client, cfg.Upload.MaxImageSide), nil
}

// Initialize loads persisted state, wires the listeners, and starts the
// queue dispatch loop.
func (a *App) Initialize(ctx context.Context) error {
	if err := a.Cache.Initialize(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := a.History.Initialize(ctx); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if err := a.Queue.Initialize(ctx); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	a.unsubscribes = append(a.unsubscribes,
		a.Cache.AddListener(a.History),
		a.Queue.Subscribe(a.coordinator.HandleJobEvent),
	)

	a.Queue.Start(ctx)
	return nil
}

// onPhotoUploaded is the terminal step of a photo-upload workflow. The
// cache write goes through the history path because the "new badge"
// decision needs history's recency-of-viewing state.
func (a *App) onPhotoUploaded(upc, imageURL string) {
	product, ok := a.Cache.GetProduct(upc)
	if !ok {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Services.Timeout)
		res, err := a.lookup.LookupProductByBarcode(ctx, upc)
		cancel()
		if err != nil || res.Product == nil {
			log.Printf("app: no product for uploaded photo %s: %v", upc, err)
			return
		}
		product = *res.Product
	}
	product.ImageURL = imageURL

	// A user who is looking at the item right now does not need a badge.
	isNew := !a.History.WasRecentlyViewed(upc)
	a.History.Add(product, isNew)
	a.Cache.SetProduct(upc, product)
}

// Shutdown stops the queue and closes the store. Safe to call once.
func (a *App) Shutdown(ctx context.Context) error {
	for _, unsub := range a.unsubscribes {
		unsub()
	}
	a.unsubscribes = nil
	err := a.Queue.Shutdown(ctx)
	if cerr := a.kv.Close(); err == nil {
		err = cerr
	}
	return err
}
