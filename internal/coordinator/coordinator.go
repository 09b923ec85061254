// Package coordinator turns job outcomes into cache operations. It is the
// only component that decides when a job result should overwrite, refresh,
// or invalidate a cached product.
package coordinator

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/burggraf/iiv25-sub003/internal/cache"
	"github.com/burggraf/iiv25-sub003/internal/observability"
	"github.com/burggraf/iiv25-sub003/internal/services"
	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

// PhotoUploadHandler receives successful photo-upload results. The cache
// write for uploads goes through the history "mark as new" path, which
// knows whether the user was just looking at the item; the coordinator
// does not write the cache for uploads itself.
type PhotoUploadHandler func(upc, imageURL string)

type Options struct {
	Cache         *cache.ProductCache
	Lookup        services.Lookup
	PhotoUploaded PhotoUploadHandler
	LookupTimeout time.Duration
}

type Coordinator struct {
	cache         *cache.ProductCache
	lookup        services.Lookup
	photoUploaded PhotoUploadHandler
	lookupTimeout time.Duration
}

func New(opts Options) *Coordinator {
	timeout := opts.LookupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		cache:         opts.Cache,
		lookup:        opts.Lookup,
		photoUploaded: opts.PhotoUploaded,
		lookupTimeout: timeout,
	}
}

// HandleJobEvent is registered as a queue subscriber. It never panics out:
// a bad result payload is logged and skipped, not allowed to take down the
// event loop shared with other subscribers.
func (c *Coordinator) HandleJobEvent(event scanapi.JobEvent, job *scanapi.Job) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("coordinator: recovered handling %s: %v", event, r)
		}
	}()
	switch event {
	case scanapi.EventJobCompleted:
		c.onCompleted(job)
	case scanapi.EventJobFailed:
		c.onFailed(job)
	default:
		// job_added, job_updated and jobs_cleared say nothing about
		// data validity.
	}
}

func (c *Coordinator) onCompleted(job *scanapi.Job) {
	switch job.Type {
	case scanapi.JobIngredientParsing:
		if product, ok := productFromResult(job.ResultData); ok {
			c.cache.SetProduct(job.UPC, product)
			observability.Default.IncCounter("coordinator_cache_writes_total", map[string]string{"source": "parsing_result"}, 1)
			return
		}
		c.refresh(job.UPC, "parsing_refetch")
	case scanapi.JobProductCreation:
		// A brand-new record is never reflected in a previously cached
		// value, so always re-fetch.
		c.refresh(job.UPC, "creation_refetch")
	case scanapi.JobProductPhotoUpload:
		imageURL, _ := job.ResultData["image_url"].(string)
		log.Printf("coordinator: photo upload for %s completed, deferring cache write", job.UPC)
		if c.photoUploaded != nil {
			c.photoUploaded(job.UPC, imageURL)
		}
	}
}

func (c *Coordinator) onFailed(job *scanapi.Job) {
	switch job.Type {
	case scanapi.JobProductCreation:
		// A failed creation means the product genuinely does not exist
		// yet; a stale "not found" entry would block a clean retry.
		c.cache.InvalidateProduct(job.UPC, "product creation failed")
	default:
		// Parsing and upload failures keep last-known-good data.
		log.Printf("coordinator: %s for %s failed, keeping cached value", job.Type, job.UPC)
	}
}

func (c *Coordinator) refresh(upc, source string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.lookupTimeout)
	defer cancel()
	res, err := c.lookup.LookupProductByBarcode(ctx, upc)
	if err != nil {
		if res.IsRateLimited {
			log.Printf("coordinator: lookup for %s rate limited, skipping refresh", upc)
		} else {
			log.Printf("coordinator: lookup for %s: %v", upc, err)
		}
		return
	}
	if res.Product == nil {
		return
	}
	c.cache.SetProduct(upc, *res.Product)
	observability.Default.IncCounter("coordinator_cache_writes_total", map[string]string{"source": source}, 1)
}

// productFromResult extracts an updated product from job result data. After
// a restart the result has been through a JSON round trip, so the value may
// be a map rather than a typed product.
func productFromResult(result map[string]any) (scanapi.Product, bool) {
	raw, ok := result["product"]
	if !ok || raw == nil {
		return scanapi.Product{}, false
	}
	switch v := raw.(type) {
	case *scanapi.Product:
		if v == nil {
			return scanapi.Product{}, false
		}
		return *v, true
	case scanapi.Product:
		return v, true
	default:
		buf, err := json.Marshal(raw)
		if err != nil {
			return scanapi.Product{}, false
		}
		var p scanapi.Product
		if err := json.Unmarshal(buf, &p); err != nil || p.Barcode == "" {
			return scanapi.Product{}, false
		}
		return p, true
	}
}
