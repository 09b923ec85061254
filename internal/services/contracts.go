// Package services holds the narrow contracts the core consumes (product
// lookup, ingredient OCR, product creation, image upload) plus their HTTP
// and object-storage implementations, and the executors that bridge them
// into the job queue.
package services

import (
	"context"

	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

type LookupResult struct {
	Product       *scanapi.Product `json:"product,omitempty"`
	IsRateLimited bool             `json:"is_rate_limited,omitempty"`
}

// Lookup resolves a barcode to the freshest server-side product record.
type Lookup interface {
	LookupProductByBarcode(ctx context.Context, barcode string) (LookupResult, error)
}

type ParseResult struct {
	Ingredients            []string            `json:"ingredients"`
	Confidence             float64             `json:"confidence"`
	IsValidIngredientsList bool                `json:"is_valid_ingredients_list"`
	Classification         scanapi.VeganStatus `json:"classification,omitempty"`
	// Product is set when the service already folded the parse into an
	// updated product record.
	Product *scanapi.Product `json:"product,omitempty"`
}

type IngredientParser interface {
	ParseIngredients(ctx context.Context, imageBase64, upc, hint string) (ParseResult, error)
}

type CreateResult struct {
	Product     *scanapi.Product `json:"product,omitempty"`
	ProductName string           `json:"product_name,omitempty"`
	Confidence  float64          `json:"confidence,omitempty"`
}

type ProductCreator interface {
	CreateProductFromPhoto(ctx context.Context, imageBase64, upc, imageURI string) (CreateResult, error)
}

// ImageUploader stores a product photo and records its public URL.
type ImageUploader interface {
	UploadProductImage(ctx context.Context, uri, upc string) (string, error)
	UpdateProductImageURL(ctx context.Context, upc, imageURL string) (bool, error)
}

// Enqueuer is the slice of the job queue that executors use to chain
// follow-up work.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec scanapi.JobSpec) (scanapi.Job, error)
}
