package services

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

// ParsingExecutor runs ingredient_parsing jobs against the OCR service.
type ParsingExecutor struct {
	Parser IngredientParser
}

func (e *ParsingExecutor) Execute(ctx context.Context, job scanapi.Job) (map[string]any, error) {
	res, err := e.Parser.ParseIngredients(ctx, job.ImageBase64, job.UPC, "")
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"ingredients":               res.Ingredients,
		"confidence":                res.Confidence,
		"is_valid_ingredients_list": res.IsValidIngredientsList,
	}
	if res.Classification != "" {
		out["classification"] = string(res.Classification)
	}
	if res.Product != nil {
		out["product"] = res.Product
	}
	return out, nil
}

// CreationExecutor runs product_creation jobs. On success with a photo URI
// it chains the photo upload as a follow-up job in the same workflow.
type CreationExecutor struct {
	Creator ProductCreator
	Chain   Enqueuer
}

func (e *CreationExecutor) Execute(ctx context.Context, job scanapi.Job) (map[string]any, error) {
	res, err := e.Creator.CreateProductFromPhoto(ctx, job.ImageBase64, job.UPC, job.ImageURI)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"product_name": res.ProductName,
		"confidence":   res.Confidence,
	}
	if res.Product != nil {
		out["product"] = res.Product
	}
	if job.ImageURI != "" && e.Chain != nil {
		followUp := scanapi.JobSpec{
			Type:       scanapi.JobProductPhotoUpload,
			UPC:        job.UPC,
			ImageURI:   job.ImageURI,
			WorkflowID: job.WorkflowID,
		}
		if job.WorkflowSteps != nil {
			followUp.WorkflowSteps = &scanapi.WorkflowSteps{
				Current: job.WorkflowSteps.Current + 1,
				Total:   job.WorkflowSteps.Total,
			}
		}
		chained, err := e.Chain.Enqueue(ctx, followUp)
		if err != nil {
			// The product exists; a lost photo upload is recoverable from
			// the UI, so the creation itself still completes.
			log.Printf("services: chaining photo upload for %s: %v", job.UPC, err)
		} else {
			out["chained_job_id"] = chained.ID
		}
	}
	return out, nil
}

// UploadExecutor runs product_photo_upload jobs: store the photo, record
// the URL. The URL carries a cache-busting token so clients holding the old
// image re-fetch instead of serving a stale cached copy.
type UploadExecutor struct {
	Uploader ImageUploader
}

func (e *UploadExecutor) Execute(ctx context.Context, job scanapi.Job) (map[string]any, error) {
	imageURL, err := e.Uploader.UploadProductImage(ctx, job.ImageURI, job.UPC)
	if err != nil {
		return nil, err
	}
	busted := imageURL + "?v=" + strconv.FormatInt(time.Now().UTC().Unix(), 10)
	updated, err := e.Uploader.UpdateProductImageURL(ctx, job.UPC, busted)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, fmt.Errorf("product %s not found while recording image url", job.UPC)
	}
	return map[string]any{"image_url": busted}, nil
}
