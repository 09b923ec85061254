package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/burggraf/iiv25-sub003/internal/queue"
	"github.com/burggraf/iiv25-sub003/pkg/scanapi"
)

type ClientOptions struct {
	LookupBaseURL  string
	OCRBaseURL     string
	CreatorBaseURL string
	APIToken       string
	Timeout        time.Duration
}

// Client talks to the hosted product platform. 5xx responses and transport
// errors come back tagged transient so the queue retries them; 4xx are
// terminal.
type Client struct {
	opts       ClientOptions
	httpClient *http.Client
}

func NewClient(opts ClientOptions) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	opts.LookupBaseURL = strings.TrimRight(opts.LookupBaseURL, "/")
	opts.OCRBaseURL = strings.TrimRight(opts.OCRBaseURL, "/")
	opts.CreatorBaseURL = strings.TrimRight(opts.CreatorBaseURL, "/")
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type lookupRequest struct {
	Barcode string `json:"barcode"`
}

type lookupResponse struct {
	Product       *scanapi.Product `json:"product,omitempty"`
	Error         string           `json:"error,omitempty"`
	IsRateLimited bool             `json:"is_rate_limited,omitempty"`
}

func (c *Client) LookupProductByBarcode(ctx context.Context, barcode string) (LookupResult, error) {
	var resp lookupResponse
	err := c.post(ctx, c.opts.LookupBaseURL+"/v1/products/lookup", lookupRequest{Barcode: barcode}, &resp)
	if err != nil {
		return LookupResult{}, err
	}
	if resp.Error != "" {
		return LookupResult{IsRateLimited: resp.IsRateLimited}, fmt.Errorf("lookup %s: %s", barcode, resp.Error)
	}
	return LookupResult{Product: resp.Product, IsRateLimited: resp.IsRateLimited}, nil
}

type parseRequest struct {
	ImageBase64 string `json:"image_base64"`
	UPC         string `json:"upc"`
	Hint        string `json:"hint,omitempty"`
}

type parseResponse struct {
	ParseResult
	Error string `json:"error,omitempty"`
}

func (c *Client) ParseIngredients(ctx context.Context, imageBase64, upc, hint string) (ParseResult, error) {
	var resp parseResponse
	err := c.post(ctx, c.opts.OCRBaseURL+"/v1/ingredients/parse", parseRequest{ImageBase64: imageBase64, UPC: upc, Hint: hint}, &resp)
	if err != nil {
		return ParseResult{}, err
	}
	if resp.Error != "" {
		return ParseResult{}, fmt.Errorf("parse ingredients for %s: %s", upc, resp.Error)
	}
	return resp.ParseResult, nil
}

type createRequest struct {
	ImageBase64 string `json:"image_base64,omitempty"`
	UPC         string `json:"upc"`
	ImageURI    string `json:"image_uri,omitempty"`
}

type createResponse struct {
	CreateResult
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (c *Client) CreateProductFromPhoto(ctx context.Context, imageBase64, upc, imageURI string) (CreateResult, error) {
	var resp createResponse
	err := c.post(ctx, c.opts.CreatorBaseURL+"/v1/products/from-photo", createRequest{ImageBase64: imageBase64, UPC: upc, ImageURI: imageURI}, &resp)
	if err != nil {
		return CreateResult{}, err
	}
	if resp.Error != "" {
		svcErr := fmt.Errorf("create product %s: %s", upc, resp.Error)
		if resp.Retryable {
			svcErr = queue.MarkTransient(svcErr)
		}
		return CreateResult{}, svcErr
	}
	return resp.CreateResult, nil
}

type updateImageRequest struct {
	ImageURL string `json:"image_url"`
}

type updateImageResponse struct {
	Updated bool   `json:"updated"`
	Error   string `json:"error,omitempty"`
}

func (c *Client) UpdateProductImageURL(ctx context.Context, upc, imageURL string) (bool, error) {
	var resp updateImageResponse
	err := c.post(ctx, c.opts.CreatorBaseURL+"/v1/products/"+url.PathEscape(upc)+"/image", updateImageRequest{ImageURL: imageURL}, &resp)
	if err != nil {
		return false, err
	}
	if resp.Error != "" {
		return false, fmt.Errorf("update image url for %s: %s", upc, resp.Error)
	}
	return resp.Updated, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.APIToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return queue.MarkTransient(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return queue.MarkTransient(err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return queue.MarkTransient(fmt.Errorf("%s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return json.Unmarshal(raw, out)
}
