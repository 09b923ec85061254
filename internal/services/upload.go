package services

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/burggraf/iiv25-sub003/internal/queue"
)

// BlobStore is where prepared product photos land.
type BlobStore interface {
	Put(ctx context.Context, objectName string, data []byte, contentType string) (string, error)
}

type LocalStore struct {
	Dir string
}

func (s *LocalStore) Put(_ context.Context, objectName string, data []byte, _ string) (string, error) {
	path := filepath.Join(s.Dir, objectName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return "file://" + abs, nil
}

type MinIOStoreOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type MinIOStore struct {
	client *minio.Client
	opts   MinIOStoreOptions
}

func NewMinIOStore(opts MinIOStoreOptions) (*MinIOStore, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinIOStore{client: client, opts: opts}, nil
}

func (s *MinIOStore) Put(ctx context.Context, objectName string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.opts.Bucket, objectName, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", queue.MarkTransient(fmt.Errorf("minio put %s: %w", objectName, err))
	}
	scheme := "http"
	if s.opts.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.opts.Endpoint, s.opts.Bucket, objectName), nil
}

// Uploader implements ImageUploader: prepare the photo, put it in blob
// storage, and let the product service record the resulting URL.
type Uploader struct {
	Store   BlobStore
	API     *Client
	MaxSide int
}

func NewUploader(store BlobStore, api *Client, maxSide int) *Uploader {
	if maxSide <= 0 {
		maxSide = 1200
	}
	return &Uploader{Store: store, API: api, MaxSide: maxSide}
}

func (u *Uploader) UploadProductImage(ctx context.Context, uri, upc string) (string, error) {
	img, err := loadImage(uri)
	if err != nil {
		return "", fmt.Errorf("load product photo: %w", err)
	}
	data, err := prepareJPEG(img, u.MaxSide)
	if err != nil {
		return "", err
	}
	objectName := fmt.Sprintf("%s/%s.jpg", upc, uuid.NewString())
	return u.Store.Put(ctx, objectName, data, "image/jpeg")
}

func (u *Uploader) UpdateProductImageURL(ctx context.Context, upc, imageURL string) (bool, error) {
	return u.API.UpdateProductImageURL(ctx, upc, imageURL)
}
