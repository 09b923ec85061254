package state

import "context"

// KV is the durability contract the cache, history log, and job queue share.
// Values are opaque JSON blobs; components own their key namespaces
// (product:<barcode>, history, job:<id>).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
