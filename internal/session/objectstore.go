package session

import "context"

// ObjectStore is the narrow object-storage contract the background path
// downloads through.
type ObjectStore interface {
	Download(ctx context.Context, bucket, objectPath string) ([]byte, error)
}
