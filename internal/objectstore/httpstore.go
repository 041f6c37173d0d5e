// Package objectstore implements the storage download client the
// background path uses to fetch a C3D recording's raw bytes: a direct
// net/http client against a Supabase-Storage-style REST endpoint
// (GET {baseURL}/storage/v1/object/{bucket}/{objectPath}).
package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPStore downloads objects from a Supabase-Storage-compatible REST
// API, implementing session.ObjectStore.
type HTTPStore struct {
	BaseURL    string
	ServiceKey string
	Client     *http.Client
}

// NewHTTPStore builds an HTTPStore with a bounded-timeout HTTP client.
func NewHTTPStore(baseURL, serviceKey string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPStore{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		ServiceKey: serviceKey,
		Client:     &http.Client{Timeout: timeout},
	}
}

// Download fetches the raw bytes of a stored object.
func (s *HTTPStore) Download(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", s.BaseURL, bucket, strings.TrimPrefix(objectPath, "/"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	if s.ServiceKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.ServiceKey)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading object %s/%s: %w", bucket, objectPath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("object storage returned status %d for %s/%s", resp.StatusCode, bucket, objectPath)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object body: %w", err)
	}
	return body, nil
}
