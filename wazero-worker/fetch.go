package wazeroworker

import (
	"context"
	"io/fs"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

// Fetcher retrieves a module that has no inline payload.
type Fetcher interface {
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// FSFetcher reads modules from a filesystem, such as the embedded assets
// or os.DirFS.
type FSFetcher struct {
	FS fs.FS
}

// Fetch implements Fetcher.
func (f FSFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	name = strings.TrimPrefix(name, "/")
	if !fs.ValidPath(name) {
		return nil, errors.Errorf("invalid module path %q", name)
	}
	return fs.ReadFile(f.FS, name)
}

// HTTPFetcher downloads modules relative to a base URL.
// Names that are already absolute http(s) URLs are fetched as-is.
type HTTPFetcher struct {
	client  *resty.Client
	baseURL string
}

// NewHTTPFetcher creates a fetcher for baseURL. A nil client uses resty.New().
func NewHTTPFetcher(baseURL string, client *resty.Client) *HTTPFetcher {
	if client == nil {
		client = resty.New()
	}
	return &HTTPFetcher{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	url := name
	if !strings.HasPrefix(name, "http://") && !strings.HasPrefix(name, "https://") {
		url = f.baseURL + "/" + strings.TrimPrefix(name, "/")
	}

	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, errors.Errorf("GET %s: %s", url, resp.Status())
	}
	return resp.Body(), nil
}

// FallbackFetcher tries each fetcher in order and returns the first success.
type FallbackFetcher []Fetcher

// Fetch implements Fetcher.
func (f FallbackFetcher) Fetch(ctx context.Context, name string) ([]byte, error) {
	if len(f) == 0 {
		return nil, errors.Errorf("no fetcher for %s", name)
	}
	var lastErr error
	for _, fetcher := range f {
		data, err := fetcher.Fetch(ctx, name)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
