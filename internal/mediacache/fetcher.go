package mediacache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Fetcher downloads photo bytes from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPFetcher downloads over HTTP(S).
type HTTPFetcher struct {
	client *resty.Client
}

// NewHTTPFetcher creates a fetcher with a per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{client: resty.New().SetTimeout(timeout)}
}

// Fetch returns the response body; the caller closes it.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("download request: %w", err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		if body != nil {
			body.Close()
		}
		return nil, fmt.Errorf("download %s: http %d", url, resp.StatusCode())
	}
	return body, nil
}
