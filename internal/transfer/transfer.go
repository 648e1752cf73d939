// Package transfer fetches remote resources over HTTP for the download workers.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// UnknownSize is reported when the upstream does not declare a usable content length.
const UnknownSize int64 = -1

// Fetcher opens a byte stream for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string, header http.Header) (*Response, error)
}

// Response is an open upstream body. Callers must close Body.
type Response struct {
	// TotalSize is the declared content length, or UnknownSize.
	TotalSize int64
	Body      io.ReadCloser
}

// HTTPClient implements Fetcher with net/http. Redirects are followed by the
// underlying client; any final status other than 200 is a NetworkError.
type HTTPClient struct {
	client    *http.Client
	userAgent string
}

// NewHTTPClient builds a fetcher that sends userAgent on every request.
// A zero timeout leaves transfers unbounded.
func NewHTTPClient(userAgent string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		userAgent: userAgent,
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, url string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}

	if req.Header.Get("User-Agent") == "" && c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{
			Operation:  "fetch",
			APIMessage: err.Error(),
			Err:        err,
		}
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		return nil, &NetworkError{
			Operation:  "fetch",
			StatusCode: resp.StatusCode,
			APIMessage: http.StatusText(resp.StatusCode),
		}
	}

	total := resp.ContentLength
	if total <= 0 {
		total = UnknownSize
	}

	return &Response{TotalSize: total, Body: resp.Body}, nil
}
