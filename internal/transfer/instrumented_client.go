package transfer

import (
	"context"
	"net/http"

	"github.com/sanjaykrkundu/seedr/internal/telemetry"
)

// InstrumentedFetcher wraps a Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		telemetry: tel,
	}
}

// Fetch opens the upstream stream with telemetry. Only the response headers
// are covered; body streaming is measured by the worker.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, url string, header http.Header) (*Response, error) {
	var result *Response

	err := f.telemetry.InstrumentFetch(ctx, "open", func(ctx context.Context) error {
		var err error

		result, err = f.fetcher.Fetch(ctx, url, header)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
