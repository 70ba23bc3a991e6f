package tle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// maxBodyBytes caps a single TLE response. A full active catalogue is ~2 MB.
const maxBodyBytes = 50 * 1024 * 1024

// Fetcher retrieves raw TLE text over HTTP. Retry and backoff are left to the caller.
type Fetcher struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher with a 30 second request timeout.
func NewFetcher(logger *slog.Logger) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Fetch performs an HTTP GET against sourceURL and returns the body.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	start := time.Now()
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching TLE data: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d from %s", resp.StatusCode, sourceURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response from %s exceeds %d byte limit", sourceURL, maxBodyBytes)
	}

	f.logger.Debug("TLE fetch complete",
		"url", sourceURL,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return body, nil
}
