// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrFetch is returned when the feed source could not be reached or
// answered with something other than the feed.
var ErrFetch = errors.New("feed fetch failed")

// defaultFetchTimeout bounds a single download attempt.
const defaultFetchTimeout = 2 * time.Minute

// Fetcher retrieves one raw feed snapshot. The caller owns the reader
// and must close it.
type Fetcher interface {
	Fetch(ctx context.Context) (io.ReadCloser, error)
}

// HTTPClient interface allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFetcher downloads the feed over HTTP(S).
type HTTPFetcher struct {
	url    string
	client HTTPClient
}

// NewHTTPFetcher builds a fetcher for url. A nil client gets a default
// http.Client with defaultFetchTimeout; redirects (the feed URL is a
// "latest release" alias) are followed by the default client.
func NewHTTPFetcher(url string, client HTTPClient) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPFetcher{url: url, client: client}
}

// Fetch performs a single GET of the feed.
//
// Outputs:
//
//   - io.ReadCloser: The response body, on HTTP 200 only.
//   - error: ErrFetch (wrapped) on transport failure or any other
//     status. The body is drained and closed on the error paths.
func (f *HTTPFetcher) Fetch(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrFetch, err)
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: unexpected status %s from %s", ErrFetch, resp.Status, f.url)
	}
	return resp.Body, nil
}
