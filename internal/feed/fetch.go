// Package feed fetches position feeds over HTTP and decodes them into raw
// location samples. It backs both the polling transport channel and the
// cold-start roster.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnauthorized is returned when the server rejects the credentials.
var ErrUnauthorized = errors.New("feed: unauthorized")

// maxBodyBytes bounds how much of a feed response is read.
const maxBodyBytes = 16 << 20

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed: GET %s: http status %d", e.URL, e.Code)
}

// Fetcher performs authenticated GET requests.
type Fetcher struct {
	client *http.Client
	token  string
}

// NewFetcher returns a Fetcher with the given per-request timeout. token, when
// non-empty, is sent as a bearer credential.
func NewFetcher(timeout time.Duration, token string) *Fetcher {
	return &Fetcher{client: &http.Client{Timeout: timeout}, token: token}
}

// Fetch returns the response body of url. 401 and 403 map to ErrUnauthorized.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build request: %w", err)
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	req.Header.Set("Accept", "application/json, application/x-protobuf")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("feed: GET %s: %w", url, ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("feed: read body: %w", err)
	}
	return body, nil
}
