// Package fetcher downloads remote world state documents and feeds.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"
)

const (
	userAgent    = "WardenPrime/1.0 (+https://github.com/wardenprime)"
	maxBodyBytes = 8 * 1024 * 1024
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// FetchError reports a failed retrieval. Callers treat it as "no data this
// pass", never as "no events".
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher downloads JSON documents and RSS feeds.
type Fetcher struct {
	client  HTTPClient
	timeout time.Duration
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:  client,
		timeout: 10 * time.Second,
	}
}

// SetTimeout overrides the default 10-second request timeout.
func (f *Fetcher) SetTimeout(d time.Duration) {
	f.timeout = d
}

// FetchJSON downloads url and decodes the JSON body into dst.
func (f *Fetcher) FetchJSON(ctx context.Context, url string, dst any) error {
	body, err := f.get(ctx, url)
	if err != nil {
		return &FetchError{URL: url, Err: err}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &FetchError{URL: url, Err: fmt.Errorf("decode json: %w", err)}
	}
	return nil
}

// FetchFeed downloads and parses an RSS or Atom feed.
func (f *Fetcher) FetchFeed(ctx context.Context, url string) (*gofeed.Feed, error) {
	body, err := f.get(ctx, url)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("parse feed: %w", err)}
	}
	return feed, nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// ItemGUID returns the GUID for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}
