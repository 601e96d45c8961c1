package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mmcdole/gofeed"
)

type mockTransport struct {
	body       string
	statusCode int
	err        error
	lastReq    *http.Request
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>PC Update Notes</title>
    <item>
      <title>Hotfix 38.5.1</title>
      <link>https://forums.example.com/topic/1</link>
      <guid>topic-1</guid>
    </item>
    <item>
      <title>Update 38.5</title>
      <link>https://forums.example.com/topic/2</link>
    </item>
  </channel>
</rss>`

func TestFetchJSON(t *testing.T) {
	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	tests := []struct {
		name      string
		transport *mockTransport
		want      doc
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: `{"name":"sortie","count":3}`, statusCode: 200},
			want:      doc{Name: "sortie", Count: 3},
		},
		{
			name:      "http error status",
			transport: &mockTransport{body: "bad gateway", statusCode: 502},
			wantErr:   true,
		},
		{
			name:      "network error",
			transport: &mockTransport{err: io.ErrUnexpectedEOF},
			wantErr:   true,
		},
		{
			name:      "malformed json",
			transport: &mockTransport{body: `{"name":`, statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.transport)
			var got doc
			err := f.FetchJSON(context.Background(), "https://example.com/ws", &got)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var fe *FetchError
				if !errors.As(err, &fe) {
					t.Fatalf("expected *FetchError, got %T", err)
				}
				if diff := cmp.Diff("https://example.com/ws", fe.URL); diff != "" {
					t.Errorf("url mismatch (-want +got):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("document mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetchSetsUserAgent(t *testing.T) {
	transport := &mockTransport{body: `{}`, statusCode: 200}
	f := New(transport)
	var v map[string]any
	if err := f.FetchJSON(context.Background(), "https://example.com/ws", &v); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ua := transport.lastReq.Header.Get("User-Agent"); !strings.HasPrefix(ua, "WardenPrime/") {
		t.Errorf("unexpected User-Agent %q", ua)
	}
	if _, ok := transport.lastReq.Context().Deadline(); !ok {
		t.Error("expected request context to carry a deadline")
	}
}

func TestFetchFeed(t *testing.T) {
	tests := []struct {
		name      string
		transport *mockTransport
		wantTitle string
		wantItems int
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{body: sampleFeed, statusCode: 200},
			wantTitle: "PC Update Notes",
			wantItems: 2,
		},
		{
			name:      "not found",
			transport: &mockTransport{body: "not found", statusCode: 404},
			wantErr:   true,
		},
		{
			name:      "invalid xml",
			transport: &mockTransport{body: "not xml at all", statusCode: 200},
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.transport)
			feed, err := f.FetchFeed(context.Background(), "https://example.com/rss")

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.wantTitle, feed.Title); diff != "" {
				t.Errorf("title mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.wantItems, len(feed.Items)); diff != "" {
				t.Errorf("item count mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestItemGUID(t *testing.T) {
	tests := []struct {
		name     string
		item     *gofeed.Item
		wantGUID string
		hasHash  bool
	}{
		{
			name:     "with guid",
			item:     &gofeed.Item{GUID: "abc-123"},
			wantGUID: "abc-123",
		},
		{
			name:    "without guid generates hash",
			item:    &gofeed.Item{Title: "Update 38.5", Link: "https://forums.example.com/topic/2"},
			hasHash: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ItemGUID(tt.item)
			if tt.hasHash {
				if !strings.HasPrefix(got, "sha256:") {
					t.Errorf("expected sha256 prefix, got %q", got)
				}
				return
			}
			if diff := cmp.Diff(tt.wantGUID, got); diff != "" {
				t.Errorf("GUID mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
