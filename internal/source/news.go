package source

import (
	"context"
	"time"

	"wardenprime/internal/fetcher"
	"wardenprime/internal/model"
)

const (
	newsCategory = "Update Notes"
	newsMaxItems = 5
)

// News reports the most recent PC update notes from the forum RSS feed.
type News struct {
	fetcher Fetcher
	url     string
	now     func() time.Time
}

// NewNews creates a news source reading the feed at url.
func NewNews(f Fetcher, url string) *News {
	return &News{fetcher: f, url: url, now: time.Now}
}

// Service implements Source.
func (s *News) Service() model.Service {
	return model.ServiceNews
}

// Fetch implements Source. Only the newest items are kept so a new post
// changes the identifier set without growing it.
func (s *News) Fetch(ctx context.Context) (model.Snapshot, error) {
	feed, err := s.fetcher.FetchFeed(ctx, s.url)
	if err != nil {
		return model.Snapshot{}, err
	}

	snap := model.Snapshot{Service: model.ServiceNews, FetchedAt: s.now().UTC()}
	for _, item := range feed.Items {
		if len(snap.Events) == newsMaxItems {
			break
		}
		ev := model.Event{
			ID:       fetcher.ItemGUID(item),
			Category: newsCategory,
			Title:    item.Title,
			URL:      item.Link,
		}
		if item.PublishedParsed != nil {
			ev.Activation = item.PublishedParsed.UTC()
		}
		snap.Events = append(snap.Events, ev)
	}
	return snap, nil
}
