package source

import (
	"context"
	"fmt"
	"time"

	"wardenprime/internal/model"
)

const resurgenceCategory = "Prime Resurgence"

// Aya reports the Prime Resurgence (Varzia) inventory.
type Aya struct {
	fetcher  Fetcher
	resolver Resolver
	url      string
	now      func() time.Time
}

// NewAya creates a Prime Resurgence source reading the world state at url.
func NewAya(f Fetcher, r Resolver, url string) *Aya {
	return &Aya{fetcher: f, resolver: r, url: url, now: time.Now}
}

// Service implements Source.
func (s *Aya) Service() model.Service {
	return model.ServiceAya
}

// Fetch implements Source. Each manifest entry becomes one event.
func (s *Aya) Fetch(ctx context.Context) (model.Snapshot, error) {
	var ws worldState
	if err := s.fetcher.FetchJSON(ctx, s.url, &ws); err != nil {
		return model.Snapshot{}, err
	}

	now := s.now().UTC()
	snap := model.Snapshot{Service: model.ServiceAya, FetchedAt: now}

	for _, trader := range ws.PrimeVaultTraders {
		if expired(trader.Expiry.Time, now) {
			continue
		}
		for _, item := range trader.Manifest {
			if item.ItemType == "" {
				continue
			}
			snap.Events = append(snap.Events, model.Event{
				ID:         string(trader.ID) + ":" + item.ItemType,
				Category:   resurgenceCategory,
				Title:      s.resolver.Resolve(item.ItemType),
				Detail:     price(item),
				Activation: trader.Activation.Time,
				Expiry:     trader.Expiry.Time,
			})
		}
	}

	sortEvents(snap.Events)
	return snap, nil
}

func price(item manifestItem) string {
	switch {
	case item.PrimePrice > 0 && item.RegularPrice > 0:
		return fmt.Sprintf("%d Aya or %d Regal Aya", item.PrimePrice, item.RegularPrice)
	case item.RegularPrice > 0:
		return fmt.Sprintf("%d Regal Aya", item.RegularPrice)
	default:
		return fmt.Sprintf("%d Aya", item.PrimePrice)
	}
}
