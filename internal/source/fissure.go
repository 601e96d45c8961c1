package source

import (
	"context"
	"fmt"
	"sort"
	"time"

	"wardenprime/internal/model"
)

// railjackCategory labels void storms, which carry no mission type.
const railjackCategory = "Railjack"

// Fissure reports active Void Fissures, including Void Storms and the
// cascade/flood/armageddon rotations, from the world state document.
type Fissure struct {
	fetcher  Fetcher
	resolver Resolver
	url      string
	now      func() time.Time
}

// NewFissure creates a fissure source reading the world state at url.
func NewFissure(f Fetcher, r Resolver, url string) *Fissure {
	return &Fissure{fetcher: f, resolver: r, url: url, now: time.Now}
}

// Service implements Source.
func (s *Fissure) Service() model.Service {
	return model.ServiceFissure
}

// Fetch implements Source.
func (s *Fissure) Fetch(ctx context.Context) (model.Snapshot, error) {
	var ws worldState
	if err := s.fetcher.FetchJSON(ctx, s.url, &ws); err != nil {
		return model.Snapshot{}, err
	}

	now := s.now().UTC()
	snap := model.Snapshot{Service: model.ServiceFissure, FetchedAt: now}

	for _, m := range ws.ActiveMissions {
		if m.ID == "" || expired(m.Expiry.Time, now) {
			continue
		}
		tier := s.resolver.Resolve(m.Modifier)
		snap.Events = append(snap.Events, model.Event{
			ID:         string(m.ID),
			Category:   s.resolver.Resolve(m.MissionType),
			Title:      s.resolver.Resolve(m.Node),
			Detail:     fmt.Sprintf("%s fissure", tier),
			Hard:       m.Hard,
			Activation: m.Activation.Time,
			Expiry:     m.Expiry.Time,
		})
	}

	for _, st := range ws.VoidStorms {
		if st.ID == "" || expired(st.Expiry.Time, now) {
			continue
		}
		tier := s.resolver.Resolve(st.ActiveMissionTier)
		snap.Events = append(snap.Events, model.Event{
			ID:         string(st.ID),
			Category:   railjackCategory,
			Title:      s.resolver.Resolve(st.Node),
			Detail:     fmt.Sprintf("%s void storm", tier),
			Activation: st.Activation.Time,
			Expiry:     st.Expiry.Time,
		})
	}

	sortEvents(snap.Events)
	return snap, nil
}

// sortEvents orders events by expiry, then id, so rendered messages are
// stable between passes.
func sortEvents(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Expiry.Equal(events[j].Expiry) {
			return events[i].Expiry.Before(events[j].Expiry)
		}
		return events[i].ID < events[j].ID
	})
}
