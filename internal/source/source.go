// Package source turns upstream documents into annotated snapshots, one
// source per notification service.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mmcdole/gofeed"

	"wardenprime/internal/model"
)

// Default upstream endpoints.
const (
	DefaultWorldStateURL  = "https://content.warframe.com/dynamic/worldState.php"
	DefaultArbitrationURL = "https://api.warframestat.us/pc/arbitration"
	DefaultNewsFeedURL    = "https://forums.warframe.com/forum/3-pc-update-notes.xml/"
)

// Source produces the current snapshot of one service.
type Source interface {
	Service() model.Service
	Fetch(ctx context.Context) (model.Snapshot, error)
}

// Fetcher downloads upstream documents.
type Fetcher interface {
	FetchJSON(ctx context.Context, url string, dst any) error
	FetchFeed(ctx context.Context, url string) (*gofeed.Feed, error)
}

// Resolver translates internal identifiers to display names.
type Resolver interface {
	Resolve(id string) string
}

// URLs overrides the upstream endpoints. Empty fields use the defaults.
type URLs struct {
	WorldState  string
	Arbitration string
	NewsFeed    string
}

func (u URLs) withDefaults() URLs {
	if u.WorldState == "" {
		u.WorldState = DefaultWorldStateURL
	}
	if u.Arbitration == "" {
		u.Arbitration = DefaultArbitrationURL
	}
	if u.NewsFeed == "" {
		u.NewsFeed = DefaultNewsFeedURL
	}
	return u
}

// New builds the source for svc.
func New(svc model.Service, f Fetcher, r Resolver, urls URLs) (Source, error) {
	urls = urls.withDefaults()
	switch svc {
	case model.ServiceFissure:
		return NewFissure(f, r, urls.WorldState), nil
	case model.ServiceArbitration:
		return NewArbitration(f, r, urls.Arbitration), nil
	case model.ServiceAya:
		return NewAya(f, r, urls.WorldState), nil
	case model.ServiceNews:
		return NewNews(f, urls.NewsFeed), nil
	}
	return nil, fmt.Errorf("unknown service %q", svc)
}

// worldState is the subset of the world state document the sources read.
type worldState struct {
	ActiveMissions    []activeMission `json:"ActiveMissions"`
	VoidStorms        []voidStorm     `json:"VoidStorms"`
	PrimeVaultTraders []vaultTrader   `json:"PrimeVaultTraders"`
}

type activeMission struct {
	ID          oid    `json:"_id"`
	Activation  msDate `json:"Activation"`
	Expiry      msDate `json:"Expiry"`
	Node        string `json:"Node"`
	MissionType string `json:"MissionType"`
	Modifier    string `json:"Modifier"`
	Hard        bool   `json:"Hard"`
}

type voidStorm struct {
	ID                oid    `json:"_id"`
	Node              string `json:"Node"`
	Activation        msDate `json:"Activation"`
	Expiry            msDate `json:"Expiry"`
	ActiveMissionTier string `json:"ActiveMissionTier"`
}

type vaultTrader struct {
	ID         oid            `json:"_id"`
	Activation msDate         `json:"Activation"`
	Expiry     msDate         `json:"Expiry"`
	Manifest   []manifestItem `json:"Manifest"`
}

type manifestItem struct {
	ItemType     string `json:"ItemType"`
	PrimePrice   int    `json:"PrimePrice"`
	RegularPrice int    `json:"RegularPrice"`
}

// oid decodes {"$oid": "..."}.
type oid string

func (o *oid) UnmarshalJSON(data []byte) error {
	var v struct {
		OID string `json:"$oid"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode oid: %w", err)
	}
	*o = oid(v.OID)
	return nil
}

// msDate decodes {"$date": {"$numberLong": "<unix ms>"}}.
type msDate struct {
	time.Time
}

func (d *msDate) UnmarshalJSON(data []byte) error {
	var v struct {
		Date struct {
			NumberLong string `json:"$numberLong"`
		} `json:"$date"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode date: %w", err)
	}
	if v.Date.NumberLong == "" {
		d.Time = time.Time{}
		return nil
	}
	ms, err := strconv.ParseInt(v.Date.NumberLong, 10, 64)
	if err != nil {
		return fmt.Errorf("decode date: %w", err)
	}
	d.Time = time.UnixMilli(ms).UTC()
	return nil
}

// expired reports whether an event with the given expiry is already over.
func expired(expiry, now time.Time) bool {
	return !expiry.IsZero() && !expiry.After(now)
}
