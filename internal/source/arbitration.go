package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"wardenprime/internal/model"
)

type arbitrationDoc struct {
	ID         string    `json:"id"`
	Activation time.Time `json:"activation"`
	Expiry     time.Time `json:"expiry"`
	Node       string    `json:"node"`
	NodeKey    string    `json:"nodeKey"`
	Type       string    `json:"type"`
	TypeKey    string    `json:"typeKey"`
	Enemy      string    `json:"enemy"`
	Archwing   bool      `json:"archwing"`
	Sharkwing  bool      `json:"sharkwing"`
}

// Arbitration reports the current Arbitration alert.
type Arbitration struct {
	fetcher  Fetcher
	resolver Resolver
	url      string
	now      func() time.Time
}

// NewArbitration creates an arbitration source reading url.
func NewArbitration(f Fetcher, r Resolver, url string) *Arbitration {
	return &Arbitration{fetcher: f, resolver: r, url: url, now: time.Now}
}

// Service implements Source.
func (s *Arbitration) Service() model.Service {
	return model.ServiceArbitration
}

// Fetch implements Source.
func (s *Arbitration) Fetch(ctx context.Context) (model.Snapshot, error) {
	var doc arbitrationDoc
	if err := s.fetcher.FetchJSON(ctx, s.url, &doc); err != nil {
		return model.Snapshot{}, err
	}

	now := s.now().UTC()
	snap := model.Snapshot{Service: model.ServiceArbitration, FetchedAt: now}

	node := s.pick(doc.NodeKey, doc.Node)
	if node == "" || expired(doc.Expiry, now) {
		return snap, nil
	}

	id := doc.ID
	if id == "" {
		id = fmt.Sprintf("%s@%d", node, doc.Activation.Unix())
	}

	detail := doc.Enemy
	if doc.Archwing || doc.Sharkwing {
		detail = strings.TrimSpace(detail + " (Archwing)")
	}

	snap.Events = append(snap.Events, model.Event{
		ID:         id,
		Category:   s.pick(doc.TypeKey, doc.Type),
		Title:      node,
		Detail:     detail,
		Activation: doc.Activation,
		Expiry:     doc.Expiry,
	})
	return snap, nil
}

// pick prefers the translated key over the upstream display name.
func (s *Arbitration) pick(key, display string) string {
	if key != "" {
		if name := s.resolver.Resolve(key); name != key {
			return name
		}
	}
	if display != "" {
		return display
	}
	return key
}
