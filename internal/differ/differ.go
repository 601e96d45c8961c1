// Package differ decides which categories of a snapshot changed since the
// previous pass.
package differ

import (
	"time"

	"wardenprime/internal/category"
	"wardenprime/internal/model"
)

type group struct {
	cat    category.Category
	expiry map[string]time.Time
}

// Diff returns the categories of current that changed relative to previous,
// in order of first appearance in current.
//
// A category is changed when no category of previous matches it, when its
// identifier set differs, or, for always-recheck categories only, when the
// expiry of a shared identifier differs. Expiry changes alone never mark an
// ordinary category. An empty previous snapshot reports every category.
func Diff(current, previous model.Snapshot) []category.Category {
	cur := groupEvents(current.Events)
	prev := groupEvents(previous.Events)

	var changed []category.Category
	for _, g := range cur {
		p, ok := match(g.cat, prev)
		if !ok || differs(g, p) {
			changed = append(changed, g.cat)
		}
	}
	return changed
}

// Removed returns the categories of previous that no longer match any
// category of current, in order of first appearance in previous.
func Removed(current, previous model.Snapshot) []category.Category {
	cur := groupEvents(current.Events)

	var gone []category.Category
	for _, p := range groupEvents(previous.Events) {
		if _, ok := match(p.cat, cur); !ok {
			gone = append(gone, p.cat)
		}
	}
	return gone
}

// Categories returns the distinct canonical categories of events in order
// of first appearance.
func Categories(events []model.Event) []category.Category {
	groups := groupEvents(events)
	out := make([]category.Category, len(groups))
	for i, g := range groups {
		out[i] = g.cat
	}
	return out
}

func groupEvents(events []model.Event) []*group {
	var groups []*group
	byKey := make(map[string]*group)
	for _, e := range events {
		c := category.Canonicalize(e.Category)
		g, ok := byKey[c.Key()]
		if !ok {
			g = &group{cat: c, expiry: make(map[string]time.Time)}
			byKey[c.Key()] = g
			groups = append(groups, g)
		}
		g.expiry[e.ID] = e.Expiry
	}
	return groups
}

// match finds the previous group for c: exact key first, then fuzzy.
func match(c category.Category, prev []*group) (*group, bool) {
	for _, p := range prev {
		if p.cat.Key() == c.Key() {
			return p, true
		}
	}
	for _, p := range prev {
		if category.Same(c, p.cat) {
			return p, true
		}
	}
	return nil, false
}

func differs(cur, prev *group) bool {
	if len(cur.expiry) != len(prev.expiry) {
		return true
	}
	recheck := cur.cat.AlwaysRecheck()
	for id, exp := range cur.expiry {
		prevExp, ok := prev.expiry[id]
		if !ok {
			return true
		}
		if recheck && !exp.Equal(prevExp) {
			return true
		}
	}
	return false
}
