// Package filter implements the subscription matching engine.
package filter

import (
	"errors"
	"fmt"

	"wardenprime/internal/category"
	"wardenprime/internal/model"
)

// MaxCategoryLen bounds the length of a subscription category filter.
const MaxCategoryLen = 64

// MatchesCategory checks whether a subscription follows cat.
// Aggregate subscriptions follow every category.
func MatchesCategory(sub model.Subscription, cat category.Category) bool {
	if sub.Aggregate() {
		return true
	}
	return category.Same(category.Canonicalize(sub.Category), cat)
}

// Interested checks whether any of the changed categories concerns sub.
func Interested(sub model.Subscription, changed []category.Category) bool {
	for _, c := range changed {
		if MatchesCategory(sub, c) {
			return true
		}
	}
	return false
}

// Select returns the events of a snapshot the subscription should display.
// Both the category and the hard mode filter must pass.
func Select(events []model.Event, sub model.Subscription) []model.Event {
	var out []model.Event
	for _, e := range events {
		if !sub.HardMode.Matches(e.Hard) {
			continue
		}
		if !MatchesCategory(sub, category.Canonicalize(e.Category)) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ValidateCategory checks a category filter supplied by a user. An empty
// label is valid and means every category.
func ValidateCategory(raw string) error {
	n := category.Normalize(raw)
	if len(n) > MaxCategoryLen {
		return fmt.Errorf("invalid category: longer than %d characters", MaxCategoryLen)
	}
	if raw != "" && n == "" {
		return errors.New("invalid category: blank label")
	}
	return nil
}

// ParseHardMode converts user input to a HardMode. Empty input means any.
func ParseHardMode(s string) (model.HardMode, error) {
	switch category.Normalize(s) {
	case "", "any", "all", "both":
		return model.HardAny, nil
	case "true", "yes", "hard", "steel path", "sp":
		return model.HardOnly, nil
	case "false", "no", "normal":
		return model.HardNever, nil
	}
	return "", fmt.Errorf("invalid hard mode %q: use any, true or false", s)
}
