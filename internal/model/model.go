// Package model defines the domain types used across the application.
package model

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Service names a notification pipeline. Each service polls its own source
// and owns its own subscriptions.
type Service string

// Supported services.
const (
	ServiceFissure     Service = "fissure"
	ServiceArbitration Service = "arbitration"
	ServiceAya         Service = "aya"
	ServiceNews        Service = "news"
)

// Services lists every known service in display order.
var Services = []Service{ServiceFissure, ServiceArbitration, ServiceAya, ServiceNews}

// Valid reports whether s is a known service.
func (s Service) Valid() bool {
	for _, known := range Services {
		if s == known {
			return true
		}
	}
	return false
}

// Event is a single active entry of a remote snapshot, e.g. one fissure
// mission or one item in a rotating vendor inventory.
type Event struct {
	ID         string
	Category   string
	Title      string
	Detail     string
	Hard       bool
	Activation time.Time
	Expiry     time.Time
	URL        string
}

// Snapshot is the set of events fetched on one polling pass.
type Snapshot struct {
	Service   Service
	Events    []Event
	FetchedAt time.Time
}

// NextExpiry returns the earliest expiry strictly after now.
func (s Snapshot) NextExpiry(now time.Time) (time.Time, bool) {
	var next time.Time
	for _, e := range s.Events {
		if e.Expiry.IsZero() || !e.Expiry.After(now) {
			continue
		}
		if next.IsZero() || e.Expiry.Before(next) {
			next = e.Expiry
		}
	}
	return next, !next.IsZero()
}

// HardMode is the tri-state hard mode (Steel Path) filter of a subscription.
type HardMode string

// Supported hard mode filters.
const (
	HardAny   HardMode = "any"
	HardOnly  HardMode = "true"
	HardNever HardMode = "false"
)

// Matches reports whether an event with the given hard flag passes the filter.
func (h HardMode) Matches(hard bool) bool {
	switch h {
	case HardOnly:
		return hard
	case HardNever:
		return !hard
	default:
		return true
	}
}

// Subscription binds a Discord channel to a service and category filter.
type Subscription struct {
	ID            int64
	Service       Service
	GuildID       snowflake.ID
	ChannelID     snowflake.ID
	Category      string
	HardMode      HardMode
	RoleID        snowflake.ID
	LastMessageID snowflake.ID
	LastSignature string
	CreatedAt     time.Time
}

// Aggregate reports whether the subscription follows every category.
func (s Subscription) Aggregate() bool {
	return s.Category == ""
}

// DispatchResult classifies what the dispatcher did with one subscription.
type DispatchResult string

// Possible dispatch results.
const (
	ResultCreated DispatchResult = "created"
	ResultEdited  DispatchResult = "edited"
	ResultSkipped DispatchResult = "skipped"
	ResultAdopted DispatchResult = "adopted"
	ResultEmpty   DispatchResult = "empty"
	ResultFailed  DispatchResult = "failed"
)

// DispatchOutcome describes the handling of one subscription during a pass.
type DispatchOutcome struct {
	SubscriptionID int64
	ChannelID      snowflake.ID
	Result         DispatchResult
	Signature      string
	Err            error
}

// TaskAction names a deferred side effect.
type TaskAction string

// Supported task actions.
const (
	TaskDeleteMessage TaskAction = "delete_message"
)

// ScheduledTask is a durable deferred action processed by the task runner.
type ScheduledTask struct {
	ID        string
	Action    TaskAction
	ChannelID snowflake.ID
	MessageID snowflake.ID
	DueAt     time.Time
	Attempts  int
	CreatedAt time.Time
}
