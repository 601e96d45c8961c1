// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"wardenprime/internal/category"
	"wardenprime/internal/filter"
	"wardenprime/internal/model"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverJSON     = "json"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a subscription for the same service,
	// channel, category and hard mode already exists.
	ErrDuplicate = errors.New("duplicate subscription")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id int64) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context, guildID snowflake.ID) ([]model.Subscription, error)
	ListServiceSubscriptions(ctx context.Context, service model.Service) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, id int64, guildID snowflake.ID) error

	UpdateDelivery(ctx context.Context, id int64, signature string, messageID snowflake.ID) error
	ClearDelivery(ctx context.Context, id int64) error

	CreateTask(ctx context.Context, task *model.ScheduledTask) error
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]model.ScheduledTask, error)
	DeleteTask(ctx context.Context, id string) error
	RescheduleTask(ctx context.Context, id string, dueAt time.Time) error

	Close() error
}

// Open creates the store selected by driver. dsn is a file path for sqlite
// and json, and a connection URL for postgres.
func Open(driver, dsn string) (Storage, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(dsn)
	case DriverPostgres:
		return NewPostgres(dsn)
	case DriverJSON:
		return NewJSONFile(dsn)
	}
	return nil, fmt.Errorf("unknown storage driver %q", driver)
}

// FindMatching returns the subscriptions of service that follow at least
// one of cats. The hard mode filter is applied per event when rendering.
func FindMatching(ctx context.Context, s Storage, service model.Service, cats []category.Category) ([]model.Subscription, error) {
	subs, err := s.ListServiceSubscriptions(ctx, service)
	if err != nil {
		return nil, err
	}
	var out []model.Subscription
	for _, sub := range subs {
		if filter.Interested(sub, cats) {
			out = append(out, sub)
		}
	}
	return out, nil
}

// normalize brings a subscription to its stored form so that equivalent
// filters collide on the unique index.
func normalize(sub *model.Subscription) {
	if c := category.Canonicalize(sub.Category); !c.IsZero() {
		sub.Category = c.Key()
	} else {
		sub.Category = ""
	}
	if sub.HardMode == "" {
		sub.HardMode = model.HardAny
	}
}

func toInt64(id snowflake.ID) int64 {
	return int64(id)
}

func fromInt64(v int64) snowflake.ID {
	return snowflake.ID(v)
}
