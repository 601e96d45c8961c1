package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"

	"wardenprime/internal/model"
)

// jsonDocument is the on-disk layout of a JSONFile store.
type jsonDocument struct {
	NextID        int64                 `json:"next_id"`
	Subscriptions []model.Subscription  `json:"subscriptions"`
	Tasks         []model.ScheduledTask `json:"tasks"`
}

// JSONFile implements Storage as a single JSON document rewritten on every
// change. It suits small single-guild deployments without a database.
type JSONFile struct {
	path string

	mu  sync.Mutex
	doc jsonDocument
}

var _ Storage = (*JSONFile)(nil)

// NewJSONFile loads the document at path, creating an empty one when the
// file does not exist.
func NewJSONFile(path string) (*JSONFile, error) {
	s := &JSONFile{path: path, doc: jsonDocument{NextID: 1}}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("decode store: %w", err)
	}
	if s.doc.NextID < 1 {
		s.doc.NextID = 1
	}
	return s, nil
}

// Close implements Storage. Every change is already on disk.
func (s *JSONFile) Close() error {
	return nil
}

// CreateSubscription inserts a new subscription and populates its ID and CreatedAt.
func (s *JSONFile) CreateSubscription(_ context.Context, sub *model.Subscription) error {
	normalize(sub)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.doc.Subscriptions {
		if existing.Service == sub.Service && existing.GuildID == sub.GuildID &&
			existing.ChannelID == sub.ChannelID && existing.Category == sub.Category &&
			existing.HardMode == sub.HardMode {
			return ErrDuplicate
		}
	}

	sub.ID = s.doc.NextID
	sub.CreatedAt = time.Now().UTC().Truncate(time.Second)
	s.doc.NextID++
	s.doc.Subscriptions = append(s.doc.Subscriptions, *sub)
	return s.save()
}

// GetSubscription returns a single subscription by its ID.
func (s *JSONFile) GetSubscription(_ context.Context, id int64) (*model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	sub := s.doc.Subscriptions[i]
	return &sub, nil
}

// ListSubscriptions returns all subscriptions of the given guild.
func (s *JSONFile) ListSubscriptions(_ context.Context, guildID snowflake.ID) ([]model.Subscription, error) {
	return s.list(func(sub model.Subscription) bool { return sub.GuildID == guildID }), nil
}

// ListServiceSubscriptions returns all subscriptions of the given service.
func (s *JSONFile) ListServiceSubscriptions(_ context.Context, service model.Service) ([]model.Subscription, error) {
	return s.list(func(sub model.Subscription) bool { return sub.Service == service }), nil
}

// DeleteSubscription removes a subscription owned by guildID.
func (s *JSONFile) DeleteSubscription(_ context.Context, id int64, guildID snowflake.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 || s.doc.Subscriptions[i].GuildID != guildID {
		return ErrNotFound
	}
	s.doc.Subscriptions = append(s.doc.Subscriptions[:i], s.doc.Subscriptions[i+1:]...)
	return s.save()
}

// UpdateDelivery records the signature and message of the latest notification.
func (s *JSONFile) UpdateDelivery(_ context.Context, id int64, signature string, messageID snowflake.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return ErrNotFound
	}
	s.doc.Subscriptions[i].LastSignature = signature
	s.doc.Subscriptions[i].LastMessageID = messageID
	return s.save()
}

// ClearDelivery forgets the latest notification of a subscription.
func (s *JSONFile) ClearDelivery(ctx context.Context, id int64) error {
	return s.UpdateDelivery(ctx, id, "", 0)
}

// CreateTask inserts a scheduled task, assigning an ID when empty.
func (s *JSONFile) CreateTask(_ context.Context, task *model.ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.CreatedAt = time.Now().UTC().Truncate(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Tasks = append(s.doc.Tasks, *task)
	return s.save()
}

// ListDueTasks returns up to limit tasks due at or before now, oldest first.
func (s *JSONFile) ListDueTasks(_ context.Context, now time.Time, limit int) ([]model.ScheduledTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.ScheduledTask
	for _, t := range s.doc.Tasks {
		if !t.DueAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// DeleteTask removes a task by its ID.
func (s *JSONFile) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.doc.Tasks {
		if t.ID == id {
			s.doc.Tasks = append(s.doc.Tasks[:i], s.doc.Tasks[i+1:]...)
			return s.save()
		}
	}
	return nil
}

// RescheduleTask moves a task to dueAt and counts the failed attempt.
func (s *JSONFile) RescheduleTask(_ context.Context, id string, dueAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.doc.Tasks {
		if s.doc.Tasks[i].ID == id {
			s.doc.Tasks[i].DueAt = dueAt.UTC()
			s.doc.Tasks[i].Attempts++
			return s.save()
		}
	}
	return ErrNotFound
}

func (s *JSONFile) list(keep func(model.Subscription) bool) []model.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Subscription
	for _, sub := range s.doc.Subscriptions {
		if keep(sub) {
			out = append(out, sub)
		}
	}
	return out
}

func (s *JSONFile) indexOf(id int64) int {
	for i, sub := range s.doc.Subscriptions {
		if sub.ID == id {
			return i
		}
	}
	return -1
}

// save writes the document to a temporary file and renames it over the
// store. Callers hold mu.
func (s *JSONFile) save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}
