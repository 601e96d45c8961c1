package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"wardenprime/internal/model"
	"wardenprime/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

const subscriptionColumns = `id, service, guild_id, channel_id, category, hard_mode, role_id,
	last_message_id, last_signature, created_at`

const taskColumns = `id, action, channel_id, message_id, due_at, attempts, created_at`

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Storage = (*SQLite)(nil)

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serialises writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db, migrations.DialectSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateSubscription inserts a new subscription and populates its ID and CreatedAt.
func (s *SQLite) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	normalize(sub)
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (service, guild_id, channel_id, category, hard_mode, role_id,
		     last_message_id, last_signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(sub.Service), toInt64(sub.GuildID), toInt64(sub.ChannelID), sub.Category,
		string(sub.HardMode), toInt64(sub.RoleID), toInt64(sub.LastMessageID), sub.LastSignature, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetSubscription returns a single subscription by its ID.
func (s *SQLite) GetSubscription(ctx context.Context, id int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id,
	)
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptions returns all subscriptions of the given guild.
func (s *SQLite) ListSubscriptions(ctx context.Context, guildID snowflake.ID) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE guild_id = ? ORDER BY id`,
		toInt64(guildID),
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

// ListServiceSubscriptions returns all subscriptions of the given service.
func (s *SQLite) ListServiceSubscriptions(ctx context.Context, service model.Service) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE service = ? ORDER BY id`,
		string(service),
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

// DeleteSubscription removes a subscription owned by guildID.
func (s *SQLite) DeleteSubscription(ctx context.Context, id int64, guildID snowflake.ID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE id = ? AND guild_id = ?`, id, toInt64(guildID),
	)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return expectAffected(res)
}

// UpdateDelivery records the signature and message of the latest notification.
func (s *SQLite) UpdateDelivery(ctx context.Context, id int64, signature string, messageID snowflake.ID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_signature = ?, last_message_id = ? WHERE id = ?`,
		signature, toInt64(messageID), id,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return expectAffected(res)
}

// ClearDelivery forgets the latest notification of a subscription.
func (s *SQLite) ClearDelivery(ctx context.Context, id int64) error {
	return s.UpdateDelivery(ctx, id, "", 0)
}

// CreateTask inserts a scheduled task, assigning an ID when empty.
func (s *SQLite) CreateTask(ctx context.Context, task *model.ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Action), toInt64(task.ChannelID), toInt64(task.MessageID),
		task.DueAt.UTC().Format(timeLayout), task.Attempts, now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	task.CreatedAt = now.Truncate(time.Second)
	return nil
}

// ListDueTasks returns up to limit tasks due at or before now, oldest first.
func (s *SQLite) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE due_at <= ? ORDER BY due_at, id LIMIT ?`,
		now.UTC().Format(timeLayout), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []model.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task by its ID.
func (s *SQLite) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// RescheduleTask moves a task to dueAt and counts the failed attempt.
func (s *SQLite) RescheduleTask(ctx context.Context, id string, dueAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET due_at = ?, attempts = attempts + 1 WHERE id = ?`,
		dueAt.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}
	return expectAffected(res)
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscription(row scannable) (model.Subscription, error) {
	var sub model.Subscription
	var service, hardMode, created string
	var guildID, channelID, roleID, lastMessageID int64
	err := row.Scan(&sub.ID, &service, &guildID, &channelID, &sub.Category, &hardMode,
		&roleID, &lastMessageID, &sub.LastSignature, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return sub, ErrNotFound
	}
	if err != nil {
		return sub, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Service = model.Service(service)
	sub.HardMode = model.HardMode(hardMode)
	sub.GuildID = fromInt64(guildID)
	sub.ChannelID = fromInt64(channelID)
	sub.RoleID = fromInt64(roleID)
	sub.LastMessageID = fromInt64(lastMessageID)
	sub.CreatedAt, _ = time.Parse(timeLayout, created)
	return sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanTask(row scannable) (model.ScheduledTask, error) {
	var t model.ScheduledTask
	var action, due, created string
	var channelID, messageID int64
	err := row.Scan(&t.ID, &action, &channelID, &messageID, &due, &t.Attempts, &created)
	if err != nil {
		return t, fmt.Errorf("scan task: %w", err)
	}
	t.Action = model.TaskAction(action)
	t.ChannelID = fromInt64(channelID)
	t.MessageID = fromInt64(messageID)
	t.DueAt, _ = time.Parse(timeLayout, due)
	t.CreatedAt, _ = time.Parse(timeLayout, created)
	return t, nil
}
