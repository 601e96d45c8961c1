package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"wardenprime/internal/model"
	"wardenprime/migrations"
)

const pgUniqueViolation = "23505"

// Postgres implements Storage backed by a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

var _ Storage = (*Postgres)(nil)

// NewPostgres connects to the database at url and runs pending migrations.
func NewPostgres(url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migrations.Run(db, migrations.DialectPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Postgres{db: db}, nil
}

// newPostgresWithDB wraps an open handle without migrating it.
func newPostgresWithDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// CreateSubscription inserts a new subscription and populates its ID and CreatedAt.
func (p *Postgres) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	normalize(sub)
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO subscriptions (service, guild_id, channel_id, category, hard_mode, role_id,
		     last_message_id, last_signature)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at`,
		string(sub.Service), toInt64(sub.GuildID), toInt64(sub.ChannelID), sub.Category,
		string(sub.HardMode), toInt64(sub.RoleID), toInt64(sub.LastMessageID), sub.LastSignature,
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// GetSubscription returns a single subscription by its ID.
func (p *Postgres) GetSubscription(ctx context.Context, id int64) (*model.Subscription, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id,
	)
	sub, err := scanPGSubscription(row)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ListSubscriptions returns all subscriptions of the given guild.
func (p *Postgres) ListSubscriptions(ctx context.Context, guildID snowflake.ID) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE guild_id = $1 ORDER BY id`,
		toInt64(guildID),
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPGSubscriptions(rows)
}

// ListServiceSubscriptions returns all subscriptions of the given service.
func (p *Postgres) ListServiceSubscriptions(ctx context.Context, service model.Service) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE service = $1 ORDER BY id`,
		string(service),
	)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanPGSubscriptions(rows)
}

// DeleteSubscription removes a subscription owned by guildID.
func (p *Postgres) DeleteSubscription(ctx context.Context, id int64, guildID snowflake.ID) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE id = $1 AND guild_id = $2`, id, toInt64(guildID),
	)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return expectAffected(res)
}

// UpdateDelivery records the signature and message of the latest notification.
func (p *Postgres) UpdateDelivery(ctx context.Context, id int64, signature string, messageID snowflake.ID) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE subscriptions SET last_signature = $1, last_message_id = $2 WHERE id = $3`,
		signature, toInt64(messageID), id,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return expectAffected(res)
}

// ClearDelivery forgets the latest notification of a subscription.
func (p *Postgres) ClearDelivery(ctx context.Context, id int64) error {
	return p.UpdateDelivery(ctx, id, "", 0)
}

// CreateTask inserts a scheduled task, assigning an ID when empty.
func (p *Postgres) CreateTask(ctx context.Context, task *model.ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO scheduled_tasks (id, action, channel_id, message_id, due_at, attempts)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING created_at`,
		task.ID, string(task.Action), toInt64(task.ChannelID), toInt64(task.MessageID),
		task.DueAt.UTC(), task.Attempts,
	).Scan(&task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// ListDueTasks returns up to limit tasks due at or before now, oldest first.
func (p *Postgres) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]model.ScheduledTask, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE due_at <= $1 ORDER BY due_at, id LIMIT $2`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []model.ScheduledTask
	for rows.Next() {
		var t model.ScheduledTask
		var action string
		var channelID, messageID int64
		if err := rows.Scan(&t.ID, &action, &channelID, &messageID, &t.DueAt, &t.Attempts, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Action = model.TaskAction(action)
		t.ChannelID = fromInt64(channelID)
		t.MessageID = fromInt64(messageID)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task by its ID.
func (p *Postgres) DeleteTask(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// RescheduleTask moves a task to dueAt and counts the failed attempt.
func (p *Postgres) RescheduleTask(ctx context.Context, id string, dueAt time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET due_at = $1, attempts = attempts + 1 WHERE id = $2`,
		dueAt.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("reschedule task: %w", err)
	}
	return expectAffected(res)
}

func scanPGSubscription(row scannable) (model.Subscription, error) {
	var sub model.Subscription
	var service, hardMode string
	var guildID, channelID, roleID, lastMessageID int64
	err := row.Scan(&sub.ID, &service, &guildID, &channelID, &sub.Category, &hardMode,
		&roleID, &lastMessageID, &sub.LastSignature, &sub.CreatedAt)
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
	return sub, nil
}

func scanPGSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanPGSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
