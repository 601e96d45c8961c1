package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"wardenprime/internal/model"
	"wardenprime/internal/notifier"
	"wardenprime/internal/storage"
)

const (
	taskBatch       = 50
	taskMaxAttempts = 5
	taskRetryDelay  = 5 * time.Minute
)

// MessageDeleter removes chat messages.
type MessageDeleter interface {
	DeleteMessage(ctx context.Context, channelID, messageID snowflake.ID) error
}

// TaskRunner executes durable scheduled tasks that are due.
type TaskRunner struct {
	store   storage.Storage
	deleter MessageDeleter
	log     *slog.Logger
	metrics Metrics
	now     func() time.Time
}

// NewTaskRunner creates a TaskRunner.
func NewTaskRunner(store storage.Storage, deleter MessageDeleter, log *slog.Logger) *TaskRunner {
	return &TaskRunner{
		store:   store,
		deleter: deleter,
		log:     log.With("component", "tasks"),
		metrics: nopMetrics{},
		now:     time.Now,
	}
}

// SetMetrics installs a telemetry sink.
func (r *TaskRunner) SetMetrics(m Metrics) {
	r.metrics = m
}

// Run executes every due task once. Failed tasks are rescheduled until they
// run out of attempts.
func (r *TaskRunner) Run(ctx context.Context) error {
	tasks, err := r.store.ListDueTasks(ctx, r.now(), taskBatch)
	if err != nil {
		return fmt.Errorf("list due tasks: %w", err)
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := r.execute(ctx, task)
		r.metrics.ObserveTask(task.Action, err)
		if err == nil {
			r.finish(ctx, task)
			continue
		}

		if task.Attempts+1 >= taskMaxAttempts {
			r.log.Error("task abandoned", "task_id", task.ID, "action", task.Action, "attempts", task.Attempts+1, "error", err)
			r.finish(ctx, task)
			continue
		}
		r.log.Warn("task failed", "task_id", task.ID, "action", task.Action, "error", err)
		if err := r.store.RescheduleTask(ctx, task.ID, r.now().Add(taskRetryDelay)); err != nil {
			r.log.Error("reschedule task", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

func (r *TaskRunner) execute(ctx context.Context, task model.ScheduledTask) error {
	switch task.Action {
	case model.TaskDeleteMessage:
		err := r.deleter.DeleteMessage(ctx, task.ChannelID, task.MessageID)
		if errors.Is(err, notifier.ErrMessageNotFound) || errors.Is(err, notifier.ErrChannelUnavailable) {
			r.log.Debug("message already gone", "task_id", task.ID, "message_id", task.MessageID)
			return nil
		}
		return err
	}
	return fmt.Errorf("unknown task action %q", task.Action)
}

func (r *TaskRunner) finish(ctx context.Context, task model.ScheduledTask) {
	if err := r.store.DeleteTask(ctx, task.ID); err != nil {
		r.log.Error("delete task", "task_id", task.ID, "error", err)
	}
}
