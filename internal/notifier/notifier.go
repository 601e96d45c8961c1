// Package notifier delivers rendered notifications to subscribed channels,
// editing the previous message when possible and suppressing repeats.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"

	"wardenprime/internal/category"
	"wardenprime/internal/differ"
	"wardenprime/internal/filter"
	"wardenprime/internal/model"
	"wardenprime/internal/storage"
)

var (
	// ErrChannelUnavailable is returned when the target channel is gone or
	// the bot lacks access to it. It only fails the affected subscription.
	ErrChannelUnavailable = errors.New("channel unavailable")
	// ErrMessageNotFound is returned when editing a message that no longer exists.
	ErrMessageNotFound = errors.New("message not found")
)

// Messenger is the chat transport.
type Messenger interface {
	CreateMessage(ctx context.Context, channelID snowflake.ID, msg Message) (snowflake.ID, error)
	UpdateMessage(ctx context.Context, channelID, messageID snowflake.ID, msg Message) error
	DeleteMessage(ctx context.Context, channelID, messageID snowflake.ID) error
	RecentMessages(ctx context.Context, channelID snowflake.ID, limit int) ([]HistoryMessage, error)
}

// Config tunes dispatch behaviour.
type Config struct {
	// AlwaysNew lists services that post a fresh message for every change
	// instead of editing the previous one, so role pings are delivered.
	AlwaysNew map[model.Service]bool
	// PingThreshold is the number of distinct categories an aggregate
	// subscription needs before its role is mentioned.
	PingThreshold int
	// StaleMessageTTL schedules deletion of superseded messages. Zero keeps them.
	StaleMessageTTL time.Duration
	// HistoryLimit is how many channel messages are scanned on the first pass.
	HistoryLimit int
	// SendRate and SendBurst pace chat writes across all subscriptions.
	SendRate  rate.Limit
	SendBurst int
	// PersistRetries bounds retries of the delivery bookkeeping write.
	PersistRetries int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		AlwaysNew:      map[model.Service]bool{model.ServiceNews: true, model.ServiceAya: true},
		PingThreshold:  1,
		HistoryLimit:   25,
		SendRate:       rate.Limit(5),
		SendBurst:      5,
		PersistRetries: 3,
	}
}

// Dispatcher fans a snapshot out to subscriptions.
type Dispatcher struct {
	store     storage.Storage
	messenger Messenger
	log       *slog.Logger
	cfg       Config
	limiter   *rate.Limiter
	persist   failsafe.Executor[any]
	now       func() time.Time
}

// New creates a Dispatcher.
func New(store storage.Storage, messenger Messenger, log *slog.Logger, cfg Config) *Dispatcher {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 25
	}
	if cfg.PingThreshold <= 0 {
		cfg.PingThreshold = 1
	}
	if cfg.SendRate == 0 {
		cfg.SendRate = rate.Inf
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}

	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(50*time.Millisecond, time.Second).
		WithMaxRetries(cfg.PersistRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ any, err error) bool {
			return err != nil && !errors.Is(err, storage.ErrNotFound)
		}).
		Build()

	return &Dispatcher{
		store:     store,
		messenger: messenger,
		log:       log,
		cfg:       cfg,
		limiter:   rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
		persist:   failsafe.With(retry),
		now:       time.Now,
	}
}

// Dispatch delivers snap to every subscription interested in a changed
// category. Failures are isolated per subscription and reported in the
// returned outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, changed []category.Category, snap model.Snapshot, subs []model.Subscription, firstPass bool) []model.DispatchOutcome {
	var outcomes []model.DispatchOutcome
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		if !filter.Interested(sub, changed) {
			continue
		}
		out := d.deliver(ctx, snap, sub, firstPass)
		d.logOutcome(snap.Service, out)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (d *Dispatcher) deliver(ctx context.Context, snap model.Snapshot, sub model.Subscription, firstPass bool) model.DispatchOutcome {
	out := model.DispatchOutcome{SubscriptionID: sub.ID, ChannelID: sub.ChannelID}

	events := filter.Select(snap.Events, sub)
	if len(events) == 0 {
		out.Result = model.ResultEmpty
		if sub.LastSignature != "" {
			d.clear(ctx, sub)
		}
		return out
	}

	sig := Signature(events)
	out.Signature = sig
	if sig == sub.LastSignature {
		out.Result = model.ResultSkipped
		return out
	}

	if firstPass && sub.LastSignature == "" {
		if msgID, ok := d.findInHistory(ctx, sub.ChannelID, sig); ok {
			d.record(ctx, sub.ID, sig, msgID)
			out.Result = model.ResultAdopted
			return out
		}
	}

	msg := Render(snap.Service, sub, events, sig, d.now())

	sendNew := d.cfg.AlwaysNew[snap.Service] || sub.LastMessageID == 0
	msgID := sub.LastMessageID
	if !sendNew {
		err := d.edit(ctx, sub, msg)
		switch {
		case err == nil:
			out.Result = model.ResultEdited
		case errors.Is(err, ErrChannelUnavailable), ctx.Err() != nil:
			out.Result = model.ResultFailed
			out.Err = err
			return out
		default:
			d.log.Debug("edit failed, sending new message",
				"subscription_id", sub.ID, "message_id", sub.LastMessageID, "error", err)
			sendNew = true
		}
	}

	if sendNew {
		if d.shouldPing(sub, events) {
			msg = withMention(msg, sub.RoleID)
		}
		id, err := d.send(ctx, sub.ChannelID, msg)
		if err != nil {
			out.Result = model.ResultFailed
			out.Err = err
			return out
		}
		msgID = id
		out.Result = model.ResultCreated
	}

	d.record(ctx, sub.ID, sig, msgID)

	if out.Result == model.ResultCreated && sub.LastMessageID != 0 && sub.LastMessageID != msgID {
		d.scheduleDelete(ctx, sub.ChannelID, sub.LastMessageID)
	}
	return out
}

// findInHistory looks for a message of ours whose footer carries the digest
// of sig. It is a best-effort guard against re-announcing after a restart
// that lost the stored signature.
func (d *Dispatcher) findInHistory(ctx context.Context, channelID snowflake.ID, sig string) (snowflake.ID, bool) {
	msgs, err := d.messenger.RecentMessages(ctx, channelID, d.cfg.HistoryLimit)
	if err != nil {
		d.log.Debug("read channel history", "channel_id", channelID, "error", err)
		return 0, false
	}
	footer := FooterFor(sig)
	for _, m := range msgs {
		if m.FromSelf && slices.Contains(m.Footers, footer) {
			return m.ID, true
		}
	}
	return 0, false
}

func (d *Dispatcher) shouldPing(sub model.Subscription, events []model.Event) bool {
	if sub.RoleID == 0 {
		return false
	}
	if !sub.Aggregate() {
		return true
	}
	return len(differ.Categories(events)) >= d.cfg.PingThreshold
}

func (d *Dispatcher) edit(ctx context.Context, sub model.Subscription, msg Message) error {
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}
	return d.messenger.UpdateMessage(ctx, sub.ChannelID, sub.LastMessageID, msg)
}

func (d *Dispatcher) send(ctx context.Context, channelID snowflake.ID, msg Message) (snowflake.ID, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("wait for rate limiter: %w", err)
	}
	id, err := d.messenger.CreateMessage(ctx, channelID, msg)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			err = fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
		}
		return 0, err
	}
	return id, nil
}

// record persists the delivery. A failure is logged only: the next pass
// re-delivers, which is the accepted at-least-once behaviour.
func (d *Dispatcher) record(ctx context.Context, subID int64, sig string, msgID snowflake.ID) {
	_, err := d.persist.WithContext(ctx).Get(func() (any, error) {
		return nil, d.store.UpdateDelivery(ctx, subID, sig, msgID)
	})
	if err != nil {
		d.log.Error("persist delivery", "subscription_id", subID, "error", err)
	}
}

// clear forgets the delivery of a subscription whose events are all gone,
// so the same set is announced again if it returns. The outdated message
// is scheduled for deletion like any superseded one.
func (d *Dispatcher) clear(ctx context.Context, sub model.Subscription) {
	_, err := d.persist.WithContext(ctx).Get(func() (any, error) {
		return nil, d.store.ClearDelivery(ctx, sub.ID)
	})
	if err != nil {
		d.log.Error("clear delivery", "subscription_id", sub.ID, "error", err)
		return
	}
	if sub.LastMessageID != 0 {
		d.scheduleDelete(ctx, sub.ChannelID, sub.LastMessageID)
	}
}

func (d *Dispatcher) scheduleDelete(ctx context.Context, channelID, messageID snowflake.ID) {
	if d.cfg.StaleMessageTTL <= 0 {
		return
	}
	task := model.ScheduledTask{
		Action:    model.TaskDeleteMessage,
		ChannelID: channelID,
		MessageID: messageID,
		DueAt:     d.now().Add(d.cfg.StaleMessageTTL),
	}
	if err := d.store.CreateTask(ctx, &task); err != nil {
		d.log.Error("schedule message deletion", "channel_id", channelID, "message_id", messageID, "error", err)
	}
}

func (d *Dispatcher) logOutcome(service model.Service, out model.DispatchOutcome) {
	attrs := []any{
		"service", service,
		"subscription_id", out.SubscriptionID,
		"channel_id", out.ChannelID,
		"result", out.Result,
	}
	switch {
	case out.Err != nil && errors.Is(out.Err, ErrChannelUnavailable):
		d.log.Warn("channel unavailable", append(attrs, "error", out.Err)...)
	case out.Err != nil:
		d.log.Error("dispatch failed", append(attrs, "error", out.Err)...)
	case out.Result == model.ResultCreated, out.Result == model.ResultEdited, out.Result == model.ResultAdopted:
		d.log.Info("notification delivered", attrs...)
	default:
		d.log.Debug("notification unchanged", attrs...)
	}
}
