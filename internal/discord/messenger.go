// Package discord connects the notifier and the subscription commands to
// Discord through disgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"

	"wardenprime/internal/notifier"
)

// Discord JSON error codes that decide how a failed call is classified.
const (
	codeUnknownChannel     = 10003
	codeUnknownMessage     = 10008
	codeMissingAccess      = 50001
	codeMissingPermissions = 50013
)

// channelREST is the subset of the disgo REST client used for messages.
type channelREST interface {
	CreateMessage(channelID snowflake.ID, messageCreate discord.MessageCreate, opts ...rest.RequestOpt) (*discord.Message, error)
	UpdateMessage(channelID, messageID snowflake.ID, messageUpdate discord.MessageUpdate, opts ...rest.RequestOpt) (*discord.Message, error)
	DeleteMessage(channelID, messageID snowflake.ID, opts ...rest.RequestOpt) error
	GetMessages(channelID, around, before, after snowflake.ID, limit int, opts ...rest.RequestOpt) ([]discord.Message, error)
}

// Messenger implements notifier.Messenger on the Discord REST API.
type Messenger struct {
	rest   channelREST
	selfID snowflake.ID
}

// NewMessenger creates a Messenger. selfID is the bot user, used to tell our
// own messages apart when scanning channel history.
func NewMessenger(r channelREST, selfID snowflake.ID) *Messenger {
	return &Messenger{rest: r, selfID: selfID}
}

func (m *Messenger) CreateMessage(ctx context.Context, channelID snowflake.ID, msg notifier.Message) (snowflake.ID, error) {
	created, err := m.rest.CreateMessage(channelID, toCreate(msg), rest.WithCtx(ctx))
	if err != nil {
		return 0, fmt.Errorf("create message in %s: %w", channelID, classify(err))
	}
	return created.ID, nil
}

func (m *Messenger) UpdateMessage(ctx context.Context, channelID, messageID snowflake.ID, msg notifier.Message) error {
	_, err := m.rest.UpdateMessage(channelID, messageID, toUpdate(msg), rest.WithCtx(ctx))
	if err != nil {
		return fmt.Errorf("update message %s: %w", messageID, classify(err))
	}
	return nil
}

func (m *Messenger) DeleteMessage(ctx context.Context, channelID, messageID snowflake.ID) error {
	if err := m.rest.DeleteMessage(channelID, messageID, rest.WithCtx(ctx)); err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, classify(err))
	}
	return nil
}

func (m *Messenger) RecentMessages(ctx context.Context, channelID snowflake.ID, limit int) ([]notifier.HistoryMessage, error) {
	msgs, err := m.rest.GetMessages(channelID, 0, 0, 0, limit, rest.WithCtx(ctx))
	if err != nil {
		return nil, fmt.Errorf("get messages in %s: %w", channelID, classify(err))
	}

	out := make([]notifier.HistoryMessage, 0, len(msgs))
	for _, msg := range msgs {
		h := notifier.HistoryMessage{
			ID:       msg.ID,
			FromSelf: msg.Author.ID == m.selfID,
		}
		for _, e := range msg.Embeds {
			if e.Footer != nil {
				h.Footers = append(h.Footers, e.Footer.Text)
			}
		}
		out = append(out, h)
	}
	return out, nil
}

// classify maps Discord errors onto the notifier sentinels.
func classify(err error) error {
	var restErr *rest.Error
	if !errors.As(err, &restErr) {
		return err
	}

	switch int(restErr.Code) {
	case codeUnknownMessage:
		return fmt.Errorf("%w: %w", notifier.ErrMessageNotFound, err)
	case codeUnknownChannel, codeMissingAccess, codeMissingPermissions:
		return fmt.Errorf("%w: %w", notifier.ErrChannelUnavailable, err)
	}
	if restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %w", notifier.ErrChannelUnavailable, err)
	}
	return err
}

func toCreate(msg notifier.Message) discord.MessageCreate {
	return discord.MessageCreate{
		Content:         msg.Content,
		Embeds:          []discord.Embed{toEmbed(msg.Embed)},
		AllowedMentions: allowedMentions(msg),
	}
}

func toUpdate(msg notifier.Message) discord.MessageUpdate {
	embeds := []discord.Embed{toEmbed(msg.Embed)}
	return discord.MessageUpdate{
		Content:         &msg.Content,
		Embeds:          &embeds,
		AllowedMentions: allowedMentions(msg),
	}
}

// allowedMentions only lets the subscription role through, never
// @everyone or users named in upstream text.
func allowedMentions(msg notifier.Message) *discord.AllowedMentions {
	am := &discord.AllowedMentions{Parse: []discord.AllowedMentionType{}}
	if msg.MentionRole != 0 {
		am.Roles = []snowflake.ID{msg.MentionRole}
	}
	return am
}

func toEmbed(e notifier.Embed) discord.Embed {
	out := discord.Embed{
		Title:       e.Title,
		Description: e.Description,
		URL:         e.URL,
		Color:       e.Color,
	}
	if e.Footer != "" {
		out.Footer = &discord.EmbedFooter{Text: e.Footer}
	}
	if !e.Timestamp.IsZero() {
		ts := e.Timestamp
		out.Timestamp = &ts
	}
	for _, f := range e.Fields {
		inline := f.Inline
		out.Fields = append(out.Fields, discord.EmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: &inline,
		})
	}
	return out
}
