package discord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
	"github.com/google/go-cmp/cmp"

	"wardenprime/internal/notifier"
)

type fakeREST struct {
	created []discord.MessageCreate
	updated []discord.MessageUpdate
	history []discord.Message
	err     error
}

func (f *fakeREST) CreateMessage(_ snowflake.ID, m discord.MessageCreate, _ ...rest.RequestOpt) (*discord.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, m)
	return &discord.Message{ID: 900}, nil
}

func (f *fakeREST) UpdateMessage(_, _ snowflake.ID, m discord.MessageUpdate, _ ...rest.RequestOpt) (*discord.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.updated = append(f.updated, m)
	return &discord.Message{}, nil
}

func (f *fakeREST) DeleteMessage(_, _ snowflake.ID, _ ...rest.RequestOpt) error {
	return f.err
}

func (f *fakeREST) GetMessages(_, _, _, _ snowflake.ID, limit int, _ ...rest.RequestOpt) ([]discord.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.history) > limit {
		return f.history[:limit], nil
	}
	return f.history, nil
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "unknown message", err: &rest.Error{Code: codeUnknownMessage}, want: notifier.ErrMessageNotFound},
		{name: "unknown channel", err: &rest.Error{Code: codeUnknownChannel}, want: notifier.ErrChannelUnavailable},
		{name: "missing access", err: &rest.Error{Code: codeMissingAccess}, want: notifier.ErrChannelUnavailable},
		{name: "missing permissions", err: &rest.Error{Code: codeMissingPermissions}, want: notifier.ErrChannelUnavailable},
		{name: "other discord error", err: &rest.Error{Code: 30001}},
		{name: "network error", err: errors.New("connection reset")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			if !errors.Is(got, tt.err) {
				t.Errorf("classified error lost the original: %v", got)
			}
			if tt.want != nil && !errors.Is(got, tt.want) {
				t.Errorf("classify() = %v, want %v", got, tt.want)
			}
			if tt.want == nil && (errors.Is(got, notifier.ErrMessageNotFound) || errors.Is(got, notifier.ErrChannelUnavailable)) {
				t.Errorf("classify() = %v, want unclassified", got)
			}
		})
	}
}

func TestCreateMessage(t *testing.T) {
	r := &fakeREST{}
	m := NewMessenger(r, 42)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id, err := m.CreateMessage(context.Background(), 10, notifier.Message{
		Content:     "<@&7>",
		MentionRole: 7,
		Embed: notifier.Embed{
			Title:     "Void Fissures",
			Color:     0x5865F2,
			Footer:    "sig abc",
			Timestamp: ts,
			Fields:    []notifier.Field{{Name: "Lith Capture", Value: "Node", Inline: true}},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != 900 {
		t.Errorf("id = %d, want 900", id)
	}

	inline := true
	want := discord.MessageCreate{
		Content: "<@&7>",
		Embeds: []discord.Embed{{
			Title:     "Void Fissures",
			Color:     0x5865F2,
			Footer:    &discord.EmbedFooter{Text: "sig abc"},
			Timestamp: &ts,
			Fields:    []discord.EmbedField{{Name: "Lith Capture", Value: "Node", Inline: &inline}},
		}},
		AllowedMentions: &discord.AllowedMentions{
			Parse: []discord.AllowedMentionType{},
			Roles: []snowflake.ID{7},
		},
	}
	got := r.created[0]
	if got.Content != want.Content {
		t.Errorf("content = %q, want %q", got.Content, want.Content)
	}
	if diff := cmp.Diff(want.Embeds, got.Embeds); diff != "" {
		t.Errorf("embeds mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.AllowedMentions, got.AllowedMentions); diff != "" {
		t.Errorf("allowed mentions mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateMessageNotFound(t *testing.T) {
	m := NewMessenger(&fakeREST{err: &rest.Error{Code: codeUnknownMessage}}, 42)

	err := m.UpdateMessage(context.Background(), 10, 11, notifier.Message{})
	if !errors.Is(err, notifier.ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestRecentMessages(t *testing.T) {
	r := &fakeREST{history: []discord.Message{
		{ID: 1, Author: discord.User{ID: 42}, Embeds: []discord.Embed{{Footer: &discord.EmbedFooter{Text: "sig aaa"}}}},
		{ID: 2, Author: discord.User{ID: 77}, Embeds: []discord.Embed{{Footer: &discord.EmbedFooter{Text: "sig bbb"}}}},
		{ID: 3, Author: discord.User{ID: 42}},
	}}
	m := NewMessenger(r, 42)

	got, err := m.RecentMessages(context.Background(), 10, 25)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	want := []notifier.HistoryMessage{
		{ID: 1, FromSelf: true, Footers: []string{"sig aaa"}},
		{ID: 2, FromSelf: false, Footers: []string{"sig bbb"}},
		{ID: 3, FromSelf: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}
