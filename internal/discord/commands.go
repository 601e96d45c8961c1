package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/omit"
	"github.com/disgoorg/snowflake/v2"

	"wardenprime/internal/category"
	"wardenprime/internal/filter"
	"wardenprime/internal/model"
	"wardenprime/internal/storage"
)

const (
	cmdNotify      = "notify"
	subSubscribe   = "subscribe"
	subUnsubscribe = "unsubscribe"
	subList        = "list"
)

// SubscribeRequest carries the options of /notify subscribe.
type SubscribeRequest struct {
	GuildID   snowflake.ID
	ChannelID snowflake.ID
	Service   string
	Category  string
	HardMode  string
	RoleID    snowflake.ID
}

// Subscription builds a validated subscription from the request.
func (r SubscribeRequest) Subscription() (model.Subscription, error) {
	svc := model.Service(strings.ToLower(strings.TrimSpace(r.Service)))
	if !svc.Valid() {
		return model.Subscription{}, fmt.Errorf("unknown service %q", r.Service)
	}
	if r.GuildID == 0 {
		return model.Subscription{}, errors.New("subscriptions are only available in servers")
	}
	if err := filter.ValidateCategory(r.Category); err != nil {
		return model.Subscription{}, err
	}
	hard, err := filter.ParseHardMode(r.HardMode)
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{
		Service:   svc,
		GuildID:   r.GuildID,
		ChannelID: r.ChannelID,
		Category:  strings.TrimSpace(r.Category),
		HardMode:  hard,
		RoleID:    r.RoleID,
	}, nil
}

// Notify implements the /notify command family.
type Notify struct {
	store storage.Storage
	log   *slog.Logger
}

// NewNotify creates the /notify command handlers.
func NewNotify(store storage.Storage, log *slog.Logger) *Notify {
	return &Notify{store: store, log: log}
}

// Register adds /notify to reg.
func (n *Notify) Register(reg *Registry) {
	reg.Register(notifyCommand(), n.handle)
}

func notifyCommand() discord.SlashCommandCreate {
	perm := discord.PermissionManageChannels

	services := make([]discord.ApplicationCommandOptionChoiceString, 0, len(model.Services))
	for _, s := range model.Services {
		services = append(services, discord.ApplicationCommandOptionChoiceString{Name: string(s), Value: string(s)})
	}

	return discord.SlashCommandCreate{
		Name:                     cmdNotify,
		Description:              "Manage Warframe notifications for this server",
		DefaultMemberPermissions: omit.New(&perm),
		Contexts: []discord.InteractionContextType{
			discord.InteractionContextTypeGuild,
		},
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        subSubscribe,
				Description: "Post notifications of a service in a channel",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:        "service",
						Description: "Notification service",
						Required:    true,
						Choices:     services,
					},
					discord.ApplicationCommandOptionChannel{
						Name:        "channel",
						Description: "Target channel (default: this channel)",
					},
					discord.ApplicationCommandOptionString{
						Name:        "category",
						Description: "Only this category, e.g. Exterminate or Lith (default: all)",
					},
					discord.ApplicationCommandOptionString{
						Name:        "hard_mode",
						Description: "Steel Path filter",
						Choices: []discord.ApplicationCommandOptionChoiceString{
							{Name: "any", Value: string(model.HardAny)},
							{Name: "steel path only", Value: string(model.HardOnly)},
							{Name: "normal only", Value: string(model.HardNever)},
						},
					},
					discord.ApplicationCommandOptionRole{
						Name:        "role",
						Description: "Role to mention on new notifications",
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        subUnsubscribe,
				Description: "Remove a subscription",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionInt{
						Name:        "id",
						Description: "Subscription ID from /notify list",
						Required:    true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        subList,
				Description: "Show the subscriptions of this server",
			},
		},
	}
}

func (n *Notify) handle(ctx context.Context, e *events.ApplicationCommandInteractionCreate) {
	data := e.SlashCommandInteractionData()
	var guildID snowflake.ID
	if g := e.GuildID(); g != nil {
		guildID = *g
	}

	var reply string
	switch sub := subcommand(data); sub {
	case subSubscribe:
		req := SubscribeRequest{GuildID: guildID, ChannelID: e.Channel().ID()}
		req.Service, _ = data.OptString("service")
		req.Category, _ = data.OptString("category")
		req.HardMode, _ = data.OptString("hard_mode")
		if ch, ok := data.OptChannel("channel"); ok {
			req.ChannelID = ch.ID
		}
		if role, ok := data.OptRole("role"); ok {
			req.RoleID = role.ID
		}
		reply = n.Subscribe(ctx, req)
	case subUnsubscribe:
		id, _ := data.OptInt("id")
		reply = n.Unsubscribe(ctx, guildID, int64(id))
	case subList:
		reply = n.List(ctx, guildID)
	default:
		reply = fmt.Sprintf("Unknown subcommand %q.", sub)
	}

	err := e.CreateMessage(discord.NewMessageCreate().
		WithContent(reply).
		WithEphemeral(true))
	if err != nil {
		n.log.Error("reply to command", "command", cmdNotify, "error", err)
	}
}

func subcommand(data discord.SlashCommandInteractionData) string {
	if data.SubCommandName == nil {
		return ""
	}
	return *data.SubCommandName
}

// Subscribe creates a subscription and returns the reply text.
func (n *Notify) Subscribe(ctx context.Context, req SubscribeRequest) string {
	sub, err := req.Subscription()
	if err != nil {
		return "Cannot subscribe: " + err.Error() + "."
	}

	if err := n.store.CreateSubscription(ctx, &sub); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return "This channel already has that subscription."
		}
		n.log.Error("create subscription", "guild_id", req.GuildID, "error", err)
		return "Failed to save the subscription, try again later."
	}

	n.log.Info("subscription created", "subscription_id", sub.ID, "service", sub.Service,
		"guild_id", sub.GuildID, "channel_id", sub.ChannelID, "category", sub.Category)
	return fmt.Sprintf("Subscribed %s.", FormatSubscription(sub))
}

// Unsubscribe deletes a subscription of the guild and returns the reply text.
func (n *Notify) Unsubscribe(ctx context.Context, guildID snowflake.ID, id int64) string {
	sub, err := n.store.GetSubscription(ctx, id)
	if err == nil && sub.GuildID != guildID {
		err = storage.ErrNotFound
	}
	if err == nil {
		err = n.store.DeleteSubscription(ctx, id, guildID)
	}
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fmt.Sprintf("Subscription #%d not found.", id)
	case err != nil:
		n.log.Error("delete subscription", "subscription_id", id, "error", err)
		return "Failed to delete the subscription, try again later."
	}
	return "Removed " + FormatSubscription(*sub) + "."
}

// List returns the subscriptions of the guild as reply text.
func (n *Notify) List(ctx context.Context, guildID snowflake.ID) string {
	subs, err := n.store.ListSubscriptions(ctx, guildID)
	if err != nil {
		n.log.Error("list subscriptions", "guild_id", guildID, "error", err)
		return "Failed to load subscriptions, try again later."
	}
	return FormatSubscriptionList(subs)
}

// FormatSubscription describes one subscription on a single line.
func FormatSubscription(sub model.Subscription) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#%d %s in <#%s>", sub.ID, sub.Service, sub.ChannelID)
	if sub.Aggregate() {
		b.WriteString(", all categories")
	} else {
		fmt.Fprintf(&b, ", %s", category.Canonicalize(sub.Category).Label())
	}
	switch sub.HardMode {
	case model.HardOnly:
		b.WriteString(", steel path only")
	case model.HardNever:
		b.WriteString(", normal only")
	}
	if sub.RoleID != 0 {
		fmt.Fprintf(&b, ", pings <@&%s>", sub.RoleID)
	}
	return b.String()
}

// FormatSubscriptionList formats the subscriptions of a guild.
func FormatSubscriptionList(subs []model.Subscription) string {
	if len(subs) == 0 {
		return "No subscriptions yet. Use /notify subscribe to add one."
	}
	var b strings.Builder
	b.WriteString("Subscriptions:\n")
	for _, s := range subs {
		b.WriteString(FormatSubscription(s))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}
