package discord

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
)

// NewClient creates a disgo client that only listens for application
// command interactions. Notifications go through the REST API.
func NewClient(ctx context.Context, token string, reg *Registry, log *slog.Logger) (*bot.Client, error) {
	client, err := disgo.New(token,
		bot.WithGatewayConfigOpts(
			gateway.WithIntents(gateway.IntentGuilds),
		),
		bot.WithEventListenerFunc(reg.Listener(ctx)),
		bot.WithLogger(log.With("component", "disgo")),
		bot.WithRestClientConfigOpts(
			rest.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create discord client: %w", err)
	}
	return client, nil
}

// SyncCommands registers the commands of reg globally, or in a single guild
// when guildID is set.
func SyncCommands(client *bot.Client, reg *Registry, guildID snowflake.ID, log *slog.Logger) error {
	cmds := reg.Commands()
	if guildID != 0 {
		if _, err := client.Rest.SetGuildCommands(client.ApplicationID, guildID, cmds); err != nil {
			return fmt.Errorf("set guild commands: %w", err)
		}
		log.Info("commands registered", "scope", "guild", "guild_id", guildID, "count", len(cmds))
		return nil
	}
	if _, err := client.Rest.SetGlobalCommands(client.ApplicationID, cmds); err != nil {
		return fmt.Errorf("set global commands: %w", err)
	}
	log.Info("commands registered", "scope", "global", "count", len(cmds))
	return nil
}
