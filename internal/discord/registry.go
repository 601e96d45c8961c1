package discord

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
)

const handlerTimeout = 10 * time.Second

// Handler serves one application command.
type Handler func(ctx context.Context, e *events.ApplicationCommandInteractionCreate)

type command struct {
	create discord.SlashCommandCreate
	handle Handler
}

// Registry maps command names to handlers. It is built once at startup and
// handed to the gateway listener.
type Registry struct {
	commands map[string]command
	log      *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		commands: make(map[string]command),
		log:      log,
	}
}

// Register adds a command. A later registration under the same name wins.
func (r *Registry) Register(create discord.SlashCommandCreate, h Handler) {
	r.commands[create.Name] = command{create: create, handle: h}
}

// Commands returns the command definitions sorted by name.
func (r *Registry) Commands() []discord.ApplicationCommandCreate {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]discord.ApplicationCommandCreate, 0, len(names))
	for _, name := range names {
		out = append(out, r.commands[name].create)
	}
	return out
}

func (r *Registry) handler(name string) (Handler, bool) {
	cmd, ok := r.commands[name]
	return cmd.handle, ok
}

// Listener returns the gateway event listener. Every handler runs under a
// timeout derived from ctx.
func (r *Registry) Listener(ctx context.Context) func(*events.ApplicationCommandInteractionCreate) {
	return func(e *events.ApplicationCommandInteractionCreate) {
		name := e.Data.CommandName()
		h, ok := r.handler(name)
		if !ok {
			r.log.Warn("unknown command", "command", name)
			return
		}

		hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("command handler panicked", "command", name, "panic", rec)
			}
		}()
		h(hctx, e)
	}
}
