// Package channel implements the provider plugins (Telegram, WhatsApp,
// Discord, Slack, Signal, iMessage, Teams) and the registry that resolves
// provider identifiers to them.
package channel

import (
	"log/slog"
	"strings"

	"chatgate/internal/domain"
)

// Registry holds the ordered list of provider plugins and resolves a
// provider identifier (including aliases) to its plugin.
type Registry struct {
	plugins []*domain.Plugin
	byName  map[string]*domain.Plugin
}

// NewRegistry builds a registry from the given plugins, in order.
func NewRegistry(plugins ...*domain.Plugin) *Registry {
	r := &Registry{byName: make(map[string]*domain.Plugin)}
	for _, p := range plugins {
		r.plugins = append(r.plugins, p)
		r.byName[strings.ToLower(p.Descriptor.ID)] = p
		for _, alias := range p.Descriptor.Aliases {
			r.byName[strings.ToLower(alias)] = p
		}
	}
	return r
}

// Default returns the registry with every supported provider registered.
func Default(logger *slog.Logger) *Registry {
	return NewRegistry(
		NewWhatsApp(logger.With("channel", "whatsapp")),
		NewTelegram(logger.With("channel", "telegram")),
		NewDiscord(logger.With("channel", "discord")),
		NewSlack(logger.With("channel", "slack")),
		NewSignal(logger.With("channel", "signal")),
		NewIMessage(logger.With("channel", "imessage")),
		NewTeams(logger.With("channel", "teams")),
	)
}

// Resolve looks up a plugin by id or alias, case-insensitively.
func (r *Registry) Resolve(id string) (*domain.Plugin, bool) {
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(id))]
	return p, ok
}

// Plugins returns the registered plugins in registration order.
func (r *Registry) Plugins() []*domain.Plugin {
	return r.plugins
}
