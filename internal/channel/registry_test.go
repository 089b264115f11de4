package channel

import (
	"io"
	"log/slog"
	"testing"

	"chatgate/internal/domain"
)

func testRegistry() *Registry {
	return Default(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolveAliases(t *testing.T) {
	reg := testRegistry()
	tests := []struct {
		in   string
		want string
	}{
		{"telegram", "telegram"},
		{"tg", "telegram"},
		{"TG", "telegram"},
		{"whatsapp", "whatsapp"},
		{"wa", "whatsapp"},
		{"dc", "discord"},
		{"slack", "slack"},
		{"sig", "signal"},
		{"imsg", "imessage"},
		{"msteams", "teams"},
		{"  teams ", "teams"},
	}
	for _, tt := range tests {
		p, ok := reg.Resolve(tt.in)
		if !ok {
			t.Errorf("Resolve(%q) not found", tt.in)
			continue
		}
		if p.Descriptor.ID != tt.want {
			t.Errorf("Resolve(%q) = %s, want %s", tt.in, p.Descriptor.ID, tt.want)
		}
	}

	if _, ok := reg.Resolve("matrix"); ok {
		t.Error("unknown channel resolved")
	}
}

func TestCapabilitySections(t *testing.T) {
	reg := testRegistry()

	// Providers whose platform owns the session have no gateway task.
	for _, id := range []string{"imessage", "teams"} {
		p, _ := reg.Resolve(id)
		if p.Gateway != nil {
			t.Errorf("%s should have no gateway section", id)
		}
	}
	for _, id := range []string{"telegram", "whatsapp", "discord", "slack", "signal"} {
		p, _ := reg.Resolve(id)
		if p.Gateway == nil || p.Gateway.StartAccount == nil {
			t.Errorf("%s should have a gateway task", id)
		}
	}

	// Providers whose platform accepts long messages declare no chunker.
	for _, id := range []string{"whatsapp", "signal", "imessage"} {
		p, _ := reg.Resolve(id)
		if p.Outbound.Chunker != nil {
			t.Errorf("%s should not chunk", id)
		}
	}
	for _, id := range []string{"telegram", "discord", "slack", "teams"} {
		p, _ := reg.Resolve(id)
		if p.Outbound.Chunker == nil || p.Outbound.ChunkLimit == nil {
			t.Errorf("%s should declare a chunker with a limit", id)
		}
	}

	if p, _ := reg.Resolve("whatsapp"); p.Outbound.Mode != domain.DeliveryGateway {
		t.Error("whatsapp should route through the gateway")
	}
	if p, _ := reg.Resolve("telegram"); p.Outbound.Mode != domain.DeliveryDirect {
		t.Error("telegram should send directly")
	}
}

func TestEveryPluginHasOutbound(t *testing.T) {
	for _, p := range testRegistry().Plugins() {
		if p.Outbound == nil || p.Outbound.SendText == nil || p.Outbound.ResolveTarget == nil {
			t.Errorf("%s missing outbound surface", p.Descriptor.ID)
		}
		if p.Config.ListAccountIDs == nil || p.Config.ResolveAccount == nil || p.Config.Enabled == nil {
			t.Errorf("%s missing config surface", p.Descriptor.ID)
		}
	}
}
