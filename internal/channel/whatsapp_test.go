package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"chatgate/internal/config"
	"chatgate/internal/domain"
)

func TestResolveWhatsAppTarget(t *testing.T) {
	tests := []struct {
		name   string
		to     string
		wantOK bool
		want   string
	}{
		{"plain e164", "+15551234567", true, "+15551234567"},
		{"missing plus", "15551234567", true, "+15551234567"},
		{"spaces and dashes", "+1 555-123-4567", true, "+15551234567"},
		{"parens and dots", "+1 (555) 123.4567", true, "+15551234567"},
		{"leading zero", "+05551234567", false, ""},
		{"too short", "+1234", false, ""},
		{"letters", "+1555CALLNOW", false, ""},
		{"group jid rejected", "12036302@g.us", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := resolveWhatsAppTarget(domain.TargetRequest{To: tt.to})
			if res.OK != tt.wantOK {
				t.Fatalf("ok = %v, want %v (err: %s)", res.OK, tt.wantOK, res.Err)
			}
			if res.OK && res.To != tt.want {
				t.Errorf("to = %q, want %q", res.To, tt.want)
			}
			if !res.OK && !strings.Contains(res.Err, "E.164") {
				t.Errorf("error %q does not name the expected format", res.Err)
			}
		})
	}
}

func TestResolveWhatsAppTargetAllowFromFallback(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels.WhatsApp.Accounts = map[string]config.WhatsAppAccount{
		"default": {AllowFrom: config.FlexStringList{"+15557654321"}},
	}

	res := resolveWhatsAppTarget(domain.TargetRequest{
		Cfg:       cfg,
		AccountID: "default",
	})
	if !res.OK {
		t.Fatalf("fallback failed: %s", res.Err)
	}
	if res.To != "+15557654321" {
		t.Errorf("to = %q, want the first allowFrom entry", res.To)
	}
}

func TestResolveWhatsAppTargetExplicitAllowList(t *testing.T) {
	cfg := config.Defaults()
	cfg.Channels.WhatsApp.Accounts = map[string]config.WhatsAppAccount{
		"default": {AllowFrom: config.FlexStringList{"+15557654321"}},
	}

	res := resolveWhatsAppTarget(domain.TargetRequest{
		AllowFrom: []string{"+1 555 000 1111"},
		Cfg:       cfg,
		AccountID: "default",
	})
	if !res.OK {
		t.Fatalf("explicit allow list failed: %s", res.Err)
	}
	if res.To != "+15550001111" {
		t.Errorf("to = %q, explicit allow list must win over the configured one", res.To)
	}
}

func TestResolveWhatsAppTargetNoFallback(t *testing.T) {
	res := resolveWhatsAppTarget(domain.TargetRequest{Cfg: config.Defaults()})
	if res.OK {
		t.Fatal("empty destination with no allowFrom should fail")
	}
	if !strings.Contains(res.Err, "E.164") {
		t.Errorf("error %q does not name the expected format", res.Err)
	}
}

func TestVerifyWhatsAppSignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	secret := "test-secret"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	valid := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !verifyWhatsAppSignature(body, valid, secret) {
		t.Error("valid signature rejected")
	}
	if verifyWhatsAppSignature(body, "sha256=deadbeef", secret) {
		t.Error("wrong signature accepted")
	}
	if verifyWhatsAppSignature(body, "", secret) {
		t.Error("empty signature accepted")
	}
	if verifyWhatsAppSignature(body, "md5=abc", secret) {
		t.Error("non-sha256 prefix accepted")
	}
	if verifyWhatsAppSignature([]byte("tampered"), valid, secret) {
		t.Error("tampered body accepted")
	}
}
