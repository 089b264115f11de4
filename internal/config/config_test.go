package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"gateway": {"port": 9000},
		"channels": {
			"telegram": {
				"enabled": true,
				"accounts": {"default": {"token": "123:abc", "allowFrom": ["111", 222]}}
			}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Gateway.Port)
	}
	// Defaults survive partial files.
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("host = %q, want default", cfg.Gateway.Host)
	}
	if cfg.Channels.MediaMaxMB != 50 {
		t.Errorf("mediaMaxMb = %d, want default 50", cfg.Channels.MediaMaxMB)
	}

	a := cfg.Channels.Telegram.Accounts["default"]
	if a.Token != "123:abc" {
		t.Errorf("token = %q", a.Token)
	}
	// Mixed string/number allowFrom entries all become strings.
	if len(a.AllowFrom) != 2 || a.AllowFrom[0] != "111" || a.AllowFrom[1] != "222" {
		t.Errorf("allowFrom = %v", a.AllowFrom)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
gateway:
  port: 9001
channels:
  discord:
    enabled: true
    accounts:
      default:
        token: dtok
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 9001 {
		t.Errorf("port = %d, want 9001", cfg.Gateway.Port)
	}
	if cfg.Channels.Discord.Accounts["default"].Token != "dtok" {
		t.Error("yaml account not parsed")
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("CHATGATE_TEST_TOKEN", "tok-from-env")
	path := writeConfig(t, "config.json", `{
		"channels": {
			"telegram": {
				"enabled": true,
				"accounts": {
					"default": {"token": "${CHATGATE_TEST_TOKEN}", "parseMode": "${CHATGATE_TEST_UNSET:-Markdown}"}
				}
			}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a := cfg.Channels.Telegram.Accounts["default"]
	if a.Token != "tok-from-env" {
		t.Errorf("token = %q, want env value", a.Token)
	}
	if a.ParseMode != "Markdown" {
		t.Errorf("parseMode = %q, want fallback default", a.ParseMode)
	}
}

func TestLoadValidation(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"gateway": {"port": 99999},
		"channels": {
			"telegram": {"enabled": true, "accounts": {"default": {"token": ""}}}
		}
	}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("invalid config loaded")
	}
	if !strings.Contains(err.Error(), "gateway.port") {
		t.Errorf("error does not name the bad port: %v", err)
	}
	if !strings.Contains(err.Error(), "token is required") {
		t.Errorf("error does not name the missing token: %v", err)
	}
}

func TestValidationSkipsDisabledAccounts(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Accounts = map[string]TelegramAccount{
		"old": {Disabled: true, Token: ""},
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled account should not require a token: %v", err)
	}
}

func TestPickDefaultAccount(t *testing.T) {
	accounts := map[string]TelegramAccount{"b": {}, "a": {}, "default": {}}

	if got := PickDefaultAccount("b", accounts); got != "b" {
		t.Errorf("explicit = %q, want b", got)
	}
	if got := PickDefaultAccount("missing", accounts); got != "default" {
		t.Errorf("bad explicit = %q, want default", got)
	}
	if got := PickDefaultAccount("", accounts); got != "default" {
		t.Errorf("empty explicit = %q, want default", got)
	}

	delete(accounts, "default")
	if got := PickDefaultAccount("", accounts); got != "a" {
		t.Errorf("no default key = %q, want first sorted id", got)
	}
	if got := PickDefaultAccount("", map[string]TelegramAccount{}); got != "" {
		t.Errorf("no accounts = %q, want empty", got)
	}
}

func TestGetSetByPath(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "gateway.port")
	if err != nil {
		t.Fatalf("GetByPath: %v", err)
	}
	if val.(float64) != 8790 {
		t.Errorf("gateway.port = %v", val)
	}

	if err := SetByPath(cfg, "channels.telegram.enabled", "true"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("set did not apply")
	}

	if err := SetByPath(cfg, "gateway.graceSeconds", "30"); err != nil {
		t.Fatalf("SetByPath: %v", err)
	}
	if cfg.Gateway.GraceSeconds != 30 {
		t.Errorf("graceSeconds = %d, want 30", cfg.Gateway.GraceSeconds)
	}

	if _, err := GetByPath(cfg, "no.such.key"); err == nil {
		t.Error("missing key should error")
	}
}

func TestSanitizeMasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Channels.Telegram.Accounts = map[string]TelegramAccount{
		"default": {Token: "123456789:AAlongbotapitokenvalue"},
	}
	cfg.Channels.WhatsApp.Accounts = map[string]WhatsAppAccount{
		"default": {AccessToken: "EAAGlongpagetokenvalue", AppSecret: "shh"},
	}
	cfg.Channels.Teams.Accounts = map[string]TeamsAccount{
		"default": {WebhookURL: "https://outlook.office.com/webhook/secret-path"},
	}

	got := Sanitize(cfg)

	if tok := got.Channels.Telegram.Accounts["default"].Token; strings.Contains(tok, "botapitoken") {
		t.Errorf("telegram token not masked: %q", tok)
	}
	if tok := got.Channels.WhatsApp.Accounts["default"].AccessToken; strings.Contains(tok, "pagetoken") {
		t.Errorf("whatsapp token not masked: %q", tok)
	}
	if got.Channels.WhatsApp.Accounts["default"].AppSecret != "***" {
		t.Error("short secret not fully masked")
	}
	if url := got.Channels.Teams.Accounts["default"].WebhookURL; strings.Contains(url, "secret-path") {
		t.Errorf("teams webhook not masked: %q", url)
	}

	// Original untouched.
	if cfg.Channels.Telegram.Accounts["default"].Token != "123456789:AAlongbotapitokenvalue" {
		t.Error("Sanitize mutated the original config")
	}
}

func TestFlexStringListMixed(t *testing.T) {
	var f FlexStringList
	if err := json.Unmarshal([]byte(`["abc", 123, -456]`), &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := []string{"abc", "123", "-456"}
	if len(f) != len(want) {
		t.Fatalf("got %v", f)
	}
	for i := range want {
		if f[i] != want[i] {
			t.Errorf("f[%d] = %q, want %q", i, f[i], want[i])
		}
	}
}
