package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/domain"
)

const whatsappAPIBase = "https://graph.facebook.com/v21.0"

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

type whatsappAccount struct {
	ID  string
	Cfg config.WhatsAppAccount
}

// NewWhatsApp builds the WhatsApp provider plugin. Delivery mode is
// gateway: WhatsApp keeps one persistent web session per account, so sends
// from other processes are routed through the running daemon.
func NewWhatsApp(logger *slog.Logger) *domain.Plugin {
	return &domain.Plugin{
		Descriptor: domain.Descriptor{
			ID:      "whatsapp",
			Label:   "WhatsApp",
			Aliases: []string{"wa"},
			Surfaces: []domain.Surface{
				domain.SurfaceDirect, domain.SurfaceGroup,
			},
			Media:     true,
			Polls:     true,
			Reactions: true,
		},
		Config: domain.ConfigOps{
			ListAccountIDs: func(cfg *config.Config) []string {
				return config.SortedAccountIDs(cfg.Channels.WhatsApp.Accounts)
			},
			DefaultAccountID: func(cfg *config.Config) string {
				return config.PickDefaultAccount(cfg.Channels.WhatsApp.DefaultAccount, cfg.Channels.WhatsApp.Accounts)
			},
			ResolveAccount: func(cfg *config.Config, accountID string) (domain.Account, error) {
				return resolveWhatsAppAccount(cfg, accountID)
			},
			// The provider-level flag is a hard global disable: when the web
			// surface is off, every account is unstartable.
			Enabled: func(cfg *config.Config, accountID string) bool {
				if !cfg.Channels.WhatsApp.Enabled {
					return false
				}
				a, ok := cfg.Channels.WhatsApp.Accounts[accountID]
				return ok && !a.Disabled
			},
			IsConfigured: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) bool {
				a := account.(whatsappAccount)
				if a.Cfg.AccessToken == "" || a.Cfg.PhoneNumberID == "" {
					return false
				}
				if env == nil || env.Links == nil {
					return true
				}
				linked, _, err := env.Links.Linked("whatsapp", a.ID)
				if err != nil {
					logger.Warn("link store lookup failed", "account", a.ID, "err", err)
					return true
				}
				return linked
			},
			Unconfigured: "not linked",
			DescribeAccount: func(account domain.Account, cfg *config.Config) map[string]any {
				a := account.(whatsappAccount)
				return map[string]any{
					"phoneNumberId": a.Cfg.PhoneNumberID,
					"allowFrom":     len(a.Cfg.AllowFrom),
				}
			},
		},
		Outbound: &domain.Outbound{
			Mode:          domain.DeliveryGateway,
			ResolveTarget: resolveWhatsAppTarget,
			SendText: func(ctx context.Context, sc domain.SendContext, to, text string) (domain.DeliveryResult, error) {
				a := sc.Account.(whatsappAccount)
				payload := map[string]any{
					"messaging_product": "whatsapp",
					"to":                strings.TrimPrefix(to, "+"),
					"type":              "text",
					"text":              map[string]string{"body": text},
				}
				return whatsappSend(ctx, sc.Env.HTTPClient, a, to, payload)
			},
			SendMedia: func(ctx context.Context, sc domain.SendContext, req domain.MediaRequest) (domain.DeliveryResult, error) {
				a := sc.Account.(whatsappAccount)
				payload := map[string]any{
					"messaging_product": "whatsapp",
					"to":                strings.TrimPrefix(req.To, "+"),
					"type":              "image",
					"image": map[string]string{
						"link":    req.URL,
						"caption": req.Caption,
					},
				}
				return whatsappSend(ctx, sc.Env.HTTPClient, a, req.To, payload)
			},
			// WhatsApp accepts long messages server-side; no client chunking.
			Chunker: nil,
			MediaMaxMB: func(cfg *config.Config, accountID string) int {
				return cfg.Channels.WhatsApp.Accounts[accountID].MediaMaxMB
			},
		},
		Status: &domain.Status{
			BuildSnapshot: func(in domain.SnapshotInput) domain.AccountSnapshot {
				snap := in.Runtime
				a := in.Account.(whatsappAccount)
				snap.SetExtra("phoneNumberId", a.Cfg.PhoneNumberID)
				return snap
			},
		},
		Gateway: &domain.Gateway{
			StartAccount: func(ctx context.Context, sc domain.StartContext) error {
				return runWhatsAppAccount(ctx, sc)
			},
			StopAccount: func(ctx context.Context, sc domain.StartContext) error {
				sc.Log.Info("whatsapp account teardown requested")
				return nil
			},
		},
	}
}

func resolveWhatsAppAccount(cfg *config.Config, accountID string) (whatsappAccount, error) {
	if accountID == "" {
		accountID = config.PickDefaultAccount(cfg.Channels.WhatsApp.DefaultAccount, cfg.Channels.WhatsApp.Accounts)
	}
	a, ok := cfg.Channels.WhatsApp.Accounts[accountID]
	if !ok {
		return whatsappAccount{}, fmt.Errorf("whatsapp account %q not found in config", accountID)
	}
	return whatsappAccount{ID: accountID, Cfg: a}, nil
}

// resolveWhatsAppTarget validates and normalizes an E.164 destination,
// falling back to the first allow-list entry when none is given.
func resolveWhatsAppTarget(req domain.TargetRequest) domain.TargetResult {
	to := strings.TrimSpace(req.To)
	if to == "" {
		if first := firstAllowFrom(req, func(c *config.Config) []string {
			return c.Channels.WhatsApp.Accounts[req.AccountID].AllowFrom
		}); first != "" {
			to = first
		}
	}
	if to == "" {
		return domain.TargetResult{Err: "whatsapp requires an E.164 destination like +15551234567 (none given and no allowFrom fallback)"}
	}

	normalized := normalizeE164(to)
	if !e164Pattern.MatchString(normalized) {
		return domain.TargetResult{Err: fmt.Sprintf("whatsapp destination %q is not a valid E.164 number (expected e.g. +15551234567)", to)}
	}
	return domain.TargetResult{OK: true, To: normalized}
}

// normalizeE164 strips formatting characters and ensures a leading +.
func normalizeE164(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch r {
		case ' ', '-', '(', ')', '.':
			// drop formatting
		default:
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s != "" && !strings.HasPrefix(s, "+") {
		s = "+" + s
	}
	return s
}

func whatsappSend(ctx context.Context, client *http.Client, a whatsappAccount, to string, payload map[string]any) (domain.DeliveryResult, error) {
	url := fmt.Sprintf("%s/%s/messages", whatsappAPIBase, a.Cfg.PhoneNumberID)

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.Cfg.AccessToken)

	resp, err := client.Do(req)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.DeliveryResult{}, fmt.Errorf("whatsapp API %d: %s", resp.StatusCode, string(respBody))
	}

	var sent struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&sent)

	result := domain.DeliveryResult{
		Provider:  "whatsapp",
		ChatID:    to,
		Timestamp: time.Now(),
	}
	if len(sent.Messages) > 0 {
		result.MessageID = sent.Messages[0].ID
	}
	return result, nil
}

// runWhatsAppAccount serves the account's webhook endpoint until the
// context is cancelled. Incoming messages only update the status record;
// inbound dispatch belongs to the application layer.
func runWhatsAppAccount(ctx context.Context, sc domain.StartContext) error {
	a := sc.Account.(whatsappAccount)

	addr := a.Cfg.WebhookAddr
	if addr == "" {
		addr = "127.0.0.1:8791"
	}
	path := a.Cfg.WebhookPath
	if path == "" {
		path = "/webhook/whatsapp"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+path, func(rw http.ResponseWriter, r *http.Request) {
		mode := r.URL.Query().Get("hub.mode")
		token := r.URL.Query().Get("hub.verify_token")
		challenge := r.URL.Query().Get("hub.challenge")

		if mode == "subscribe" && token == a.Cfg.VerifyToken {
			sc.Log.Info("whatsapp webhook verified")
			sc.Status.MarkEvent()
			rw.WriteHeader(http.StatusOK)
			fmt.Fprint(rw, html.EscapeString(challenge))
			return
		}
		sc.Log.Warn("whatsapp webhook verification failed", "mode", mode)
		http.Error(rw, "Forbidden", http.StatusForbidden)
	})
	mux.HandleFunc("POST "+path, func(rw http.ResponseWriter, r *http.Request) {
		handleWhatsAppWebhook(rw, r, a, sc)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sc.Log.Info("whatsapp webhook listening", "addr", addr, "path", path)
	sc.Status.SetConnected(true)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		sc.Status.SetConnected(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		sc.Status.SetConnected(false)
		return err
	}
}

func handleWhatsAppWebhook(rw http.ResponseWriter, r *http.Request, a whatsappAccount, sc domain.StartContext) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	if a.Cfg.AppSecret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if !verifyWhatsAppSignature(body, sig, a.Cfg.AppSecret) {
			sc.Log.Warn("whatsapp invalid signature")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		sc.Log.Warn("whatsapp bad payload", "err", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	sc.Status.MarkEvent()
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, msg := range change.Value.Messages {
				sc.Status.MarkMessage()
				sc.Log.Debug("whatsapp message received", "from", msg.From, "type", msg.Type)
			}
		}
	}

	rw.WriteHeader(http.StatusOK)
}

// verifyWhatsAppSignature checks the X-Hub-Signature-256 header.
func verifyWhatsAppSignature(body []byte, signature, secret string) bool {
	if len(signature) < 7 || signature[:7] != "sha256=" {
		return false
	}
	expected := signature[7:]

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(computed))
}

// --- WhatsApp webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Value waValue `json:"value"`
	Field string  `json:"field"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Messages         []waMessage `json:"messages"`
}

type waMessage struct {
	From string `json:"from"`
	ID   string `json:"id"`
	Type string `json:"type"`
}
