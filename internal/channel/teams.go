package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"chatgate/internal/config"
	"chatgate/internal/domain"
)

const teamsMaxMsgLen = 25000

type teamsAccount struct {
	ID  string
	Cfg config.TeamsAccount
}

// NewTeams builds the Microsoft Teams provider plugin. Sends post to an
// incoming-webhook connector; the destination is baked into the webhook URL,
// so targets are cosmetic. No gateway section: webhooks are fire-and-forget.
func NewTeams(logger *slog.Logger) *domain.Plugin {
	return &domain.Plugin{
		Descriptor: domain.Descriptor{
			ID:      "teams",
			Label:   "Microsoft Teams",
			Aliases: []string{"msteams"},
			Surfaces: []domain.Surface{
				domain.SurfaceChannel,
			},
			Media: true,
		},
		Config: domain.ConfigOps{
			ListAccountIDs: func(cfg *config.Config) []string {
				return config.SortedAccountIDs(cfg.Channels.Teams.Accounts)
			},
			DefaultAccountID: func(cfg *config.Config) string {
				return config.PickDefaultAccount(cfg.Channels.Teams.DefaultAccount, cfg.Channels.Teams.Accounts)
			},
			ResolveAccount: func(cfg *config.Config, accountID string) (domain.Account, error) {
				return resolveTeamsAccount(cfg, accountID)
			},
			Enabled: func(cfg *config.Config, accountID string) bool {
				if !cfg.Channels.Teams.Enabled {
					return false
				}
				a, ok := cfg.Channels.Teams.Accounts[accountID]
				return ok && !a.Disabled
			},
			IsConfigured: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) bool {
				return account.(teamsAccount).Cfg.WebhookURL != ""
			},
			Unconfigured: "not configured",
		},
		Outbound: &domain.Outbound{
			Mode: domain.DeliveryDirect,
			ResolveTarget: func(req domain.TargetRequest) domain.TargetResult {
				// The webhook already addresses one channel. Accept anything,
				// defaulting to the account id for result reporting.
				to := strings.TrimSpace(req.To)
				if to == "" {
					to = req.AccountID
				}
				return domain.TargetResult{OK: true, To: to}
			},
			SendText: func(ctx context.Context, sc domain.SendContext, to, text string) (domain.DeliveryResult, error) {
				a := sc.Account.(teamsAccount)
				return teamsPost(ctx, sc.Env.HTTPClient, a, to, map[string]any{
					"text": text,
				})
			},
			SendMedia: func(ctx context.Context, sc domain.SendContext, req domain.MediaRequest) (domain.DeliveryResult, error) {
				a := sc.Account.(teamsAccount)
				card := map[string]any{
					"@type":    "MessageCard",
					"@context": "https://schema.org/extensions",
					"text":     req.Caption,
					"sections": []map[string]any{
						{"images": []map[string]string{{"image": req.URL}}},
					},
				}
				return teamsPost(ctx, sc.Env.HTTPClient, a, req.To, card)
			},
			Chunker: SplitMessage,
			ChunkLimit: func(cfg *config.Config, accountID string) int {
				if a, ok := cfg.Channels.Teams.Accounts[accountID]; ok && a.MaxMsgLen > 0 {
					return a.MaxMsgLen
				}
				return teamsMaxMsgLen
			},
			MediaMaxMB: func(cfg *config.Config, accountID string) int {
				return cfg.Channels.Teams.Accounts[accountID].MediaMaxMB
			},
		},
		Status: &domain.Status{
			ProbeAccount: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) (domain.ProbeResult, error) {
				a := account.(teamsAccount)
				if a.Cfg.WebhookURL == "" {
					return domain.ProbeResult{Detail: "no webhook url"}, nil
				}
				// Webhook connectors have no read endpoint; validate shape only.
				if !strings.HasPrefix(a.Cfg.WebhookURL, "https://") {
					return domain.ProbeResult{Detail: "webhook url is not https"}, nil
				}
				return domain.ProbeResult{OK: true}, nil
			},
		},
	}
}

func resolveTeamsAccount(cfg *config.Config, accountID string) (teamsAccount, error) {
	if accountID == "" {
		accountID = config.PickDefaultAccount(cfg.Channels.Teams.DefaultAccount, cfg.Channels.Teams.Accounts)
	}
	a, ok := cfg.Channels.Teams.Accounts[accountID]
	if !ok {
		return teamsAccount{}, fmt.Errorf("teams account %q not found in config", accountID)
	}
	return teamsAccount{ID: accountID, Cfg: a}, nil
}

func teamsPost(ctx context.Context, client *http.Client, a teamsAccount, to string, payload map[string]any) (domain.DeliveryResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("teams send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.DeliveryResult{}, fmt.Errorf("teams webhook %d: %s", resp.StatusCode, string(respBody))
	}

	// Webhook responses carry no message id; mint one.
	return domain.DeliveryResult{
		Provider:  "teams",
		MessageID: uuid.NewString(),
		ChatID:    to,
		Timestamp: time.Now(),
	}, nil
}
