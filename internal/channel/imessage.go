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

type imessageAccount struct {
	ID  string
	Cfg config.IMessageAccount
}

// NewIMessage builds the iMessage provider plugin. Sends go to a local bridge
// daemon over HTTP. There is no gateway section: the bridge owns the session,
// so this process has no live connection to maintain.
func NewIMessage(logger *slog.Logger) *domain.Plugin {
	return &domain.Plugin{
		Descriptor: domain.Descriptor{
			ID:      "imessage",
			Label:   "iMessage",
			Aliases: []string{"imsg"},
			Surfaces: []domain.Surface{
				domain.SurfaceDirect, domain.SurfaceGroup,
			},
			Media:     true,
			Reactions: true,
		},
		Config: domain.ConfigOps{
			ListAccountIDs: func(cfg *config.Config) []string {
				return config.SortedAccountIDs(cfg.Channels.IMessage.Accounts)
			},
			DefaultAccountID: func(cfg *config.Config) string {
				return config.PickDefaultAccount(cfg.Channels.IMessage.DefaultAccount, cfg.Channels.IMessage.Accounts)
			},
			ResolveAccount: func(cfg *config.Config, accountID string) (domain.Account, error) {
				return resolveIMessageAccount(cfg, accountID)
			},
			Enabled: func(cfg *config.Config, accountID string) bool {
				if !cfg.Channels.IMessage.Enabled {
					return false
				}
				a, ok := cfg.Channels.IMessage.Accounts[accountID]
				return ok && !a.Disabled
			},
			IsConfigured: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) bool {
				return account.(imessageAccount).Cfg.Endpoint != ""
			},
			Unconfigured: "not configured",
		},
		Outbound: &domain.Outbound{
			Mode: domain.DeliveryDirect,
			ResolveTarget: func(req domain.TargetRequest) domain.TargetResult {
				to := strings.TrimSpace(req.To)
				if to == "" && len(req.AllowFrom) > 0 {
					to = strings.TrimSpace(req.AllowFrom[0])
				}
				if to == "" {
					return domain.TargetResult{Err: "imessage requires a phone number or Apple ID email as destination"}
				}
				return domain.TargetResult{OK: true, To: to}
			},
			SendText: func(ctx context.Context, sc domain.SendContext, to, text string) (domain.DeliveryResult, error) {
				a := sc.Account.(imessageAccount)
				return imessageSend(ctx, sc.Env.HTTPClient, a, map[string]any{
					"recipient": to,
					"message":   text,
				}, to)
			},
			SendMedia: func(ctx context.Context, sc domain.SendContext, req domain.MediaRequest) (domain.DeliveryResult, error) {
				a := sc.Account.(imessageAccount)
				attachment, err := fetchAttachment(ctx, sc.Env.HTTPClient, req.URL, req.MaxBytes)
				if err != nil {
					return domain.DeliveryResult{}, err
				}
				return imessageSend(ctx, sc.Env.HTTPClient, a, map[string]any{
					"recipient":  req.To,
					"message":    req.Caption,
					"attachment": attachment,
				}, req.To)
			},
			// iMessage has no practical message length cap; never chunk.
			Chunker: nil,
			MediaMaxMB: func(cfg *config.Config, accountID string) int {
				return cfg.Channels.IMessage.Accounts[accountID].MediaMaxMB
			},
		},
		Status: &domain.Status{
			ProbeAccount: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) (domain.ProbeResult, error) {
				a := account.(imessageAccount)
				req, err := http.NewRequestWithContext(ctx, http.MethodGet,
					strings.TrimRight(a.Cfg.Endpoint, "/")+"/health", nil)
				if err != nil {
					return domain.ProbeResult{Detail: err.Error()}, nil
				}
				if a.Cfg.Password != "" {
					req.Header.Set("Authorization", "Bearer "+a.Cfg.Password)
				}
				resp, err := env.HTTPClient.Do(req)
				if err != nil {
					return domain.ProbeResult{Detail: fmt.Sprintf("bridge unreachable: %v", err)}, nil
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					return domain.ProbeResult{Detail: fmt.Sprintf("bridge returned %d", resp.StatusCode)}, nil
				}
				return domain.ProbeResult{OK: true}, nil
			},
		},
	}
}

func resolveIMessageAccount(cfg *config.Config, accountID string) (imessageAccount, error) {
	if accountID == "" {
		accountID = config.PickDefaultAccount(cfg.Channels.IMessage.DefaultAccount, cfg.Channels.IMessage.Accounts)
	}
	a, ok := cfg.Channels.IMessage.Accounts[accountID]
	if !ok {
		return imessageAccount{}, fmt.Errorf("imessage account %q not found in config", accountID)
	}
	return imessageAccount{ID: accountID, Cfg: a}, nil
}

func imessageSend(ctx context.Context, client *http.Client, a imessageAccount, payload map[string]any, to string) (domain.DeliveryResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("marshal: %w", err)
	}

	url := strings.TrimRight(a.Cfg.Endpoint, "/") + "/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.Cfg.Password != "" {
		req.Header.Set("Authorization", "Bearer "+a.Cfg.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("imessage send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.DeliveryResult{}, fmt.Errorf("imessage bridge %d: %s", resp.StatusCode, string(respBody))
	}

	var sent struct {
		GUID string `json:"guid"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&sent)

	result := domain.DeliveryResult{
		Provider:  "imessage",
		ChatID:    to,
		Timestamp: time.Now(),
	}
	if sent.GUID != "" {
		result.MessageID = sent.GUID
	} else {
		result.MessageID = uuid.NewString()
	}
	return result, nil
}
