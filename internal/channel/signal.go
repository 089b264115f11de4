package channel

import (
	"bytes"
	"context"
	"encoding/base64"
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

const signalReceiveInterval = 5 * time.Second

type signalAccount struct {
	ID  string
	Cfg config.SignalAccount
}

// NewSignal builds the Signal provider plugin. It talks to a signal-cli REST
// daemon; sends are direct HTTP calls, receiving polls the daemon.
func NewSignal(logger *slog.Logger) *domain.Plugin {
	return &domain.Plugin{
		Descriptor: domain.Descriptor{
			ID:      "signal",
			Label:   "Signal",
			Aliases: []string{"sig"},
			Surfaces: []domain.Surface{
				domain.SurfaceDirect, domain.SurfaceGroup,
			},
			Media:     true,
			Polls:     false,
			Reactions: true,
		},
		Config: domain.ConfigOps{
			ListAccountIDs: func(cfg *config.Config) []string {
				return config.SortedAccountIDs(cfg.Channels.Signal.Accounts)
			},
			DefaultAccountID: func(cfg *config.Config) string {
				return config.PickDefaultAccount(cfg.Channels.Signal.DefaultAccount, cfg.Channels.Signal.Accounts)
			},
			ResolveAccount: func(cfg *config.Config, accountID string) (domain.Account, error) {
				return resolveSignalAccount(cfg, accountID)
			},
			Enabled: func(cfg *config.Config, accountID string) bool {
				if !cfg.Channels.Signal.Enabled {
					return false
				}
				a, ok := cfg.Channels.Signal.Accounts[accountID]
				return ok && !a.Disabled
			},
			IsConfigured: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) bool {
				a := account.(signalAccount)
				return a.Cfg.Endpoint != "" && a.Cfg.Number != ""
			},
			Unconfigured: "not configured",
			DescribeAccount: func(account domain.Account, cfg *config.Config) map[string]any {
				a := account.(signalAccount)
				return map[string]any{"number": a.Cfg.Number}
			},
		},
		Outbound: &domain.Outbound{
			Mode: domain.DeliveryDirect,
			ResolveTarget: func(req domain.TargetRequest) domain.TargetResult {
				to := strings.TrimSpace(req.To)
				if to == "" {
					to = firstAllowFrom(req, func(c *config.Config) []string {
						return c.Channels.Signal.Accounts[req.AccountID].AllowFrom
					})
				}
				if to == "" {
					return domain.TargetResult{Err: "signal requires an E.164 destination like +15551234567"}
				}
				normalized := normalizeE164(to)
				if !e164Pattern.MatchString(normalized) {
					return domain.TargetResult{Err: fmt.Sprintf("signal destination %q is not a valid E.164 number", to)}
				}
				return domain.TargetResult{OK: true, To: normalized}
			},
			SendText: func(ctx context.Context, sc domain.SendContext, to, text string) (domain.DeliveryResult, error) {
				a := sc.Account.(signalAccount)
				return signalSend(ctx, sc.Env.HTTPClient, a, to, text, nil)
			},
			SendMedia: func(ctx context.Context, sc domain.SendContext, req domain.MediaRequest) (domain.DeliveryResult, error) {
				a := sc.Account.(signalAccount)
				attachment, err := fetchAttachment(ctx, sc.Env.HTTPClient, req.URL, req.MaxBytes)
				if err != nil {
					return domain.DeliveryResult{}, err
				}
				return signalSend(ctx, sc.Env.HTTPClient, a, req.To, req.Caption, []string{attachment})
			},
			// The daemon accepts long bodies; no client chunking.
			Chunker: nil,
			MediaMaxMB: func(cfg *config.Config, accountID string) int {
				return cfg.Channels.Signal.Accounts[accountID].MediaMaxMB
			},
		},
		Status: &domain.Status{
			ProbeAccount: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) (domain.ProbeResult, error) {
				a := account.(signalAccount)
				req, err := http.NewRequestWithContext(ctx, http.MethodGet,
					strings.TrimRight(a.Cfg.Endpoint, "/")+"/v1/about", nil)
				if err != nil {
					return domain.ProbeResult{Detail: err.Error()}, nil
				}
				resp, err := env.HTTPClient.Do(req)
				if err != nil {
					return domain.ProbeResult{Detail: fmt.Sprintf("daemon unreachable: %v", err)}, nil
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					return domain.ProbeResult{Detail: fmt.Sprintf("daemon returned %d", resp.StatusCode)}, nil
				}
				return domain.ProbeResult{OK: true, Extra: map[string]any{"number": a.Cfg.Number}}, nil
			},
		},
		Gateway: &domain.Gateway{
			StartAccount: func(ctx context.Context, sc domain.StartContext) error {
				return runSignalAccount(ctx, sc)
			},
		},
	}
}

func resolveSignalAccount(cfg *config.Config, accountID string) (signalAccount, error) {
	if accountID == "" {
		accountID = config.PickDefaultAccount(cfg.Channels.Signal.DefaultAccount, cfg.Channels.Signal.Accounts)
	}
	a, ok := cfg.Channels.Signal.Accounts[accountID]
	if !ok {
		return signalAccount{}, fmt.Errorf("signal account %q not found in config", accountID)
	}
	return signalAccount{ID: accountID, Cfg: a}, nil
}

func signalSend(ctx context.Context, client *http.Client, a signalAccount, to, text string, attachments []string) (domain.DeliveryResult, error) {
	payload := map[string]any{
		"message":    text,
		"number":     a.Cfg.Number,
		"recipients": []string{to},
	}
	if len(attachments) > 0 {
		payload["base64_attachments"] = attachments
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("marshal: %w", err)
	}

	url := strings.TrimRight(a.Cfg.Endpoint, "/") + "/v2/send"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return domain.DeliveryResult{}, fmt.Errorf("signal send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return domain.DeliveryResult{}, fmt.Errorf("signal daemon %d: %s", resp.StatusCode, string(respBody))
	}

	// The daemon returns the send timestamp, not a message id; mint one so
	// results stay addressable.
	return domain.DeliveryResult{
		Provider:  "signal",
		MessageID: uuid.NewString(),
		ChatID:    to,
		Timestamp: time.Now(),
	}, nil
}

// fetchAttachment downloads a media URL and encodes it for the daemon,
// enforcing the byte ceiling both before and during the read.
func fetchAttachment(ctx context.Context, client *http.Client, url string, maxBytes int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build media request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch media: %s returned %d", url, resp.StatusCode)
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return "", fmt.Errorf("media %s is %d bytes, over the %d byte limit", url, resp.ContentLength, maxBytes)
	}

	var reader io.Reader = resp.Body
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("read media: %w", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return "", fmt.Errorf("media %s exceeds the %d byte limit", url, maxBytes)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// runSignalAccount polls the daemon's receive endpoint until the context is
// cancelled. Received envelopes only update the status record.
func runSignalAccount(ctx context.Context, sc domain.StartContext) error {
	a := sc.Account.(signalAccount)
	url := strings.TrimRight(a.Cfg.Endpoint, "/") + "/v1/receive/" + a.Cfg.Number

	sc.Log.Info("signal receive loop starting", "number", a.Cfg.Number)

	ticker := time.NewTicker(signalReceiveInterval)
	defer ticker.Stop()

	connected := false
	for {
		select {
		case <-ctx.Done():
			sc.Log.Info("signal account stopping")
			sc.Status.SetConnected(false)
			return nil
		case <-ticker.C:
			envelopes, err := signalReceive(ctx, sc.Env.HTTPClient, url)
			if err != nil {
				if ctx.Err() != nil {
					sc.Status.SetConnected(false)
					return nil
				}
				if connected {
					connected = false
					sc.Status.SetConnected(false)
					sc.Log.Warn("signal daemon unreachable", "err", err)
				}
				continue
			}
			if !connected {
				connected = true
				sc.Status.SetConnected(true)
			}
			for _, env := range envelopes {
				if env.Envelope.DataMessage != nil {
					sc.Status.MarkMessage()
					sc.Log.Debug("signal message received", "source", env.Envelope.Source)
				} else {
					sc.Status.MarkEvent()
				}
			}
		}
	}
}

type signalEnvelope struct {
	Envelope struct {
		Source      string `json:"source"`
		Timestamp   int64  `json:"timestamp"`
		DataMessage *struct {
			Message string `json:"message"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

func signalReceive(ctx context.Context, client *http.Client, url string) ([]signalEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("receive returned %d", resp.StatusCode)
	}

	var envelopes []signalEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return nil, fmt.Errorf("decode envelopes: %w", err)
	}
	return envelopes, nil
}
