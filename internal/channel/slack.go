package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/domain"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const slackMaxMsgLen = 4000

type slackAccount struct {
	ID  string
	Cfg config.SlackAccount
}

// NewSlack builds the Slack provider plugin. The gateway task uses Socket
// Mode; sends are plain Web API calls.
func NewSlack(logger *slog.Logger) *domain.Plugin {
	return &domain.Plugin{
		Descriptor: domain.Descriptor{
			ID:    "slack",
			Label: "Slack",
			Surfaces: []domain.Surface{
				domain.SurfaceDirect, domain.SurfaceGroup, domain.SurfaceChannel, domain.SurfaceThread,
			},
			Media:     true,
			Polls:     false,
			Reactions: true,
			Threads:   true,
		},
		Config: domain.ConfigOps{
			ListAccountIDs: func(cfg *config.Config) []string {
				return config.SortedAccountIDs(cfg.Channels.Slack.Accounts)
			},
			DefaultAccountID: func(cfg *config.Config) string {
				return config.PickDefaultAccount(cfg.Channels.Slack.DefaultAccount, cfg.Channels.Slack.Accounts)
			},
			ResolveAccount: func(cfg *config.Config, accountID string) (domain.Account, error) {
				return resolveSlackAccount(cfg, accountID)
			},
			Enabled: func(cfg *config.Config, accountID string) bool {
				if !cfg.Channels.Slack.Enabled {
					return false
				}
				a, ok := cfg.Channels.Slack.Accounts[accountID]
				return ok && !a.Disabled
			},
			IsConfigured: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) bool {
				a := account.(slackAccount)
				return a.Cfg.BotToken != "" && a.Cfg.AppToken != ""
			},
			Unconfigured: "not configured",
		},
		Outbound: &domain.Outbound{
			Mode: domain.DeliveryDirect,
			ResolveTarget: func(req domain.TargetRequest) domain.TargetResult {
				to := strings.TrimSpace(req.To)
				if to == "" {
					return domain.TargetResult{Err: "slack requires a channel or user id (e.g. C0123456789 or U0123456789)"}
				}
				return domain.TargetResult{OK: true, To: to}
			},
			SendText: func(ctx context.Context, sc domain.SendContext, to, text string) (domain.DeliveryResult, error) {
				api := slackClient(sc.Account.(slackAccount), sc.Env)
				channelID, ts, err := api.PostMessageContext(ctx, to, slack.MsgOptionText(text, false))
				if err != nil {
					return domain.DeliveryResult{}, fmt.Errorf("slack send: %w", err)
				}
				return slackResult(channelID, ts), nil
			},
			SendMedia: func(ctx context.Context, sc domain.SendContext, req domain.MediaRequest) (domain.DeliveryResult, error) {
				api := slackClient(sc.Account.(slackAccount), sc.Env)
				channelID, ts, err := api.PostMessageContext(ctx, req.To,
					slack.MsgOptionText(req.Caption, false),
					slack.MsgOptionAttachments(slack.Attachment{ImageURL: req.URL, Text: req.Caption}),
				)
				if err != nil {
					return domain.DeliveryResult{}, fmt.Errorf("slack media send: %w", err)
				}
				return slackResult(channelID, ts), nil
			},
			Chunker: SplitMessage,
			ChunkLimit: func(cfg *config.Config, accountID string) int {
				if a, ok := cfg.Channels.Slack.Accounts[accountID]; ok && a.MaxMsgLen > 0 {
					return a.MaxMsgLen
				}
				return slackMaxMsgLen
			},
			MediaMaxMB: func(cfg *config.Config, accountID string) int {
				return cfg.Channels.Slack.Accounts[accountID].MediaMaxMB
			},
		},
		Status: &domain.Status{
			ProbeAccount: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) (domain.ProbeResult, error) {
				api := slackClient(account.(slackAccount), env)
				resp, err := api.AuthTestContext(ctx)
				if err != nil {
					return domain.ProbeResult{Detail: err.Error()}, nil
				}
				return domain.ProbeResult{
					OK: true,
					Extra: map[string]any{
						"botUser":   resp.User,
						"botUserId": resp.UserID,
						"team":      resp.Team,
					},
				}, nil
			},
			AuditAccount: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) ([]string, error) {
				a := account.(slackAccount)
				api := slackClient(a, env)
				var findings []string
				for _, ch := range a.Cfg.AllowFrom {
					ch = strings.TrimSpace(ch)
					if !strings.HasPrefix(ch, "C") {
						continue
					}
					_, err := api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: ch})
					if err != nil {
						findings = append(findings, fmt.Sprintf("channel %s unreachable: %v", ch, err))
					}
				}
				return findings, nil
			},
		},
		Gateway: &domain.Gateway{
			StartAccount: func(ctx context.Context, sc domain.StartContext) error {
				return runSlackAccount(ctx, sc)
			},
		},
	}
}

func resolveSlackAccount(cfg *config.Config, accountID string) (slackAccount, error) {
	if accountID == "" {
		accountID = config.PickDefaultAccount(cfg.Channels.Slack.DefaultAccount, cfg.Channels.Slack.Accounts)
	}
	a, ok := cfg.Channels.Slack.Accounts[accountID]
	if !ok {
		return slackAccount{}, fmt.Errorf("slack account %q not found in config", accountID)
	}
	return slackAccount{ID: accountID, Cfg: a}, nil
}

func slackClient(a slackAccount, env *domain.RuntimeEnv) *slack.Client {
	opts := []slack.Option{slack.OptionAppLevelToken(a.Cfg.AppToken)}
	if env != nil && env.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(env.HTTPClient))
	}
	return slack.New(a.Cfg.BotToken, opts...)
}

func slackResult(channelID, ts string) domain.DeliveryResult {
	return domain.DeliveryResult{
		Provider:  "slack",
		MessageID: ts,
		ChatID:    channelID,
		Timestamp: time.Now(),
	}
}

// runSlackAccount runs the Socket Mode client until the context is
// cancelled or the connection definitively ends.
func runSlackAccount(ctx context.Context, sc domain.StartContext) error {
	a := sc.Account.(slackAccount)
	api := slackClient(a, sc.Env)

	authResp, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	sc.Status.SetExtra("botUser", authResp.User)
	sc.Status.SetExtra("botUserId", authResp.UserID)
	sc.Log.Info("slack bot connected", "user", authResp.User, "user_id", authResp.UserID)

	socketClient := socketmode.New(api)

	go func() {
		for evt := range socketClient.Events {
			switch evt.Type {
			case socketmode.EventTypeConnected:
				sc.Status.SetConnected(true)
			case socketmode.EventTypeDisconnect:
				sc.Status.SetConnected(false)
			case socketmode.EventTypeEventsAPI:
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
				if apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
					if apiEvent.Type == slackevents.CallbackEvent {
						if _, isMsg := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); isMsg {
							sc.Status.MarkMessage()
							continue
						}
					}
					sc.Status.MarkEvent()
				}
			default:
				// Acknowledge unknown events to prevent Socket Mode disconnection.
				if evt.Request != nil {
					socketClient.Ack(*evt.Request)
				}
				sc.Status.MarkEvent()
			}
		}
	}()

	err = socketClient.RunContext(ctx)
	sc.Status.SetConnected(false)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("slack socket mode: %w", err)
	}
	return nil
}
