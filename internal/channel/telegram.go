package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"chatgate/internal/config"
	"chatgate/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen   = 4000
	telegramPollTimeout = 30
)

type telegramAccount struct {
	ID  string
	Cfg config.TelegramAccount
}

// NewTelegram builds the Telegram provider plugin. Delivery is direct: each
// send is one Bot API call.
func NewTelegram(logger *slog.Logger) *domain.Plugin {
	return &domain.Plugin{
		Descriptor: domain.Descriptor{
			ID:      "telegram",
			Label:   "Telegram",
			Aliases: []string{"tg"},
			Surfaces: []domain.Surface{
				domain.SurfaceDirect, domain.SurfaceGroup, domain.SurfaceChannel, domain.SurfaceThread,
			},
			Media:     true,
			Polls:     true,
			Reactions: true,
			Threads:   true,
		},
		Config: domain.ConfigOps{
			ListAccountIDs: func(cfg *config.Config) []string {
				return config.SortedAccountIDs(cfg.Channels.Telegram.Accounts)
			},
			DefaultAccountID: func(cfg *config.Config) string {
				return config.PickDefaultAccount(cfg.Channels.Telegram.DefaultAccount, cfg.Channels.Telegram.Accounts)
			},
			ResolveAccount: func(cfg *config.Config, accountID string) (domain.Account, error) {
				return resolveTelegramAccount(cfg, accountID)
			},
			Enabled: func(cfg *config.Config, accountID string) bool {
				if !cfg.Channels.Telegram.Enabled {
					return false
				}
				a, ok := cfg.Channels.Telegram.Accounts[accountID]
				return ok && !a.Disabled
			},
			IsConfigured: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) bool {
				return account.(telegramAccount).Cfg.Token != ""
			},
			Unconfigured: "not configured",
			DescribeAccount: func(account domain.Account, cfg *config.Config) map[string]any {
				a := account.(telegramAccount)
				return map[string]any{"allowFrom": len(a.Cfg.AllowFrom)}
			},
		},
		Outbound: &domain.Outbound{
			Mode: domain.DeliveryDirect,
			ResolveTarget: func(req domain.TargetRequest) domain.TargetResult {
				to := strings.TrimSpace(req.To)
				if to == "" {
					return domain.TargetResult{Err: "telegram requires a numeric chat id (e.g. 123456789 or -1001234567890)"}
				}
				return domain.TargetResult{OK: true, To: to}
			},
			SendText: func(ctx context.Context, sc domain.SendContext, to, text string) (domain.DeliveryResult, error) {
				a := sc.Account.(telegramAccount)
				bot, err := telegramBot(a, sc.Env)
				if err != nil {
					return domain.DeliveryResult{}, err
				}
				chatID, err := strconv.ParseInt(to, 10, 64)
				if err != nil {
					return domain.DeliveryResult{}, fmt.Errorf("invalid chat id %q: %w", to, err)
				}

				msg := tgbotapi.NewMessage(chatID, text)
				if a.Cfg.ParseMode != "" {
					msg.ParseMode = a.Cfg.ParseMode
				}
				sent, err := bot.Send(msg)
				if err != nil && msg.ParseMode != "" && strings.Contains(err.Error(), "can't parse entities") {
					// Malformed markup: retry once as plain text.
					logger.Warn("telegram parse error, retrying as plain text", "err", err)
					sent, err = bot.Send(tgbotapi.NewMessage(chatID, text))
				}
				if err != nil {
					return domain.DeliveryResult{}, fmt.Errorf("telegram send: %w", err)
				}
				return telegramResult(sent, to), nil
			},
			SendMedia: func(ctx context.Context, sc domain.SendContext, req domain.MediaRequest) (domain.DeliveryResult, error) {
				a := sc.Account.(telegramAccount)
				bot, err := telegramBot(a, sc.Env)
				if err != nil {
					return domain.DeliveryResult{}, err
				}
				chatID, err := strconv.ParseInt(req.To, 10, 64)
				if err != nil {
					return domain.DeliveryResult{}, fmt.Errorf("invalid chat id %q: %w", req.To, err)
				}

				photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(req.URL))
				photo.Caption = req.Caption
				sent, err := bot.Send(photo)
				if err != nil {
					return domain.DeliveryResult{}, fmt.Errorf("telegram media send: %w", err)
				}
				return telegramResult(sent, req.To), nil
			},
			Chunker: SplitMessage,
			ChunkLimit: func(cfg *config.Config, accountID string) int {
				if a, ok := cfg.Channels.Telegram.Accounts[accountID]; ok && a.MaxMsgLen > 0 {
					return a.MaxMsgLen
				}
				return telegramMaxMsgLen
			},
			MediaMaxMB: func(cfg *config.Config, accountID string) int {
				return cfg.Channels.Telegram.Accounts[accountID].MediaMaxMB
			},
		},
		Status: &domain.Status{
			ProbeAccount: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) (domain.ProbeResult, error) {
				a := account.(telegramAccount)
				bot, err := telegramBot(a, env)
				if err != nil {
					return domain.ProbeResult{Detail: err.Error()}, nil
				}
				me, err := bot.GetMe()
				if err != nil {
					return domain.ProbeResult{Detail: err.Error()}, nil
				}
				return domain.ProbeResult{
					OK: true,
					Extra: map[string]any{
						"botUsername": me.UserName,
						"botId":       me.ID,
					},
				}, nil
			},
			AuditAccount: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) ([]string, error) {
				a := account.(telegramAccount)
				bot, err := telegramBot(a, env)
				if err != nil {
					return nil, err
				}
				var findings []string
				for _, raw := range a.Cfg.AllowFrom {
					chatID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
					if err != nil {
						continue
					}
					if chatID >= 0 {
						continue // user ids need no membership check
					}
					_, err = bot.GetChat(tgbotapi.ChatInfoConfig{
						ChatConfig: tgbotapi.ChatConfig{ChatID: chatID},
					})
					if err != nil {
						findings = append(findings, fmt.Sprintf("chat %d unreachable: %v", chatID, err))
					}
				}
				return findings, nil
			},
		},
		Gateway: &domain.Gateway{
			StartAccount: func(ctx context.Context, sc domain.StartContext) error {
				return runTelegramAccount(ctx, sc)
			},
		},
	}
}

func resolveTelegramAccount(cfg *config.Config, accountID string) (telegramAccount, error) {
	if accountID == "" {
		accountID = config.PickDefaultAccount(cfg.Channels.Telegram.DefaultAccount, cfg.Channels.Telegram.Accounts)
	}
	a, ok := cfg.Channels.Telegram.Accounts[accountID]
	if !ok {
		return telegramAccount{}, fmt.Errorf("telegram account %q not found in config", accountID)
	}
	return telegramAccount{ID: accountID, Cfg: a}, nil
}

func telegramBot(a telegramAccount, env *domain.RuntimeEnv) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(a.Cfg.Token, tgbotapi.APIEndpoint, env.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return bot, nil
}

func telegramResult(msg tgbotapi.Message, to string) domain.DeliveryResult {
	return domain.DeliveryResult{
		Provider:  "telegram",
		MessageID: strconv.Itoa(msg.MessageID),
		ChatID:    to,
		Timestamp: time.Unix(int64(msg.Date), 0),
	}
}

// runTelegramAccount maintains the long-poll update loop for one account
// until the context is cancelled.
func runTelegramAccount(ctx context.Context, sc domain.StartContext) error {
	a := sc.Account.(telegramAccount)

	bot, err := telegramBot(a, sc.Env)
	if err != nil {
		return err
	}
	sc.Status.SetConnected(true)
	sc.Status.SetExtra("botUsername", bot.Self.UserName)
	sc.Status.SetExtra("botId", bot.Self.ID)
	sc.Log.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = telegramPollTimeout
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			sc.Log.Info("telegram account stopping")
			bot.StopReceivingUpdates()
			sc.Status.SetConnected(false)
			return nil
		case update, ok := <-updates:
			if !ok {
				sc.Status.SetConnected(false)
				return nil
			}
			if update.Message != nil {
				sc.Status.MarkMessage()
				sc.Log.Debug("telegram message received",
					"chat_id", update.Message.Chat.ID,
					"text_len", len(update.Message.Text),
				)
			} else {
				sc.Status.MarkEvent()
			}
		}
	}
}
