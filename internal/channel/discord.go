package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatgate/internal/config"
	"chatgate/internal/domain"

	"github.com/bwmarrin/discordgo"
)

const discordMaxMsgLen = 2000

type discordAccount struct {
	ID  string
	Cfg config.DiscordAccount
}

// NewDiscord builds the Discord provider plugin. Sends go over the REST API
// and need no open gateway session.
func NewDiscord(logger *slog.Logger) *domain.Plugin {
	return &domain.Plugin{
		Descriptor: domain.Descriptor{
			ID:      "discord",
			Label:   "Discord",
			Aliases: []string{"dc"},
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
				return config.SortedAccountIDs(cfg.Channels.Discord.Accounts)
			},
			DefaultAccountID: func(cfg *config.Config) string {
				return config.PickDefaultAccount(cfg.Channels.Discord.DefaultAccount, cfg.Channels.Discord.Accounts)
			},
			ResolveAccount: func(cfg *config.Config, accountID string) (domain.Account, error) {
				return resolveDiscordAccount(cfg, accountID)
			},
			Enabled: func(cfg *config.Config, accountID string) bool {
				if !cfg.Channels.Discord.Enabled {
					return false
				}
				a, ok := cfg.Channels.Discord.Accounts[accountID]
				return ok && !a.Disabled
			},
			IsConfigured: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) bool {
				return account.(discordAccount).Cfg.Token != ""
			},
			Unconfigured: "not configured",
		},
		Outbound: &domain.Outbound{
			Mode: domain.DeliveryDirect,
			ResolveTarget: func(req domain.TargetRequest) domain.TargetResult {
				to := strings.TrimSpace(req.To)
				if to == "" {
					return domain.TargetResult{Err: "discord requires a channel id (snowflake, e.g. 1012345678901234567)"}
				}
				return domain.TargetResult{OK: true, To: to}
			},
			SendText: func(ctx context.Context, sc domain.SendContext, to, text string) (domain.DeliveryResult, error) {
				a := sc.Account.(discordAccount)
				session, err := discordSession(a, sc.Env)
				if err != nil {
					return domain.DeliveryResult{}, err
				}
				msg, err := session.ChannelMessageSend(to, text, discordgo.WithContext(ctx))
				if err != nil {
					return domain.DeliveryResult{}, fmt.Errorf("discord send: %w", err)
				}
				return discordResult(msg), nil
			},
			SendMedia: func(ctx context.Context, sc domain.SendContext, req domain.MediaRequest) (domain.DeliveryResult, error) {
				a := sc.Account.(discordAccount)
				session, err := discordSession(a, sc.Env)
				if err != nil {
					return domain.DeliveryResult{}, err
				}
				msg, err := session.ChannelMessageSendComplex(req.To, &discordgo.MessageSend{
					Content: req.Caption,
					Embeds: []*discordgo.MessageEmbed{
						{Image: &discordgo.MessageEmbedImage{URL: req.URL}},
					},
				}, discordgo.WithContext(ctx))
				if err != nil {
					return domain.DeliveryResult{}, fmt.Errorf("discord media send: %w", err)
				}
				return discordResult(msg), nil
			},
			Chunker: SplitMessage,
			ChunkLimit: func(cfg *config.Config, accountID string) int {
				if a, ok := cfg.Channels.Discord.Accounts[accountID]; ok && a.MaxMsgLen > 0 {
					return a.MaxMsgLen
				}
				return discordMaxMsgLen
			},
			MediaMaxMB: func(cfg *config.Config, accountID string) int {
				return cfg.Channels.Discord.Accounts[accountID].MediaMaxMB
			},
		},
		Status: &domain.Status{
			ProbeAccount: func(ctx context.Context, account domain.Account, env *domain.RuntimeEnv) (domain.ProbeResult, error) {
				a := account.(discordAccount)
				session, err := discordSession(a, env)
				if err != nil {
					return domain.ProbeResult{Detail: err.Error()}, nil
				}
				me, err := session.User("@me", discordgo.WithContext(ctx))
				if err != nil {
					return domain.ProbeResult{Detail: err.Error()}, nil
				}
				return domain.ProbeResult{
					OK: true,
					Extra: map[string]any{
						"botUsername": me.Username,
						"botId":       me.ID,
					},
				}, nil
			},
		},
		Gateway: &domain.Gateway{
			StartAccount: func(ctx context.Context, sc domain.StartContext) error {
				return runDiscordAccount(ctx, sc)
			},
		},
	}
}

func resolveDiscordAccount(cfg *config.Config, accountID string) (discordAccount, error) {
	if accountID == "" {
		accountID = config.PickDefaultAccount(cfg.Channels.Discord.DefaultAccount, cfg.Channels.Discord.Accounts)
	}
	a, ok := cfg.Channels.Discord.Accounts[accountID]
	if !ok {
		return discordAccount{}, fmt.Errorf("discord account %q not found in config", accountID)
	}
	return discordAccount{ID: accountID, Cfg: a}, nil
}

func discordSession(a discordAccount, env *domain.RuntimeEnv) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + a.Cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if env.HTTPClient != nil {
		session.Client = env.HTTPClient
	}
	return session, nil
}

func discordResult(msg *discordgo.Message) domain.DeliveryResult {
	return domain.DeliveryResult{
		Provider:  "discord",
		MessageID: msg.ID,
		ChatID:    msg.ChannelID,
		Timestamp: msg.Timestamp,
	}
}

// runDiscordAccount keeps one gateway session open until the context is
// cancelled.
func runDiscordAccount(ctx context.Context, sc domain.StartContext) error {
	a := sc.Account.(discordAccount)

	session, err := discordSession(a, sc.Env)
	if err != nil {
		return err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author == nil || m.Author.ID == s.State.User.ID {
			return
		}
		if a.Cfg.GuildID != "" && m.GuildID != a.Cfg.GuildID {
			return
		}
		sc.Status.MarkMessage()
		sc.Log.Debug("discord message received",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"content_len", len(m.Content),
		)
	})
	session.AddHandler(func(s *discordgo.Session, c *discordgo.Connect) {
		sc.Status.SetConnected(true)
	})
	session.AddHandler(func(s *discordgo.Session, d *discordgo.Disconnect) {
		sc.Status.SetConnected(false)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	sc.Status.SetConnected(true)
	sc.Status.SetExtra("botUsername", session.State.User.Username)
	sc.Log.Info("discord bot connected", "user", session.State.User.Username)

	<-ctx.Done()
	sc.Log.Info("discord account disconnecting")
	sc.Status.SetConnected(false)
	return session.Close()
}
