package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.chatgate/workspace",
			LogLevel:  "info",
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         8790,
			RPCTimeoutMS: 30000,
			GraceSeconds: 10,
			LinkDBPath:   "~/.chatgate/links.db",
		},
		Channels: ChannelsConfig{
			MediaMaxMB: 50,
			Telegram: TelegramConfig{
				Enabled: false,
			},
			WhatsApp: WhatsAppConfig{
				Enabled: false,
			},
			Discord: DiscordConfig{
				Enabled: false,
			},
			Slack: SlackConfig{
				Enabled: false,
			},
			Signal: SignalConfig{
				Enabled: false,
			},
			IMessage: IMessageConfig{
				Enabled: false,
			},
			Teams: TeamsConfig{
				Enabled: false,
			},
		},
	}
}
