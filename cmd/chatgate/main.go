package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"chatgate/internal/channel"
	"chatgate/internal/config"
	"chatgate/internal/delivery"
	"chatgate/internal/domain"
	"chatgate/internal/gateway"
	"chatgate/internal/linkstore"
	"chatgate/internal/rpc"
	"chatgate/internal/runtime"
	"chatgate/internal/supervisor"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "chatgate",
		Short:   "ChatGate: one send pipeline for every chat platform",
		Long:    "ChatGate delivers messages to Telegram, WhatsApp, Discord, Slack, Signal, iMessage, and Teams through a single provider-agnostic pipeline.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.chatgate/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(resolveCmd())
	root.AddCommand(probeCmd())
	root.AddCommand(logoutCmd())
	root.AddCommand(configCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", cfg.General.Workspace)
			return nil
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway daemon",
		Long:  "Starts all enabled channel accounts and the control endpoint. SIGHUP restarts in place, Ctrl+C stops.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
				return err
			}

			grace := 10 * time.Second
			if cfg.Gateway.GraceSeconds > 0 {
				grace = time.Duration(cfg.Gateway.GraceSeconds) * time.Second
			}

			sup := &supervisor.Supervisor{
				NewServer: func() (supervisor.Server, error) {
					return gateway.New(cfgPath, logger)
				},
				Grace: grace,
				Log:   logger,
			}
			return sup.Run()
		},
	}
}

// clientEnv builds the runtime environment for one-shot CLI operations: a
// shared HTTP client and read-only access to the link store.
func clientEnv(cfg *config.Config) (*domain.RuntimeEnv, func()) {
	env := &domain.RuntimeEnv{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		WorkDir:    cfg.General.Workspace,
	}
	cleanup := func() {}
	if links, err := linkstore.New(cfg.Gateway.LinkDBPath, logger); err == nil {
		env.Links = links
		cleanup = func() { links.Close() }
	} else {
		logger.Debug("link store unavailable", "err", err)
	}
	return env, cleanup
}

// dialGateway connects to the running daemon. Nil when it is not up; callers
// fall back to in-process behavior.
func dialGateway(ctx context.Context, cfg *config.Config) *rpc.Client {
	dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	client, err := rpc.Dial(dialCtx, cfg.Gateway.URL())
	if err != nil {
		logger.Debug("gateway not running, operating in-process", "err", err)
		return nil
	}
	return client
}

func rpcTimeout(cfg *config.Config) time.Duration {
	if cfg.Gateway.RPCTimeoutMS > 0 {
		return time.Duration(cfg.Gateway.RPCTimeoutMS) * time.Millisecond
	}
	return 30 * time.Second
}

func sendCmd() *cobra.Command {
	var (
		channelID  string
		accountID  string
		to         string
		messages   []string
		media      []string
		bestEffort bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send messages to a channel",
		Long:  "Delivers one or more messages in order. Repeated --message flags become separate payloads; --media URLs attach to the last payload.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if len(messages) == 0 && len(media) == 0 {
				return fmt.Errorf("nothing to send: pass --message or --media")
			}

			payloads := make([]delivery.Payload, 0, len(messages))
			for _, m := range messages {
				payloads = append(payloads, delivery.Payload{Text: m})
			}
			if len(media) > 0 {
				if len(payloads) == 0 {
					payloads = append(payloads, delivery.Payload{})
				}
				payloads[len(payloads)-1].MediaURLs = media
			}

			ctx := cmd.Context()
			env, cleanup := clientEnv(cfg)
			defer cleanup()

			client := dialGateway(ctx, cfg)
			var rpcIface delivery.RPC
			if client != nil {
				defer client.Close()
				rpcIface = client
			}

			reg := channel.Default(logger)
			loadCfg := func() (*config.Config, error) { return config.Load(cfgPath) }
			engine := delivery.NewEngine(reg, loadCfg, env, rpcIface, logger)

			results, err := engine.Deliver(ctx, delivery.Request{
				Provider:   channelID,
				AccountID:  accountID,
				To:         to,
				Payloads:   payloads,
				BestEffort: bestEffort,
				OnError: func(p delivery.Payload, err error) {
					fmt.Fprintf(os.Stderr, "payload failed: %v\n", err)
				},
			})
			if err != nil {
				return err
			}
			printJSON(results)
			return nil
		},
	}
	cmd.Flags().StringVarP(&channelID, "channel", "C", "", "channel id or alias (telegram, wa, dc, ...)")
	cmd.Flags().StringVarP(&accountID, "account", "a", "", "account id (default: the channel's default account)")
	cmd.Flags().StringVarP(&to, "to", "t", "", "destination (chat id, E.164 number, ...)")
	cmd.Flags().StringArrayVarP(&messages, "message", "m", nil, "message text (repeatable)")
	cmd.Flags().StringArrayVar(&media, "media", nil, "media URL (repeatable)")
	cmd.Flags().BoolVar(&bestEffort, "best-effort", false, "keep sending after individual failures")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show channel and account status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if client := dialGateway(ctx, cfg); client != nil {
				defer client.Close()
				raw, err := client.Call(ctx, "status", nil, rpcTimeout(cfg))
				if err != nil {
					return err
				}
				var snap map[string]any
				if err := json.Unmarshal(raw, &snap); err != nil {
					return err
				}
				snap["gateway"] = map[string]any{"running": true, "url": cfg.Gateway.URL()}
				printJSON(snap)
				return nil
			}

			// No daemon: report from configuration alone.
			env, cleanup := clientEnv(cfg)
			defer cleanup()
			reg := channel.Default(logger)
			loadCfg := func() (*config.Config, error) { return config.Load(cfgPath) }
			manager := runtime.NewManager(reg, loadCfg, env, logger)
			snap := manager.Snapshot(ctx)
			snap["gateway"] = map[string]any{"running": false, "url": cfg.Gateway.URL()}
			printJSON(snap)
			return nil
		},
	}
}

func resolveCmd() *cobra.Command {
	var (
		accountID string
		allowFrom []string
	)
	cmd := &cobra.Command{
		Use:   "resolve [channel] [destination]",
		Short: "Validate a destination without sending",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			to := ""
			if len(args) > 1 {
				to = args[1]
			}

			ctx := cmd.Context()
			env, cleanup := clientEnv(cfg)
			defer cleanup()

			reg := channel.Default(logger)
			loadCfg := func() (*config.Config, error) { return config.Load(cfgPath) }
			engine := delivery.NewEngine(reg, loadCfg, env, nil, logger)

			result, err := engine.ResolveTarget(ctx, args[0], accountID, to, allowFrom)
			if err != nil {
				return err
			}
			printJSON(result)
			if !result.OK {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&accountID, "account", "a", "", "account id")
	cmd.Flags().StringArrayVar(&allowFrom, "allow-from", nil, "fallback destination when no destination is given (repeatable)")
	return cmd
}

func probeCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "probe [channel]",
		Short: "Run a channel account health check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			env, cleanup := clientEnv(cfg)
			defer cleanup()

			reg := channel.Default(logger)
			loadCfg := func() (*config.Config, error) { return config.Load(cfgPath) }
			manager := runtime.NewManager(reg, loadCfg, env, logger)

			probe, findings, err := manager.ProbeAccount(ctx, args[0], accountID)
			if err != nil {
				return err
			}
			printJSON(map[string]any{"probe": probe, "findings": findings})
			return nil
		},
	}
	cmd.Flags().StringVarP(&accountID, "account", "a", "", "account id")
	return cmd
}

func logoutCmd() *cobra.Command {
	var accountID string
	cmd := &cobra.Command{
		Use:   "logout [channel]",
		Short: "Clear a channel account's linked state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if client := dialGateway(ctx, cfg); client != nil {
				defer client.Close()
				raw, err := client.Call(ctx, "logout", map[string]string{
					"provider": args[0],
					"account":  accountID,
				}, rpcTimeout(cfg))
				if err != nil {
					return err
				}
				fmt.Println(string(raw))
				return nil
			}

			reg := channel.Default(logger)
			p, ok := reg.Resolve(args[0])
			if !ok {
				return fmt.Errorf("unknown channel %q", args[0])
			}
			if accountID == "" {
				accountID = p.Config.DefaultAccountID(cfg)
			}
			links, err := linkstore.New(cfg.Gateway.LinkDBPath, logger)
			if err != nil {
				return fmt.Errorf("open link store: %w", err)
			}
			defer links.Close()
			if err := links.ClearLink(p.Descriptor.ID, accountID); err != nil {
				return err
			}
			logger.Info("logged out", "channel", p.Descriptor.ID, "account", accountID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&accountID, "account", "a", "", "account id")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. channels.telegram.enabled)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			printJSON(val)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. channels.telegram.enabled true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			printJSON(config.Sanitize(cfg))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
