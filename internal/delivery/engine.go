// Package delivery implements the outbound send pipeline: payload
// normalization, provider-aware chunking, media handling with size ceilings,
// and routing between in-process sends and the gateway daemon.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"chatgate/internal/channel"
	"chatgate/internal/config"
	"chatgate/internal/domain"
)

// RPC is the gateway control connection used to route sends through the
// running daemon. Nil means this process sends in-process.
type RPC interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Engine executes outbound deliveries. Configuration is loaded fresh per
// delivery so token or account edits apply to the next send.
type Engine struct {
	reg     *channel.Registry
	loadCfg func() (*config.Config, error)
	env     *domain.RuntimeEnv
	rpc     RPC
	log     *slog.Logger

	// daemon marks the engine the gateway daemon itself runs. It owns the
	// gateway-mode sessions, so those providers send in-process here.
	daemon bool
}

func NewEngine(reg *channel.Registry, loadCfg func() (*config.Config, error), env *domain.RuntimeEnv, rpc RPC, log *slog.Logger) *Engine {
	return &Engine{reg: reg, loadCfg: loadCfg, env: env, rpc: rpc, log: log}
}

// NewDaemonEngine builds the engine embedded in the gateway daemon.
func NewDaemonEngine(reg *channel.Registry, loadCfg func() (*config.Config, error), env *domain.RuntimeEnv, log *slog.Logger) *Engine {
	e := NewEngine(reg, loadCfg, env, nil, log)
	e.daemon = true
	return e
}

// Request is one delivery: a sequence of payloads for a single destination.
type Request struct {
	Provider  string    `json:"provider"`
	AccountID string    `json:"account,omitempty"`
	To        string    `json:"to,omitempty"`
	AllowFrom []string  `json:"allowFrom,omitempty"`
	Payloads  []Payload `json:"payloads"`

	// BestEffort keeps sending after individual payload failures. Failures
	// are reported through OnError; the returned error stays nil.
	BestEffort bool `json:"bestEffort,omitempty"`

	// OnError observes per-payload failures in best-effort mode. Called with
	// the normalized payload that failed. Optional. For gateway-routed sends
	// the daemon reports absorbed failures back and they are replayed here.
	OnError func(p Payload, err error) `json:"-"`
}

// GatewaySendResult is the wire shape of the daemon's send response: the
// delivered results plus any failures a best-effort run absorbed.
type GatewaySendResult struct {
	Results  []domain.DeliveryResult `json:"results"`
	Failures []SendFailure           `json:"failures,omitempty"`
}

// SendFailure reports one payload a best-effort delivery could not send.
type SendFailure struct {
	Payload Payload `json:"payload"`
	Error   string  `json:"error"`
}

// Deliver sends the request's payloads strictly in order. In fail-fast mode
// (the default) the first error aborts the rest and is returned along with
// the results so far.
func (e *Engine) Deliver(ctx context.Context, req Request) ([]domain.DeliveryResult, error) {
	p, ok := e.reg.Resolve(req.Provider)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", req.Provider)
	}
	if p.Outbound == nil {
		return nil, fmt.Errorf("provider %q has no outbound surface", p.Descriptor.ID)
	}

	cfg, err := e.loadCfg()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	accountID := req.AccountID
	if accountID == "" {
		accountID = p.Config.DefaultAccountID(cfg)
	}

	if e.useGateway(p) {
		return e.deliverViaGateway(ctx, cfg, p, accountID, req)
	}
	if p.Outbound.Mode == domain.DeliveryGateway && !e.daemon {
		return nil, fmt.Errorf("%s sends go through the gateway daemon, which is not reachable; start it with \"chatgate gateway\"", p.Descriptor.ID)
	}
	return e.deliverLocal(ctx, cfg, p, accountID, req)
}

// useGateway decides the route. Direct providers always send in-process;
// everything else goes through the daemon when a control connection exists.
func (e *Engine) useGateway(p *domain.Plugin) bool {
	if e.rpc == nil {
		return false
	}
	return p.Outbound.Mode != domain.DeliveryDirect
}

func (e *Engine) deliverViaGateway(ctx context.Context, cfg *config.Config, p *domain.Plugin, accountID string, req Request) ([]domain.DeliveryResult, error) {
	timeout := 30 * time.Second
	if cfg.Gateway.RPCTimeoutMS > 0 {
		timeout = time.Duration(cfg.Gateway.RPCTimeoutMS) * time.Millisecond
	}

	params := Request{
		Provider:   p.Descriptor.ID,
		AccountID:  accountID,
		To:         req.To,
		AllowFrom:  req.AllowFrom,
		Payloads:   Normalize(req.Payloads),
		BestEffort: req.BestEffort,
	}
	raw, err := e.rpc.Call(ctx, "send", params, timeout)
	if err != nil {
		return nil, fmt.Errorf("gateway send: %w", err)
	}

	var out GatewaySendResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("gateway send: decode results: %w", err)
	}
	for _, f := range out.Failures {
		if req.OnError != nil {
			req.OnError(f.Payload, errors.New(f.Error))
		}
	}
	return out.Results, nil
}

func (e *Engine) deliverLocal(ctx context.Context, cfg *config.Config, p *domain.Plugin, accountID string, req Request) ([]domain.DeliveryResult, error) {
	account, err := p.Config.ResolveAccount(cfg, accountID)
	if err != nil {
		return nil, err
	}

	target := p.Outbound.ResolveTarget(domain.TargetRequest{
		To:        req.To,
		AllowFrom: req.AllowFrom,
		Cfg:       cfg,
		AccountID: accountID,
	})
	if !target.OK {
		return nil, fmt.Errorf("%s", target.Err)
	}

	sc := domain.SendContext{
		AccountID: accountID,
		Account:   account,
		Cfg:       cfg,
		Env:       e.env,
	}
	maxBytes := e.mediaCeiling(cfg, p, accountID)

	var results []domain.DeliveryResult
	for _, payload := range Normalize(req.Payloads) {
		sent, err := e.sendPayload(ctx, p, sc, target.To, payload, maxBytes)
		results = append(results, sent...)
		if err != nil {
			if req.BestEffort {
				e.log.Warn("payload delivery failed",
					"channel", p.Descriptor.ID, "account", accountID, "err", err)
				if req.OnError != nil {
					req.OnError(payload, err)
				}
				continue
			}
			return results, err
		}
	}
	return results, nil
}

// sendPayload delivers one normalized payload. When media is present the
// text rides as the first item's caption; the rest go uncaptioned. Text-only
// payloads are chunked when the provider declares a chunker.
func (e *Engine) sendPayload(ctx context.Context, p *domain.Plugin, sc domain.SendContext, to string, payload Payload, maxBytes int64) ([]domain.DeliveryResult, error) {
	var results []domain.DeliveryResult

	if len(payload.MediaURLs) > 0 {
		for i, url := range payload.MediaURLs {
			caption := ""
			if i == 0 {
				caption = payload.Text
			}
			res, err := p.Outbound.SendMedia(ctx, sc, domain.MediaRequest{
				To:       to,
				URL:      url,
				Caption:  caption,
				MaxBytes: maxBytes,
			})
			if err != nil {
				return results, err
			}
			results = append(results, res)
		}
		return results, nil
	}

	chunks := []string{payload.Text}
	if p.Outbound.Chunker != nil {
		limit := 0
		if p.Outbound.ChunkLimit != nil {
			limit = p.Outbound.ChunkLimit(sc.Cfg, sc.AccountID)
		}
		chunks = p.Outbound.Chunker(payload.Text, limit)
	}
	for _, chunk := range chunks {
		res, err := p.Outbound.SendText(ctx, sc, to, chunk)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// mediaCeiling resolves the outbound media byte limit: per-account override,
// else the shared default, else unlimited (0).
func (e *Engine) mediaCeiling(cfg *config.Config, p *domain.Plugin, accountID string) int64 {
	mb := 0
	if p.Outbound.MediaMaxMB != nil {
		mb = p.Outbound.MediaMaxMB(cfg, accountID)
	}
	if mb <= 0 {
		mb = cfg.Channels.MediaMaxMB
	}
	if mb <= 0 {
		return 0
	}
	return int64(mb) * 1024 * 1024
}

// ResolveTarget validates a destination without sending anything. An empty
// destination may fall back to the first allowFrom entry, explicit or
// configured, for providers that support that.
func (e *Engine) ResolveTarget(ctx context.Context, provider, accountID, to string, allowFrom []string) (domain.TargetResult, error) {
	p, ok := e.reg.Resolve(provider)
	if !ok {
		return domain.TargetResult{}, fmt.Errorf("unknown provider %q", provider)
	}
	if p.Outbound == nil || p.Outbound.ResolveTarget == nil {
		return domain.TargetResult{}, fmt.Errorf("provider %q has no outbound surface", p.Descriptor.ID)
	}
	cfg, err := e.loadCfg()
	if err != nil {
		return domain.TargetResult{}, fmt.Errorf("load config: %w", err)
	}
	if accountID == "" {
		accountID = p.Config.DefaultAccountID(cfg)
	}
	return p.Outbound.ResolveTarget(domain.TargetRequest{
		To:        to,
		AllowFrom: allowFrom,
		Cfg:       cfg,
		AccountID: accountID,
	}), nil
}
