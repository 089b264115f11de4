// Package gateway implements the long-running daemon: it owns the provider
// account tasks and serves the WebSocket control endpoint other processes
// use for status, sends, and lifecycle commands.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatgate/internal/channel"
	"chatgate/internal/config"
	"chatgate/internal/delivery"
	"chatgate/internal/domain"
	"chatgate/internal/linkstore"
	"chatgate/internal/rpc"
	"chatgate/internal/runtime"
)

// Server is one gateway instance. The supervisor may run several over one
// process lifetime; each instance owns its own manager, link store, and
// listener.
type Server struct {
	cfgPath string
	log     *slog.Logger

	reg     *channel.Registry
	links   *linkstore.Store
	manager *runtime.Manager
	engine  *delivery.Engine

	httpSrv  *http.Server
	upgrader websocket.Upgrader
}

// New builds a gateway server from the config file at cfgPath. The file is
// re-read per operation afterwards; only the listen address and link store
// path are fixed at construction.
func New(cfgPath string, log *slog.Logger) (*Server, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	links, err := linkstore.New(cfg.Gateway.LinkDBPath, log)
	if err != nil {
		return nil, fmt.Errorf("open link store: %w", err)
	}

	env := &domain.RuntimeEnv{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		WorkDir:    cfg.General.Workspace,
		Links:      links,
	}
	loadCfg := func() (*config.Config, error) { return config.Load(cfgPath) }

	reg := channel.Default(log)
	manager := runtime.NewManager(reg, loadCfg, env, log)
	engine := delivery.NewDaemonEngine(reg, loadCfg, env, log)

	s := &Server{
		cfgPath: cfgPath,
		log:     log,
		reg:     reg,
		links:   links,
		manager: manager,
		engine:  engine,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Run starts the provider accounts and serves the control endpoint until ctx
// is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.manager.StartAll(ctx)
	s.log.Info("gateway listening", "addr", s.httpSrv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return fmt.Errorf("gateway listener: %w", err)
	}
}

// Close stops provider tasks, shuts the listener down, and closes the link
// store. Bounded by ctx.
func (s *Server) Close(ctx context.Context) error {
	s.log.Info("gateway shutting down")
	s.manager.StopAll(ctx)

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("listener shutdown: %w", err))
	}
	if err := s.links.Close(); err != nil {
		errs = append(errs, fmt.Errorf("link store close: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()
	s.log.Debug("control client connected", "remote", r.RemoteAddr)

	for {
		var req rpc.Request
		if err := conn.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("control client read ended", "err", err)
			}
			return
		}

		resp := s.dispatch(r.Context(), req)
		if err := conn.WriteJSON(resp); err != nil {
			s.log.Warn("control client write failed", "err", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req rpc.Request) rpc.Response {
	result, err := s.handle(ctx, req.Method, req.Params)
	resp := rpc.Response{ID: req.ID}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = fmt.Sprintf("marshal result: %v", err)
		return resp
	}
	resp.Result = raw
	return resp
}

type providerParams struct {
	Provider  string   `json:"provider"`
	Account   string   `json:"account,omitempty"`
	To        string   `json:"to,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

func (s *Server) handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "status":
		return s.manager.Snapshot(ctx), nil

	case "send":
		var dreq delivery.Request
		if err := json.Unmarshal(params, &dreq); err != nil {
			return nil, fmt.Errorf("bad send params: %w", err)
		}
		var failures []delivery.SendFailure
		dreq.OnError = func(p delivery.Payload, err error) {
			failures = append(failures, delivery.SendFailure{Payload: p, Error: err.Error()})
		}
		results, err := s.engine.Deliver(ctx, dreq)
		if err != nil {
			return nil, err
		}
		if results == nil {
			results = []domain.DeliveryResult{}
		}
		return delivery.GatewaySendResult{Results: results, Failures: failures}, nil

	case "resolve":
		var p providerParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad resolve params: %w", err)
		}
		return s.engine.ResolveTarget(ctx, p.Provider, p.Account, p.To, p.AllowFrom)

	case "start":
		var p providerParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad start params: %w", err)
		}
		if err := s.manager.StartProvider(ctx, p.Provider, p.Account); err != nil {
			return nil, err
		}
		return map[string]any{"started": p.Provider}, nil

	case "stop":
		var p providerParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad stop params: %w", err)
		}
		s.manager.StopProvider(ctx, p.Provider, p.Account)
		return map[string]any{"stopped": p.Provider}, nil

	case "probe":
		var p providerParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad probe params: %w", err)
		}
		probe, findings, err := s.manager.ProbeAccount(ctx, p.Provider, p.Account)
		if err != nil {
			return nil, err
		}
		return map[string]any{"probe": probe, "findings": findings}, nil

	case "logout":
		var p providerParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("bad logout params: %w", err)
		}
		plugin, ok := s.reg.Resolve(p.Provider)
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", p.Provider)
		}
		if p.Account == "" {
			if cfg, err := config.Load(s.cfgPath); err == nil {
				p.Account = plugin.Config.DefaultAccountID(cfg)
			}
		}
		if err := s.links.ClearLink(plugin.Descriptor.ID, p.Account); err != nil {
			return nil, err
		}
		return map[string]any{"loggedOut": plugin.Descriptor.ID}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}
