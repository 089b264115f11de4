// Package runtime owns the lifecycle of provider account tasks: starting and
// stopping the per-account gateway connections, and exposing a status
// snapshot of every (provider, account) pair.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatgate/internal/channel"
	"chatgate/internal/config"
	"chatgate/internal/domain"
)

// Manager supervises provider account tasks. Configuration is read fresh on
// every operation so edits take effect on the next start, not at construction
// time.
type Manager struct {
	reg     *channel.Registry
	loadCfg func() (*config.Config, error)
	env     *domain.RuntimeEnv
	log     *slog.Logger

	mu     sync.Mutex
	stores map[string]*providerStore
}

type providerStore struct {
	mu       sync.Mutex
	accounts map[string]*accountEntry
}

// accountEntry tracks one account: its snapshot, and the live task when one
// is running. cancel and done are nil when no task is registered.
type accountEntry struct {
	snap     domain.AccountSnapshot
	starting bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewManager(reg *channel.Registry, loadCfg func() (*config.Config, error), env *domain.RuntimeEnv, log *slog.Logger) *Manager {
	return &Manager{
		reg:     reg,
		loadCfg: loadCfg,
		env:     env,
		log:     log,
		stores:  make(map[string]*providerStore),
	}
}

func (m *Manager) store(providerID string) *providerStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[providerID]
	if !ok {
		s = &providerStore{accounts: make(map[string]*accountEntry)}
		m.stores[providerID] = s
	}
	return s
}

// StartAll starts every registered provider's accounts. One provider
// failing to start never blocks the others.
func (m *Manager) StartAll(ctx context.Context) {
	for _, p := range m.reg.Plugins() {
		if err := m.StartProvider(ctx, p.Descriptor.ID, ""); err != nil {
			m.log.Error("provider start failed", "channel", p.Descriptor.ID, "err", err)
		}
	}
}

// StopAll stops every registered provider's accounts.
func (m *Manager) StopAll(ctx context.Context) {
	for _, p := range m.reg.Plugins() {
		m.StopProvider(ctx, p.Descriptor.ID, "")
	}
}

// StartProvider starts the named account, or all of the provider's accounts
// in parallel when accountID is empty. It is idempotent: accounts that
// already have a live task are left alone. Lifecycle problems (disabled,
// unconfigured, connection failure) are absorbed into the account snapshot;
// only unknown providers and unreadable configuration produce an error.
func (m *Manager) StartProvider(ctx context.Context, providerID, accountID string) error {
	p, ok := m.reg.Resolve(providerID)
	if !ok {
		return fmt.Errorf("unknown provider %q", providerID)
	}
	cfg, err := m.loadCfg()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := m.store(p.Descriptor.ID)

	ids := []string{accountID}
	if accountID == "" {
		ids = p.Config.ListAccountIDs(cfg)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			m.startAccount(ctx, p, cfg, store, accountID)
		}(id)
	}
	wg.Wait()
	return nil
}

func (m *Manager) startAccount(ctx context.Context, p *domain.Plugin, cfg *config.Config, store *providerStore, accountID string) {
	log := m.log.With("channel", p.Descriptor.ID, "account", accountID)

	store.mu.Lock()
	entry, ok := store.accounts[accountID]
	if !ok {
		entry = &accountEntry{snap: domain.AccountSnapshot{AccountID: accountID}}
		store.accounts[accountID] = entry
	}
	if entry.snap.Running || entry.starting {
		store.mu.Unlock()
		log.Debug("account already running")
		return
	}
	entry.starting = true
	store.mu.Unlock()

	defer func() {
		store.mu.Lock()
		entry.starting = false
		store.mu.Unlock()
	}()

	enabled := p.Config.Enabled(cfg, accountID)
	if !enabled {
		m.recordIdle(store, accountID, false, false, "disabled")
		log.Debug("account disabled, not starting")
		return
	}

	account, err := p.Config.ResolveAccount(cfg, accountID)
	if err != nil {
		m.recordIdle(store, accountID, true, false, err.Error())
		log.Warn("account resolution failed", "err", err)
		return
	}

	configured := true
	if p.Config.IsConfigured != nil {
		configured = p.Config.IsConfigured(ctx, account, m.env)
	}
	if !configured {
		reason := p.Config.Unconfigured
		if reason == "" {
			reason = "not configured"
		}
		m.recordIdle(store, accountID, true, false, reason)
		log.Info("account not ready", "reason", reason)
		return
	}

	if p.Gateway == nil {
		// Nothing to run: the provider keeps no live connection. Record the
		// refreshed flags so the snapshot is truthful.
		m.recordIdle(store, accountID, true, true, "")
		return
	}

	// The task must outlive the caller's request context; it ends only on an
	// explicit stop or its own failure.
	taskCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	now := time.Now()

	store.mu.Lock()
	entry.cancel = cancel
	entry.done = done
	entry.snap.Running = true
	entry.snap.Enabled = true
	entry.snap.Configured = true
	entry.snap.LastError = ""
	entry.snap.LastStartAt = &now
	store.mu.Unlock()

	sc := domain.StartContext{
		AccountID: accountID,
		Account:   account,
		Cfg:       cfg,
		Env:       m.env,
		Status:    &statusSink{store: store, accountID: accountID},
		Log:       log,
	}

	log.Info("account starting")
	go func() {
		err := p.Gateway.StartAccount(taskCtx, sc)

		stopped := time.Now()
		store.mu.Lock()
		entry.snap.Running = false
		entry.snap.Connected = false
		entry.snap.LastStopAt = &stopped
		entry.cancel = nil
		entry.done = nil
		if err != nil {
			entry.snap.LastError = err.Error()
		}
		store.mu.Unlock()
		close(done)

		if err != nil {
			log.Error("account task ended", "err", err)
		} else {
			log.Info("account task ended")
		}
	}()
}

// recordIdle refreshes a non-running account's snapshot.
func (m *Manager) recordIdle(store *providerStore, accountID string, enabled, configured bool, lastError string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	entry, ok := store.accounts[accountID]
	if !ok {
		entry = &accountEntry{snap: domain.AccountSnapshot{AccountID: accountID}}
		store.accounts[accountID] = entry
	}
	entry.snap.Running = false
	entry.snap.Enabled = enabled
	entry.snap.Configured = configured
	entry.snap.LastError = lastError
}

// StopProvider stops the named account task, or every live account task of
// the provider when accountID is empty, and waits for each to settle. It
// never returns task errors: stop means stopped, and any task failure is
// already recorded in the snapshot.
func (m *Manager) StopProvider(ctx context.Context, providerID, accountID string) {
	p, ok := m.reg.Resolve(providerID)
	if !ok {
		return
	}
	store := m.store(p.Descriptor.ID)

	// Stop the union of configured and live accounts: accounts removed from
	// configuration since their start still get shut down.
	ids := make(map[string]struct{})
	if accountID != "" {
		ids[accountID] = struct{}{}
	} else {
		if cfg, err := m.loadCfg(); err == nil {
			for _, id := range p.Config.ListAccountIDs(cfg) {
				ids[id] = struct{}{}
			}
		}
		store.mu.Lock()
		for id := range store.accounts {
			ids[id] = struct{}{}
		}
		store.mu.Unlock()
	}

	var wg sync.WaitGroup
	for id := range ids {
		wg.Add(1)
		go func(accountID string) {
			defer wg.Done()
			m.stopAccount(ctx, p, store, accountID)
		}(id)
	}
	wg.Wait()
}

func (m *Manager) stopAccount(ctx context.Context, p *domain.Plugin, store *providerStore, accountID string) {
	log := m.log.With("channel", p.Descriptor.ID, "account", accountID)

	store.mu.Lock()
	entry, ok := store.accounts[accountID]
	if !ok || entry.cancel == nil {
		if ok {
			entry.snap.Running = false
		}
		store.mu.Unlock()
		return
	}
	cancel := entry.cancel
	done := entry.done
	store.mu.Unlock()

	if p.Gateway != nil && p.Gateway.StopAccount != nil {
		if cfg, err := m.loadCfg(); err == nil {
			if account, err := p.Config.ResolveAccount(cfg, accountID); err == nil {
				sc := domain.StartContext{
					AccountID: accountID,
					Account:   account,
					Cfg:       cfg,
					Env:       m.env,
					Status:    &statusSink{store: store, accountID: accountID},
					Log:       log,
				}
				if err := p.Gateway.StopAccount(ctx, sc); err != nil {
					log.Warn("account teardown hook failed", "err", err)
				}
			}
		}
	}

	log.Info("account stopping")
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("timed out waiting for account task")
	}
}

// Snapshot reports the current status of every provider. For each provider
// id there are two keys: "<id>" holding the default account's snapshot (for
// consumers that do not care about multi-account detail) and "<id>Accounts"
// mapping every account id to its merged snapshot. Enabled and configured
// are recomputed from current configuration, not from the last start.
func (m *Manager) Snapshot(ctx context.Context) map[string]any {
	out := make(map[string]any)

	cfg, err := m.loadCfg()
	if err != nil {
		out["error"] = err.Error()
		return out
	}

	for _, p := range m.reg.Plugins() {
		id := p.Descriptor.ID
		store := m.store(id)
		accounts := make(map[string]domain.AccountSnapshot)

		for _, accountID := range p.Config.ListAccountIDs(cfg) {
			accounts[accountID] = m.accountSnapshot(ctx, p, cfg, store, accountID)
		}

		defaultID := p.Config.DefaultAccountID(cfg)
		if snap, ok := accounts[defaultID]; ok {
			out[id] = snap
		} else {
			out[id] = domain.AccountSnapshot{AccountID: defaultID}
		}
		out[id+"Accounts"] = accounts
	}
	return out
}

func (m *Manager) accountSnapshot(ctx context.Context, p *domain.Plugin, cfg *config.Config, store *providerStore, accountID string) domain.AccountSnapshot {
	store.mu.Lock()
	var snap domain.AccountSnapshot
	if entry, ok := store.accounts[accountID]; ok {
		snap = entry.snap
		// Detach the extras map: the live task keeps writing to the original.
		if len(entry.snap.Extra) > 0 {
			extra := make(map[string]any, len(entry.snap.Extra))
			for k, v := range entry.snap.Extra {
				extra[k] = v
			}
			snap.Extra = extra
		}
	} else {
		snap = domain.AccountSnapshot{AccountID: accountID}
	}
	store.mu.Unlock()

	snap.Enabled = p.Config.Enabled(cfg, accountID)

	account, err := p.Config.ResolveAccount(cfg, accountID)
	if err != nil {
		snap.Configured = false
		if snap.LastError == "" {
			snap.LastError = err.Error()
		}
		return snap
	}

	snap.Configured = true
	if p.Config.IsConfigured != nil && !p.Config.IsConfigured(ctx, account, m.env) {
		snap.Configured = false
		if !snap.Running && snap.LastError == "" {
			reason := p.Config.Unconfigured
			if reason == "" {
				reason = "not configured"
			}
			snap.LastError = reason
		}
	}

	if p.Config.DescribeAccount != nil {
		snap.MergeExtras(p.Config.DescribeAccount(account, cfg))
	}
	if p.Status != nil && p.Status.BuildSnapshot != nil {
		snap = p.Status.BuildSnapshot(domain.SnapshotInput{
			AccountID: accountID,
			Account:   account,
			Cfg:       cfg,
			Runtime:   snap,
		})
	}
	return snap
}

// ProbeAccount runs the provider's health check for one account.
func (m *Manager) ProbeAccount(ctx context.Context, providerID, accountID string) (domain.ProbeResult, []string, error) {
	p, ok := m.reg.Resolve(providerID)
	if !ok {
		return domain.ProbeResult{}, nil, fmt.Errorf("unknown provider %q", providerID)
	}
	cfg, err := m.loadCfg()
	if err != nil {
		return domain.ProbeResult{}, nil, fmt.Errorf("load config: %w", err)
	}
	if accountID == "" {
		accountID = p.Config.DefaultAccountID(cfg)
	}
	account, err := p.Config.ResolveAccount(cfg, accountID)
	if err != nil {
		return domain.ProbeResult{}, nil, err
	}

	if p.Status == nil || p.Status.ProbeAccount == nil {
		return domain.ProbeResult{OK: true, Detail: "no probe for this provider"}, nil, nil
	}
	probe, err := p.Status.ProbeAccount(ctx, account, m.env)
	if err != nil {
		return domain.ProbeResult{}, nil, err
	}

	var findings []string
	if p.Status.AuditAccount != nil {
		findings, err = p.Status.AuditAccount(ctx, account, m.env)
		if err != nil {
			findings = append(findings, fmt.Sprintf("audit failed: %v", err))
		}
	}
	return probe, findings, nil
}

// statusSink binds StatusSink writes to one account's snapshot.
type statusSink struct {
	store     *providerStore
	accountID string
}

func (s *statusSink) update(fn func(snap *domain.AccountSnapshot)) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	entry, ok := s.store.accounts[s.accountID]
	if !ok {
		return
	}
	fn(&entry.snap)
}

func (s *statusSink) SetConnected(connected bool) {
	s.update(func(snap *domain.AccountSnapshot) {
		snap.Connected = connected
		if connected {
			now := time.Now()
			snap.LastConnectedAt = &now
		}
	})
}

func (s *statusSink) MarkMessage() {
	s.update(func(snap *domain.AccountSnapshot) {
		now := time.Now()
		snap.LastMessageAt = &now
	})
}

func (s *statusSink) MarkEvent() {
	s.update(func(snap *domain.AccountSnapshot) {
		now := time.Now()
		snap.LastEventAt = &now
	})
}

func (s *statusSink) SetExtra(key string, value any) {
	s.update(func(snap *domain.AccountSnapshot) {
		snap.SetExtra(key, value)
	})
}
