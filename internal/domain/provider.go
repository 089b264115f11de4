// Package domain defines the provider plugin contract and the shared types
// exchanged between the runtime manager, the delivery engine, and the
// per-platform plugins. Orchestration code only ever sees these types; it
// never special-cases a provider by name.
package domain

import (
	"context"
	"log/slog"
	"time"

	"chatgate/internal/config"
)

// DeliveryMode says where outbound sends for a provider execute.
type DeliveryMode string

const (
	// DeliveryDirect performs sends in-process via the provider SDK.
	DeliveryDirect DeliveryMode = "direct"
	// DeliveryGateway routes sends through the running gateway daemon,
	// for providers that require a single persistent connection.
	DeliveryGateway DeliveryMode = "gateway"
	// DeliveryHybrid sends directly when possible and falls back to the
	// gateway when the caller is configured with an RPC client.
	DeliveryHybrid DeliveryMode = "hybrid"
)

// Surface is a chat-surface kind a provider supports.
type Surface string

const (
	SurfaceDirect  Surface = "direct"
	SurfaceGroup   Surface = "group"
	SurfaceChannel Surface = "channel"
	SurfaceThread  Surface = "thread"
)

// Descriptor is the immutable static description of a provider. Created at
// process start from plugin registration; never mutated.
type Descriptor struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Aliases   []string  `json:"aliases,omitempty"`
	Surfaces  []Surface `json:"surfaces"`
	Media     bool      `json:"media"`
	Polls     bool      `json:"polls"`
	Reactions bool      `json:"reactions"`
	Threads   bool      `json:"threads"`
}

// Account is a provider-specific resolved account configuration. It is
// opaque to the runtime manager and the delivery engine; only the owning
// plugin interprets its shape. Accounts are recomputed from current
// configuration on every operation, never cached across calls.
type Account any

// Plugin is the capability record for one provider. Sections are
// independently optional: a nil Gateway means the provider has no live
// connection to maintain, a nil Chunker means its platform accepts
// arbitrarily long messages. Absence of a capability is meaningful; plugins
// never stub out what they do not support.
type Plugin struct {
	Descriptor Descriptor
	Config     ConfigOps
	Outbound   *Outbound
	Status     *Status
	Gateway    *Gateway
}

// ConfigOps maps current configuration onto a provider's accounts.
type ConfigOps struct {
	ListAccountIDs   func(cfg *config.Config) []string
	DefaultAccountID func(cfg *config.Config) string
	ResolveAccount   func(cfg *config.Config, accountID string) (Account, error)

	// Enabled reports whether the account may be started at all. It folds
	// in any provider-level global disable flag.
	Enabled func(cfg *config.Config, accountID string) bool

	// IsConfigured reports whether the account has the credentials or
	// linkage it needs. Optional; may do local I/O (e.g. a credential
	// database lookup) and must honor ctx. Nil means always configured.
	IsConfigured func(ctx context.Context, account Account, env *RuntimeEnv) bool

	// Unconfigured is the snapshot wording recorded when IsConfigured
	// reports false ("not configured", or "not linked" for providers with
	// a linking flow). Presentation, not control flow.
	Unconfigured string

	// DescribeAccount contributes static provider-specific snapshot
	// fields. Optional.
	DescribeAccount func(account Account, cfg *config.Config) map[string]any
}

// TargetRequest asks a plugin to validate and normalize a destination.
type TargetRequest struct {
	To        string
	AllowFrom []string
	Cfg       *config.Config
	AccountID string
}

// TargetResult is the outcome of target resolution. When OK is false, Err
// holds a human-actionable message naming the expected address format.
type TargetResult struct {
	OK  bool   `json:"ok"`
	To  string `json:"to,omitempty"`
	Err string `json:"error,omitempty"`
}

// DeliveryResult is one provider send outcome, tagged with the provider id.
type DeliveryResult struct {
	Provider  string    `json:"provider"`
	MessageID string    `json:"messageId,omitempty"`
	ChatID    string    `json:"chatId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SendContext carries everything a send function needs beyond the message
// itself. Account is the plugin's own resolved account shape.
type SendContext struct {
	AccountID string
	Account   Account
	Cfg       *config.Config
	Env       *RuntimeEnv
}

// MediaRequest is one media item to send. MaxBytes is the resolved size
// ceiling (0 = unlimited); providers that enforce limits server-side check
// it before uploading.
type MediaRequest struct {
	To       string
	URL      string
	Caption  string
	MaxBytes int64
}

// Outbound is a provider's send surface.
type Outbound struct {
	Mode DeliveryMode

	ResolveTarget func(req TargetRequest) TargetResult
	SendText      func(ctx context.Context, sc SendContext, to, text string) (DeliveryResult, error)
	SendMedia     func(ctx context.Context, sc SendContext, req MediaRequest) (DeliveryResult, error)

	// Chunker splits long text into provider-sized pieces. Nil means the
	// provider accepts one arbitrarily long message; do not chunk.
	Chunker func(text string, limit int) []string

	// ChunkLimit computes the per-account text limit for Chunker.
	ChunkLimit func(cfg *config.Config, accountID string) int

	// MediaMaxMB returns the account-level media ceiling override in MB
	// (0 = use the shared default). Optional.
	MediaMaxMB func(cfg *config.Config, accountID string) int
}

// ProbeResult is a read-only health check outcome.
type ProbeResult struct {
	OK     bool           `json:"ok"`
	Detail string         `json:"detail,omitempty"`
	Extra  map[string]any `json:"extra,omitempty"`
}

// Status holds the optional health-check surface. Probe and Audit run only
// when an explicit status probe is requested and must honor the caller's
// ctx deadline.
type Status struct {
	ProbeAccount func(ctx context.Context, account Account, env *RuntimeEnv) (ProbeResult, error)
	AuditAccount func(ctx context.Context, account Account, env *RuntimeEnv) ([]string, error)

	// BuildSnapshot merges static config facts with live runtime state
	// into the externally visible shape. Optional; when nil the runtime
	// snapshot is used as-is plus DescribeAccount extras.
	BuildSnapshot func(in SnapshotInput) AccountSnapshot
}

// SnapshotInput is the material BuildSnapshot merges.
type SnapshotInput struct {
	AccountID string
	Account   Account
	Cfg       *config.Config
	Runtime   AccountSnapshot
	Probe     *ProbeResult
	Audit     []string
}

// StatusSink is the read/write status accessor handed to a running account
// task, bound to that one account's snapshot.
type StatusSink interface {
	SetConnected(connected bool)
	MarkMessage()
	MarkEvent()
	SetExtra(key string, value any)
}

// StartContext is passed to a gateway task when an account starts.
type StartContext struct {
	AccountID string
	Account   Account
	Cfg       *config.Config
	Env       *RuntimeEnv
	Status    StatusSink
	Log       *slog.Logger
}

// Gateway is the live-connection surface for providers that maintain one.
type Gateway struct {
	// StartAccount establishes and maintains the connection until ctx is
	// cancelled, and returns when the connection definitively ends.
	StartAccount func(ctx context.Context, sc StartContext) error

	// StopAccount is an optional explicit teardown hook (e.g. a graceful
	// unsubscribe) invoked before the cancelled task is awaited.
	StopAccount func(ctx context.Context, sc StartContext) error
}
