package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"chatgate/internal/channel"
	"chatgate/internal/config"
	"chatgate/internal/domain"
)

type sentItem struct {
	Kind    string // "text" or "media"
	To      string
	Text    string
	URL     string
	Caption string
	Max     int64
}

type fakeOutbound struct {
	mode    domain.DeliveryMode
	chunker func(string, int) []string
	limit   int
	failOn  func(item sentItem) error

	sent []sentItem
}

func (f *fakeOutbound) plugin() *domain.Plugin {
	return &domain.Plugin{
		Descriptor: domain.Descriptor{ID: "fake", Label: "Fake"},
		Config: domain.ConfigOps{
			ListAccountIDs:   func(cfg *config.Config) []string { return []string{"default"} },
			DefaultAccountID: func(cfg *config.Config) string { return "default" },
			ResolveAccount: func(cfg *config.Config, accountID string) (domain.Account, error) {
				return accountID, nil
			},
			Enabled: func(cfg *config.Config, accountID string) bool { return true },
		},
		Outbound: &domain.Outbound{
			Mode: f.mode,
			ResolveTarget: func(req domain.TargetRequest) domain.TargetResult {
				to := strings.TrimSpace(req.To)
				if to == "" && len(req.AllowFrom) > 0 {
					to = strings.TrimSpace(req.AllowFrom[0])
				}
				if to == "" {
					return domain.TargetResult{Err: "fake requires a destination"}
				}
				return domain.TargetResult{OK: true, To: to}
			},
			SendText: func(ctx context.Context, sc domain.SendContext, to, text string) (domain.DeliveryResult, error) {
				item := sentItem{Kind: "text", To: to, Text: text}
				if f.failOn != nil {
					if err := f.failOn(item); err != nil {
						return domain.DeliveryResult{}, err
					}
				}
				f.sent = append(f.sent, item)
				return domain.DeliveryResult{Provider: "fake", MessageID: fmt.Sprintf("m%d", len(f.sent))}, nil
			},
			SendMedia: func(ctx context.Context, sc domain.SendContext, req domain.MediaRequest) (domain.DeliveryResult, error) {
				item := sentItem{Kind: "media", To: req.To, URL: req.URL, Caption: req.Caption, Max: req.MaxBytes}
				if f.failOn != nil {
					if err := f.failOn(item); err != nil {
						return domain.DeliveryResult{}, err
					}
				}
				f.sent = append(f.sent, item)
				return domain.DeliveryResult{Provider: "fake", MessageID: fmt.Sprintf("m%d", len(f.sent))}, nil
			},
			Chunker: f.chunker,
			ChunkLimit: func(cfg *config.Config, accountID string) int {
				return f.limit
			},
		},
	}
}

func newTestEngine(t *testing.T, f *fakeOutbound, rpc RPC) *Engine {
	t.Helper()
	reg := channel.NewRegistry(f.plugin())
	loadCfg := func() (*config.Config, error) { return config.Defaults(), nil }
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(reg, loadCfg, &domain.RuntimeEnv{}, rpc, log)
}

func TestDeliverChunksTextInOrder(t *testing.T) {
	f := &fakeOutbound{
		mode:    domain.DeliveryDirect,
		chunker: channel.SplitMessage,
		limit:   10,
	}
	e := newTestEngine(t, f, nil)

	text := strings.Repeat("abcde", 5) // 25 chars -> 3 chunks of <=10
	results, err := e.Deliver(context.Background(), Request{
		Provider: "fake",
		To:       "chat1",
		Payloads: []Payload{{Text: text}},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	var rebuilt strings.Builder
	for _, item := range f.sent {
		if item.Kind != "text" {
			t.Fatalf("unexpected %s send", item.Kind)
		}
		rebuilt.WriteString(item.Text)
	}
	if rebuilt.String() != text {
		t.Errorf("chunks out of order or lossy: %q", rebuilt.String())
	}
}

func TestDeliverCaptionsFirstMediaOnly(t *testing.T) {
	f := &fakeOutbound{mode: domain.DeliveryDirect}
	e := newTestEngine(t, f, nil)

	_, err := e.Deliver(context.Background(), Request{
		Provider: "fake",
		To:       "chat1",
		Payloads: []Payload{{
			Text:      "look at these",
			MediaURLs: []string{"https://a/1.png", "https://a/2.png", "https://a/3.png"},
		}},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(f.sent) != 3 {
		t.Fatalf("got %d sends, want 3", len(f.sent))
	}
	if f.sent[0].Caption != "look at these" {
		t.Errorf("first media caption = %q, want the payload text", f.sent[0].Caption)
	}
	for _, item := range f.sent[1:] {
		if item.Caption != "" {
			t.Errorf("media %s carries caption %q, want empty", item.URL, item.Caption)
		}
	}
}

func TestDeliverBestEffortContinuesPastFailures(t *testing.T) {
	f := &fakeOutbound{mode: domain.DeliveryDirect}
	f.failOn = func(item sentItem) error {
		if item.Text == "two" {
			return errors.New("platform rejected")
		}
		return nil
	}
	e := newTestEngine(t, f, nil)

	var failed []Payload
	results, err := e.Deliver(context.Background(), Request{
		Provider:   "fake",
		To:         "chat1",
		Payloads:   []Payload{{Text: "one"}, {Text: "two"}, {Text: "three"}},
		BestEffort: true,
		OnError:    func(p Payload, err error) { failed = append(failed, p) },
	})
	if err != nil {
		t.Fatalf("best-effort delivery returned error: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
	if len(failed) != 1 || failed[0].Text != "two" {
		t.Errorf("OnError saw %v, want the failed payload only", failed)
	}
	if len(f.sent) != 2 || f.sent[1].Text != "three" {
		t.Errorf("delivery did not continue past the failure: %v", f.sent)
	}
}

func TestDeliverFailFastStopsAtFirstError(t *testing.T) {
	f := &fakeOutbound{mode: domain.DeliveryDirect}
	f.failOn = func(item sentItem) error {
		if item.Text == "two" {
			return errors.New("platform rejected")
		}
		return nil
	}
	e := newTestEngine(t, f, nil)

	results, err := e.Deliver(context.Background(), Request{
		Provider: "fake",
		To:       "chat1",
		Payloads: []Payload{{Text: "one"}, {Text: "two"}, {Text: "three"}},
	})
	if err == nil {
		t.Fatal("expected the failure to propagate")
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want only the send before the failure", len(results))
	}
	if len(f.sent) != 1 {
		t.Errorf("delivery continued past the failure: %v", f.sent)
	}
}

func TestDeliverRejectsEmptyTarget(t *testing.T) {
	f := &fakeOutbound{mode: domain.DeliveryDirect}
	e := newTestEngine(t, f, nil)

	_, err := e.Deliver(context.Background(), Request{
		Provider: "fake",
		Payloads: []Payload{{Text: "hello"}},
	})
	if err == nil || !strings.Contains(err.Error(), "destination") {
		t.Fatalf("err = %v, want the resolver's message", err)
	}
	if len(f.sent) != 0 {
		t.Error("sends happened despite unresolved target")
	}
}

type fakeRPC struct {
	method string
	params any
	result any
	err    error
}

func (r *fakeRPC) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	r.method = method
	r.params = params
	if r.err != nil {
		return nil, r.err
	}
	raw, _ := json.Marshal(r.result)
	return raw, nil
}

func TestDeliverRoutesGatewayModeThroughRPC(t *testing.T) {
	f := &fakeOutbound{mode: domain.DeliveryGateway}
	rpc := &fakeRPC{result: GatewaySendResult{
		Results: []domain.DeliveryResult{{Provider: "fake", MessageID: "g1"}},
	}}
	e := newTestEngine(t, f, rpc)

	results, err := e.Deliver(context.Background(), Request{
		Provider: "fake",
		To:       "chat1",
		Payloads: []Payload{{Text: "hello"}},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if rpc.method != "send" {
		t.Errorf("rpc method = %q, want send", rpc.method)
	}
	if len(f.sent) != 0 {
		t.Error("gateway-mode delivery sent in-process")
	}
	if len(results) != 1 || results[0].MessageID != "g1" {
		t.Errorf("results = %v, want the gateway's results passed through", results)
	}
}

func TestDeliverGatewayModeWithoutDaemonErrors(t *testing.T) {
	f := &fakeOutbound{mode: domain.DeliveryGateway}
	e := newTestEngine(t, f, nil)

	_, err := e.Deliver(context.Background(), Request{
		Provider: "fake",
		To:       "chat1",
		Payloads: []Payload{{Text: "hello"}},
	})
	if err == nil || !strings.Contains(err.Error(), "gateway") {
		t.Fatalf("err = %v, want a gateway-not-reachable error", err)
	}
	if len(f.sent) != 0 {
		t.Error("gateway-mode delivery sent in-process without the daemon")
	}
}

func TestDaemonEngineSendsGatewayModeInProcess(t *testing.T) {
	f := &fakeOutbound{mode: domain.DeliveryGateway}
	reg := channel.NewRegistry(f.plugin())
	loadCfg := func() (*config.Config, error) { return config.Defaults(), nil }
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewDaemonEngine(reg, loadCfg, &domain.RuntimeEnv{}, log)

	results, err := e.Deliver(context.Background(), Request{
		Provider: "fake",
		To:       "chat1",
		Payloads: []Payload{{Text: "hello"}},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(results) != 1 || len(f.sent) != 1 {
		t.Errorf("daemon engine did not send in-process: results=%v sent=%v", results, f.sent)
	}
}

func TestGatewayBestEffortFailuresReplayOnError(t *testing.T) {
	f := &fakeOutbound{mode: domain.DeliveryGateway}
	rpc := &fakeRPC{result: GatewaySendResult{
		Results: []domain.DeliveryResult{{Provider: "fake", MessageID: "g1"}},
		Failures: []SendFailure{
			{Payload: Payload{Text: "two"}, Error: "platform rejected"},
		},
	}}
	e := newTestEngine(t, f, rpc)

	var failed []Payload
	var failErrs []error
	results, err := e.Deliver(context.Background(), Request{
		Provider:   "fake",
		To:         "chat1",
		Payloads:   []Payload{{Text: "one"}, {Text: "two"}},
		BestEffort: true,
		OnError: func(p Payload, err error) {
			failed = append(failed, p)
			failErrs = append(failErrs, err)
		},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("got %d results, want the daemon's successful send only", len(results))
	}
	if len(failed) != 1 || failed[0].Text != "two" {
		t.Errorf("OnError saw %v, want the daemon-reported failure", failed)
	}
	if len(failErrs) != 1 || !strings.Contains(failErrs[0].Error(), "platform rejected") {
		t.Errorf("OnError errors = %v, want the daemon's message", failErrs)
	}
}

func TestResolveTargetUsesExplicitAllowList(t *testing.T) {
	f := &fakeOutbound{mode: domain.DeliveryDirect}
	e := newTestEngine(t, f, nil)

	res, err := e.ResolveTarget(context.Background(), "fake", "", "", []string{" chat-fallback "})
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if !res.OK || res.To != "chat-fallback" {
		t.Errorf("result = %+v, want the first allow-list entry", res)
	}

	res, err = e.ResolveTarget(context.Background(), "fake", "", "chat1", []string{"chat-fallback"})
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if res.To != "chat1" {
		t.Errorf("to = %q, explicit destination must win over the allow list", res.To)
	}
}

func TestDeliverFallsBackToAllowList(t *testing.T) {
	f := &fakeOutbound{mode: domain.DeliveryDirect}
	e := newTestEngine(t, f, nil)

	_, err := e.Deliver(context.Background(), Request{
		Provider:  "fake",
		AllowFrom: []string{"chat-fallback"},
		Payloads:  []Payload{{Text: "hello"}},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(f.sent) != 1 || f.sent[0].To != "chat-fallback" {
		t.Errorf("sent = %v, want delivery to the allow-list fallback", f.sent)
	}
}

func TestDeliverDirectModeIgnoresRPC(t *testing.T) {
	f := &fakeOutbound{mode: domain.DeliveryDirect}
	rpc := &fakeRPC{result: GatewaySendResult{}}
	e := newTestEngine(t, f, rpc)

	_, err := e.Deliver(context.Background(), Request{
		Provider: "fake",
		To:       "chat1",
		Payloads: []Payload{{Text: "hello"}},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if rpc.method != "" {
		t.Error("direct-mode delivery went through the gateway")
	}
	if len(f.sent) != 1 {
		t.Errorf("got %d in-process sends, want 1", len(f.sent))
	}
}

func TestNormalizeDropsEmptyPayloads(t *testing.T) {
	got := Normalize([]Payload{
		{Text: "  hello  "},
		{Text: "   "},
		{},
		{MediaURLs: []string{" ", ""}},
		{Text: "", MediaURLs: []string{"https://a/1.png"}},
	})
	if len(got) != 2 {
		t.Fatalf("got %d payloads, want 2", len(got))
	}
	if got[0].Text != "hello" {
		t.Errorf("text not trimmed: %q", got[0].Text)
	}
	if len(got[1].MediaURLs) != 1 {
		t.Errorf("media payload mangled: %v", got[1])
	}
}
