package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

type fakeServer struct {
	closeDelay time.Duration
	stubborn   bool // ignore ctx during Close
	runErr     error

	closed atomic.Bool
}

func (f *fakeServer) Run(ctx context.Context) error {
	if f.runErr != nil {
		return f.runErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeServer) Close(ctx context.Context) error {
	if f.closeDelay > 0 {
		if f.stubborn {
			time.Sleep(f.closeDelay)
		} else {
			select {
			case <-time.After(f.closeDelay):
			case <-ctx.Done():
			}
		}
	}
	f.closed.Store(true)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStopSignalEndsLoop(t *testing.T) {
	signals := make(chan Signal, 1)
	var built atomic.Int32
	srv := &fakeServer{}

	s := &Supervisor{
		NewServer: func() (Server, error) {
			built.Add(1)
			return srv, nil
		},
		Grace:   time.Second,
		Signals: signals,
		ExitFn:  func(code int) { t.Errorf("forced exit %d", code) },
		Log:     testLogger(),
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	signals <- SignalStop

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	if built.Load() != 1 {
		t.Errorf("NewServer called %d times, want 1", built.Load())
	}
	if !srv.closed.Load() {
		t.Error("server not closed")
	}
}

func TestRestartBuildsNewGenerationInProcess(t *testing.T) {
	signals := make(chan Signal, 1)
	var built atomic.Int32
	servers := []*fakeServer{{}, {}}

	s := &Supervisor{
		NewServer: func() (Server, error) {
			n := built.Add(1)
			return servers[n-1], nil
		},
		Grace:   time.Second,
		Signals: signals,
		ExitFn:  func(code int) { t.Errorf("forced exit %d", code) },
		Log:     testLogger(),
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	signals <- SignalRestart

	deadline := time.Now().Add(2 * time.Second)
	for built.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if built.Load() != 2 {
		t.Fatal("restart did not build a second generation")
	}
	if !servers[0].closed.Load() {
		t.Error("first generation not closed before the second started")
	}

	signals <- SignalStop
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after restart")
	}
}

func TestGracePeriodForcesExit(t *testing.T) {
	signals := make(chan Signal, 1)
	var exitCode atomic.Int32
	exitCode.Store(-1)

	srv := &fakeServer{closeDelay: 300 * time.Millisecond, stubborn: true}
	s := &Supervisor{
		NewServer: func() (Server, error) { return srv, nil },
		Grace:     20 * time.Millisecond,
		Signals:   signals,
		ExitFn:    func(code int) { exitCode.Store(int32(code)) },
		Log:       testLogger(),
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	signals <- SignalStop
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not settle")
	}
	if exitCode.Load() != 1 {
		t.Errorf("exit code = %d, want forced exit 1", exitCode.Load())
	}
}

func TestZeroGraceDefaultsInsteadOfForcingExit(t *testing.T) {
	signals := make(chan Signal, 1)
	var exitCode atomic.Int32
	exitCode.Store(-1)

	srv := &fakeServer{closeDelay: 50 * time.Millisecond, stubborn: true}
	s := &Supervisor{
		NewServer: func() (Server, error) { return srv, nil },
		Signals:   signals,
		ExitFn:    func(code int) { exitCode.Store(int32(code)) },
		Log:       testLogger(),
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	signals <- SignalStop
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	if code := exitCode.Load(); code != -1 {
		t.Errorf("forced exit %d fired during an orderly shutdown", code)
	}
	if !srv.closed.Load() {
		t.Error("server not closed")
	}
}

func TestServerFailurePropagates(t *testing.T) {
	signals := make(chan Signal, 1)
	srv := &fakeServer{runErr: errors.New("listener bind failed")}

	s := &Supervisor{
		NewServer: func() (Server, error) { return srv, nil },
		Grace:     time.Second,
		Signals:   signals,
		ExitFn:    func(code int) {},
		Log:       testLogger(),
	}

	err := s.Run()
	if err == nil || err.Error() != "listener bind failed" {
		t.Fatalf("err = %v, want the server failure", err)
	}
	if !srv.closed.Load() {
		t.Error("failed server not closed")
	}
}
