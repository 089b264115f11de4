// Package supervisor runs a server through stop and restart cycles: SIGHUP
// rebuilds the server inside the same process, SIGINT and SIGTERM shut it
// down, and a grace period bounds every shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Signal is a supervisor command.
type Signal int

const (
	// SignalStop shuts the server down and ends the process loop.
	SignalStop Signal = iota
	// SignalRestart shuts the current server down and builds a fresh one in
	// the same process, picking up configuration changes.
	SignalRestart
)

// Server is one supervisable server generation. Run blocks until ctx is
// cancelled or the server fails; Close releases its resources.
type Server interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// Supervisor drives Server generations. Zero values get sensible defaults:
// OS signals when Signals is nil, os.Exit when ExitFn is nil, ten seconds
// when Grace is zero.
type Supervisor struct {
	// NewServer builds a fresh server generation. Called once at startup
	// and again after every restart signal.
	NewServer func() (Server, error)

	// Grace bounds each shutdown; when it expires the process is forced out
	// through ExitFn. Zero means ten seconds.
	Grace time.Duration

	// Signals feeds commands in. Nil wires SIGHUP to restart and
	// SIGINT/SIGTERM to stop.
	Signals <-chan Signal

	ExitFn func(code int)
	Log    *slog.Logger
}

// Run loops server generations until a stop signal or a server failure.
// Signals arriving while a shutdown is already underway are dropped.
func (s *Supervisor) Run() error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	exit := s.ExitFn
	if exit == nil {
		exit = os.Exit
	}
	signals := s.Signals
	if signals == nil {
		signals = osSignals(log)
	}
	grace := s.Grace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	for {
		srv, err := s.NewServer()
		if err != nil {
			return fmt.Errorf("build server: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		runErr := make(chan error, 1)
		go func() {
			runErr <- srv.Run(ctx)
		}()

		var restart bool
		var serverErr error
		select {
		case sig := <-signals:
			restart = sig == SignalRestart
			if restart {
				log.Info("restart requested")
			} else {
				log.Info("shutdown requested")
			}
		case serverErr = <-runErr:
			log.Error("server ended on its own", "err", serverErr)
		}

		// From here the shutdown must finish within the grace period or the
		// process is forced out.
		forced := time.AfterFunc(grace, func() {
			log.Error("shutdown grace period expired, forcing exit")
			exit(1)
		})

		cancel()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), grace)
		if err := srv.Close(closeCtx); err != nil {
			log.Warn("server close reported errors", "err", err)
		}
		closeCancel()

		// Drain the run goroutine so the old generation is fully settled
		// before a new one starts.
		if serverErr == nil {
			if err := <-runErr; err != nil {
				serverErr = err
			}
		}
		forced.Stop()

		// Commands that piled up during the shutdown are stale.
		drain(signals)

		if serverErr != nil {
			return serverErr
		}
		if !restart {
			log.Info("supervisor stopped")
			return nil
		}
		log.Info("starting new server generation")
	}
}

func drain(signals <-chan Signal) {
	for {
		select {
		case <-signals:
		default:
			return
		}
	}
}

// osSignals maps process signals onto supervisor commands.
func osSignals(log *slog.Logger) <-chan Signal {
	out := make(chan Signal, 1)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for sig := range sigCh {
			cmd := SignalStop
			if sig == syscall.SIGHUP {
				cmd = SignalRestart
			}
			select {
			case out <- cmd:
			default:
				log.Debug("signal dropped, shutdown already underway", "signal", sig.String())
			}
		}
	}()
	return out
}
