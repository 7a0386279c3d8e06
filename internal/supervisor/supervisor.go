// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor owns the model runtime subprocess lifecycle: spawn,
// startup probe, restart-with-backoff on unexpected exit, and a circuit
// breaker gating calls while the runtime is unhealthy.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"fabric/internal/errs"
)

// Launcher starts one instance of the runtime subprocess and returns its
// stdin/stdout pipes plus a handle to wait on. Implemented with os/exec in
// production; tests substitute a fake.
type Launcher interface {
	Launch(ctx context.Context) (stdin io.WriteCloser, stdout io.ReadCloser, wait func() error, err error)
}

// ExecLauncher launches the runtime via os/exec with a configured argv.
type ExecLauncher struct {
	Command string
	Args    []string
	Env     []string
}

// Launch starts the subprocess.
func (l *ExecLauncher) Launch(ctx context.Context) (io.WriteCloser, io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, l.Command, l.Args...)
	if len(l.Env) > 0 {
		cmd.Env = l.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}
	return stdin, stdout, cmd.Wait, nil
}

// TransportFactory builds (and starts the read loop of) a fresh Transport
// bound to the subprocess's stdio pipes, returning a probe function that
// performs the startup handshake.
type TransportFactory func(stdin io.WriteCloser, stdout io.ReadCloser) (probe func(ctx context.Context) error, onExit func())

// Options configures a Supervisor.
type Options struct {
	StartupTimeout   time.Duration
	ShutdownTimeout  time.Duration
	MaxRestarts      int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	BreakerThreshold int64
	BreakerCooldown  time.Duration
	Logger           *slog.Logger

	// OnRuntimeRestart, if set, is invoked once per unexpected subprocess
	// exit, before the backoff sleep and respawn attempt. The Model Manager
	// wires its handle-invalidation here: every handle issued against the
	// previous generation must be marked invalid with reason
	// "runtime_restart" as soon as the old process is known gone, not after
	// the new one has finished starting up.
	OnRuntimeRestart func()
}

// Supervisor owns the runtime subprocess lifecycle.
type Supervisor struct {
	launcher Launcher
	buildTr  TransportFactory
	opts     Options
	logger   *slog.Logger

	breaker *Breaker

	mu         sync.Mutex
	generation atomic.Uint64
	restarts   int
	fatal      atomic.Bool
	wait       func() error
	cancelRun  context.CancelFunc
}

// New creates a Supervisor. buildTr is invoked once per spawn attempt with
// the new subprocess's stdio pipes.
func New(launcher Launcher, buildTr TransportFactory, opts Options) *Supervisor {
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = 15 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		launcher: launcher,
		buildTr:  buildTr,
		opts:     opts,
		logger:   logger,
		breaker:  NewBreaker(opts.BreakerThreshold, opts.BreakerCooldown),
	}
}

// Generation returns the current runtime generation counter. Every
// ModelHandle embeds the generation observed at creation; a call whose
// embedded generation doesn't match this value must fail MODEL_INVALIDATED.
func (s *Supervisor) Generation() uint64 { return s.generation.Load() }

// Breaker exposes the circuit breaker for callers that gate on its state.
func (s *Supervisor) Breaker() *Breaker { return s.breaker }

// BreakerOpen reports whether the circuit breaker is currently open or
// half-open — either way, callers should expect degraded availability.
func (s *Supervisor) BreakerOpen() bool {
	st := s.breaker.State()
	return st == BreakerOpen || st == BreakerHalfOpen
}

// EnsureStarted spawns the runtime if not already running and waits for the
// startup probe to succeed within StartupTimeout. It is idempotent: a
// concurrent or repeated call while already running is a no-op.
func (s *Supervisor) EnsureStarted(ctx context.Context) error {
	s.mu.Lock()
	if s.wait != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.spawnAndProbe(ctx)
}

func (s *Supervisor) spawnAndProbe(ctx context.Context) error {
	if !s.breaker.Allow() {
		return errs.New(errs.CircuitOpen, "breaker is open")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	stdin, stdout, wait, err := s.launcher.Launch(runCtx)
	if err != nil {
		cancel()
		s.breaker.RecordFailure()
		return errs.Wrap(errs.RuntimeRestart, err, "launch runtime")
	}

	probe, onExit := s.buildTr(stdin, stdout)

	probeCtx, probeCancel := context.WithTimeout(ctx, s.opts.StartupTimeout)
	defer probeCancel()
	if err := probe(probeCtx); err != nil {
		cancel()
		s.breaker.RecordFailure()
		return errs.Wrap(errs.RuntimeRestart, err, "startup probe failed")
	}

	s.mu.Lock()
	s.wait = wait
	s.cancelRun = cancel
	gen := s.generation.Add(1)
	s.mu.Unlock()
	generationGauge.Set(float64(gen))

	s.breaker.RecordSuccess()

	go s.monitor(wait, onExit)
	return nil
}

// monitor waits for the subprocess to exit, then restarts with exponential
// backoff up to MaxRestarts, after which the supervisor gives up and enters
// fatal. Every restart bumps the generation counter.
func (s *Supervisor) monitor(wait func() error, onExit func()) {
	err := wait()
	s.logger.Warn("runtime subprocess exited", "error", err)
	if onExit != nil {
		onExit()
	}

	s.mu.Lock()
	s.wait = nil
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()
	restartsTotal.Inc()

	if s.opts.OnRuntimeRestart != nil {
		s.opts.OnRuntimeRestart()
	}

	if attempt > s.opts.MaxRestarts {
		s.fatal.Store(true)
		s.logger.Error("runtime exceeded max restarts, entering fatal state", "max_restarts", s.opts.MaxRestarts)
		return
	}

	backoff := s.opts.InitialBackoff * time.Duration(1<<uint(min(attempt-1, 20)))
	if backoff > s.opts.MaxBackoff {
		backoff = s.opts.MaxBackoff
	}
	time.Sleep(backoff)

	if err := s.spawnAndProbe(context.Background()); err != nil {
		s.logger.Error("restart attempt failed", "attempt", attempt, "error", err)
	}
}

// Fatal reports whether the supervisor has exhausted its restart budget.
func (s *Supervisor) Fatal() bool { return s.fatal.Load() }

// Shutdown cancels the subprocess's run context, which kills the process
// (the launcher uses exec.CommandContext). There is no separate graceful
// phase, and Shutdown does not wait for the process to exit; ShutdownTimeout
// and ctx bound only the cancel call.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancelRun
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		cancel()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.opts.ShutdownTimeout):
		return fmt.Errorf("shutdown timed out after %s", s.opts.ShutdownTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
