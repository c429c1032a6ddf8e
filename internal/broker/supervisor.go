package broker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hackc-pool/hackpoold/internal/domain"
	"github.com/hackc-pool/hackpoold/internal/platform/launcher"
)

// Supervisor is the process-wide lifecycle controller: lazy start, user
// switch on the delegate, fork-child detach, orderly shutdown. It owns
// the Pool. Crossing `started` to true happens under
// startMu and uses release/acquire ordering so other goroutines observe a
// fully constructed Pool once EnsureStarted returns.
type Supervisor struct {
	newLauncher func(ctx context.Context) (launcher.Launcher, error)
	log         domain.Logger
	configJSON  func() []byte
	miscConfig  func() []byte

	startMu  sync.Mutex
	started  atomic.Bool
	username string

	mu       sync.Mutex // guards delegate/pool/mode below
	delegate *launcher.Delegate
	pool     *pool
	mode     domain.Mode
	cfg      domain.Config
}

// NewSupervisor builds a Supervisor. newLauncher constructs the concrete
// Launcher (exec- or docker-backed) the first time EnsureStarted needs
// one; log/configJSON/miscConfig are forwarded to every spawned worker.
func NewSupervisor(cfg domain.Config, mode domain.Mode, newLauncher func(ctx context.Context) (launcher.Launcher, error), log domain.Logger, configJSON, miscConfig func() []byte) *Supervisor {
	return &Supervisor{
		newLauncher: newLauncher,
		log:         log,
		configJSON:  configJSON,
		miscConfig:  miscConfig,
		cfg:         cfg,
		mode:        mode,
	}
}

// SetUsername records a username to apply to the delegate the next time
// EnsureStarted constructs one.
func (s *Supervisor) SetUsername(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
}

// Mode reports how callers should react when compile fails: the mode
// passed to NewSupervisor, or ModeNever once EnsureStarted has found the
// broker disabled (zero workers or an empty command).
func (s *Supervisor) Mode() domain.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// EnsureStarted lazily builds the delegate and pool on first call.
// Double-checked against the started flag so steady-state calls only pay
// for one atomic load.
func (s *Supervisor) EnsureStarted(ctx context.Context) error {
	if s.started.Load() {
		return nil
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started.Load() {
		return nil
	}

	if s.mode == domain.ModeNever || s.cfg.Workers == 0 || len(s.cfg.Command) == 0 {
		s.mu.Lock()
		s.mode = domain.ModeNever
		s.mu.Unlock()
		return nil
	}

	impl, err := s.newLauncher(ctx)
	if err != nil {
		return domain.NewBadCompilerError("unable to construct launcher", err)
	}
	delegate := launcher.NewDelegate(impl)

	if s.username != "" {
		if err := delegate.ChangeUser(s.username); err != nil {
			return fmt.Errorf("supervisor: change user: %w", err)
		}
	}

	p := newPool(s.cfg, delegate, s.log, s.configJSON, s.miscConfig)
	if err := p.start(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.delegate = delegate
	s.pool = p
	s.mu.Unlock()

	s.started.Store(true)
	return nil
}

// Pool returns the started pool, ensuring startup first.
func (s *Supervisor) Pool(ctx context.Context) (*pool, error) {
	if err := s.EnsureStarted(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return nil, fmt.Errorf("supervisor: hackc disabled (mode=%s)", s.mode)
	}
	return s.pool, nil
}

// VersionString returns the pool's cached version string.
func (s *Supervisor) VersionString(ctx context.Context) (string, error) {
	p, err := s.Pool(ctx)
	if err != nil {
		return "", err
	}
	return p.version, nil
}

// Shutdown stops the pool without detaching and closes the delegate.
func (s *Supervisor) Shutdown() {
	s.stop(false)
}

// DetachAfterFork stops the pool with detach=true and closes the
// delegate. Intended to be registered as a post-fork/re-exec hook so a
// child that no longer owns the worker processes doesn't signal or wait
// on them.
func (s *Supervisor) DetachAfterFork() {
	s.stop(true)
}

func (s *Supervisor) stop(detach bool) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	p, delegate := s.pool, s.delegate
	s.pool, s.delegate = nil, nil
	s.mu.Unlock()

	if p != nil {
		p.shutdown(detach)
	}
	if delegate != nil {
		delegate.Close()
	}
	s.started.Store(false)
}
