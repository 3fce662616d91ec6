package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"

	"datamake/internal/proctree"
)

// StopSignal is the single normalized termination signal sent to descendants
// no matter which trapped signal arrived. Descendants that ignore SIGINT or
// SIGHUP from a non-interactive parent still honor SIGTERM.
const StopSignal = syscall.SIGTERM

// TrappedSignals are the deliveries that trigger escalation.
var TrappedSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

var errDescendantsRemain = errors.New("descendants remain")

type Options struct {
	// Pid is the root whose descendants are supervised. Defaults to the
	// current process.
	Pid         int
	Enumerate   func(pid int) ([]int, error)
	Signal      func(pid int, sig syscall.Signal) error
	SignalGroup func(pid int, sig syscall.Signal) error
	BackoffUnit time.Duration
	MaxRounds   uint
	Logger      *slog.Logger
}

// Supervisor guarantees that no process spawned under the orchestrator
// outlives it. The descendant set is recomputed on every pass, never cached,
// because it changes continuously while the plan runs.
type Supervisor struct {
	pid         int
	enumerate   func(pid int) ([]int, error)
	signal      func(pid int, sig syscall.Signal) error
	signalGroup func(pid int, sig syscall.Signal) error
	backoffUnit time.Duration
	maxRounds   uint
	logger      *slog.Logger

	childPID   atomic.Int64
	escalating atomic.Bool
	forced     atomic.Bool
}

func New(opts Options) *Supervisor {
	if opts.Pid <= 0 {
		opts.Pid = os.Getpid()
	}
	if opts.Enumerate == nil {
		opts.Enumerate = proctree.Descendants
	}
	if opts.Signal == nil {
		opts.Signal = proctree.Signal
	}
	if opts.SignalGroup == nil {
		opts.SignalGroup = proctree.SignalGroup
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = time.Second
	}
	if opts.MaxRounds == 0 {
		opts.MaxRounds = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		pid:         opts.Pid,
		enumerate:   opts.Enumerate,
		signal:      opts.Signal,
		signalGroup: opts.SignalGroup,
		backoffUnit: opts.BackoffUnit,
		maxRounds:   opts.MaxRounds,
		logger:      opts.Logger,
	}
}

// SetChild records the plan child so a forced kill can also target its whole
// process group.
func (s *Supervisor) SetChild(pid int) {
	s.childPID.Store(int64(pid))
}

func (s *Supervisor) ClearChild() {
	s.childPID.Store(0)
}

// Forward delivers sig to every current descendant. Send failures are
// ignored (the target may have just exited); only a failed enumeration is
// reported, because then the tree state is unknown.
func (s *Supervisor) Forward(sig syscall.Signal) error {
	pids, err := s.enumerate(s.pid)
	if err != nil {
		return fmt.Errorf("enumerate descendants of %d: %w", s.pid, err)
	}
	for _, pid := range pids {
		_ = s.signal(pid, sig)
	}
	return nil
}

// Escalate delivers sig to the descendant set and retries with doubling
// backoff (one unit, then two, then four) until the set is empty. A second
// Escalate while one is in flight skips the graceful loop and forces a kill,
// as does any enumeration failure. SIGKILL is terminal: it is forwarded once
// and never retried.
func (s *Supervisor) Escalate(sig syscall.Signal) error {
	s.logger.Info("escalating descendants", "signal", sig.String())
	if sig == syscall.SIGKILL {
		s.ForceKill()
		return nil
	}
	if !s.escalating.CompareAndSwap(false, true) {
		s.logger.Warn("escalation already in flight, forcing kill")
		s.ForceKill()
		return nil
	}
	defer s.escalating.Store(false)
	// The forced latch only interrupts the loop below; a fresh escalation
	// must observe the tree as it is now, not a kill that already happened.
	s.forced.Store(false)

	var fatal error
	retryErr := retry.Retry(func(attempt uint) error {
		if s.forced.Load() {
			return nil
		}
		if err := s.Forward(sig); err != nil {
			fatal = err
			return nil
		}
		remaining, err := s.enumerate(s.pid)
		if err != nil {
			fatal = fmt.Errorf("enumerate descendants of %d: %w", s.pid, err)
			return nil
		}
		if len(remaining) == 0 {
			return nil
		}
		s.logger.Debug("descendants remain after signal round", "round", attempt+1, "remaining", len(remaining))
		return errDescendantsRemain
	}, strategy.Limit(s.maxRounds), strategy.Backoff(backoff.BinaryExponential(s.backoffUnit/2)))

	if fatal != nil {
		s.ForceKill()
		return fmt.Errorf("escalation failed, forced kill issued: %w", fatal)
	}
	if retryErr != nil {
		s.ForceKill()
		return fmt.Errorf("descendants survived %d signal rounds, forced kill issued", s.maxRounds)
	}
	return nil
}

// ForceKill is the terminal fallback: SIGKILL to every enumerable descendant
// and to the tracked child's process group. Never fails, never retried.
func (s *Supervisor) ForceKill() {
	s.forced.Store(true)
	s.logger.Warn("force killing descendants")
	if err := s.Forward(syscall.SIGKILL); err != nil {
		s.logger.Warn("forward during force kill failed", "error", err)
	}
	if child := int(s.childPID.Load()); child > 0 {
		_ = s.signalGroup(child, syscall.SIGKILL)
	}
}

// Sweep confirms the descendant set is empty before the orchestrator exits,
// escalating if anything is still alive.
func (s *Supervisor) Sweep() error {
	remaining, err := s.enumerate(s.pid)
	if err != nil {
		s.ForceKill()
		return fmt.Errorf("sweep enumeration failed, forced kill issued: %w", err)
	}
	if len(remaining) == 0 {
		return nil
	}
	s.logger.Info("sweeping leftover descendants", "count", len(remaining))
	return s.Escalate(StopSignal)
}

// Descendants exposes the current descendant set.
func (s *Supervisor) Descendants() ([]int, error) {
	return s.enumerate(s.pid)
}
