package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/sessionr/internal/env"
	"github.com/loykin/sessionr/internal/history"
	"github.com/loykin/sessionr/internal/ledger"
	"github.com/loykin/sessionr/internal/logger"
	"github.com/loykin/sessionr/internal/metrics"
	"github.com/loykin/sessionr/internal/portowner"
	"github.com/loykin/sessionr/internal/process"
	"github.com/loykin/sessionr/internal/reaper"
)

// Supervisor runs one session at a time: reap what a previous run left
// behind, spawn the children, wait for the primary, tear everything down.
type Supervisor struct {
	cfg     Config
	ledger  *ledger.Ledger
	lookup  portowner.Lookup
	history *history.Recorder
	console *os.File
	base    *slog.Logger

	// overridable in tests
	sleep func(time.Duration)

	mu     sync.Mutex
	status Status
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger used outside a session, before the shared sink
// is open and after it is closed.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.base = l
		}
	}
}

// WithConsole mirrors session log lines to f when the log config enables
// the console.
func WithConsole(f *os.File) Option { return func(s *Supervisor) { s.console = f } }

// WithPortLookup sets how the reaper finds the managed port's owners.
func WithPortLookup(l portowner.Lookup) Option { return func(s *Supervisor) { s.lookup = l } }

// WithHistory journals session events to r.
func WithHistory(r *history.Recorder) Option { return func(s *Supervisor) { s.history = r } }

func New(cfg Config, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Children = slices.Clone(cfg.Children)
	s := &Supervisor{
		cfg:    cfg,
		ledger: ledger.New(cfg.LedgerPath),
		lookup: portowner.Disabled{},
		sleep:  time.Sleep,
		status: Status{
			State:       StateIdle,
			LedgerPath:  cfg.LedgerPath,
			ManagedPort: cfg.ManagedPort,
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.base == nil {
		s.base = logger.New(cfg.Log, nil, s.console)
	}
	return s, nil
}

// Ledger returns the PID ledger the supervisor writes.
func (s *Supervisor) Ledger() *ledger.Ledger { return s.ledger }

type child struct {
	spec    ChildSpec
	cmd     *exec.Cmd
	handle  ProcessHandle
	done    chan struct{}
	waitErr error
}

// reap collects the exit status exactly once; done closes afterwards.
func (c *child) reap() {
	c.waitErr = c.cmd.Wait()
	close(c.done)
}

func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Session is a running group of children started by Start.
// Only the goroutine that called Start may use it.
type Session struct {
	ID        string
	StartedAt time.Time

	children []*child
	primary  int
	sink     io.WriteCloser
	log      *slog.Logger
	outcome  *ExitOutcome
	closed   bool
}

// Handles lists the spawned children in spawn order.
func (s *Session) Handles() []ProcessHandle {
	out := make([]ProcessHandle, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c.handle)
	}
	return out
}

// Primary returns the handle of the primary child.
func (s *Session) Primary() ProcessHandle { return s.children[s.primary].handle }

func (s *Session) pids() []int {
	out := make([]int, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c.handle.PID)
	}
	return out
}

// Start reaps stale instances, opens the shared log sink and spawns every
// child in order. If any spawn fails the children already started are
// killed and a *SpawnError is returned. On success the ledger holds the new
// PIDs and the configured ready delay has elapsed.
func (s *Supervisor) Start(ctx context.Context) (*Session, error) {
	// Claim the supervisor before touching the lock so concurrent Starts
	// cannot both proceed.
	s.mu.Lock()
	if s.status.State != StateIdle {
		s.mu.Unlock()
		return nil, ErrSessionActive
	}
	s.status.State = StateReaping
	s.mu.Unlock()
	abort := func() {
		s.mu.Lock()
		s.status.State = StateIdle
		s.mu.Unlock()
	}

	if err := s.ledger.Lock(); err != nil {
		abort()
		return nil, err
	}
	sink, err := s.cfg.Log.OpenSink()
	if err != nil {
		_ = s.ledger.Unlock()
		abort()
		return nil, fmt.Errorf("open log sink %s: %w", s.cfg.Log.Path, err)
	}

	sess := &Session{ID: uuid.NewString(), sink: sink, primary: -1}
	sess.log = logger.New(s.cfg.Log, sink, s.console).With("session", sess.ID)
	sess.log.Info("Starting session", "children", len(s.cfg.Children), "port", s.cfg.ManagedPort)
	metrics.RecordStateTransition(string(StateIdle), string(StateReaping))
	sess.log.Debug("Session state changed", "from", StateIdle, "to", StateReaping)
	rp := reaper.New(s.ledger, s.lookup, reaper.Config{
		Port:          s.cfg.ManagedPort,
		LookupTimeout: s.cfg.LookupTimeout,
		SettleDelay:   s.cfg.SettleDelay,
	}, sess.log)
	rep := rp.Reap(ctx)
	for _, pid := range rep.Killed {
		s.history.Record(history.EventReap, history.Record{Session: sess.ID, PID: pid})
	}

	s.setState(sess.log, StateSpawning)
	for i, spec := range s.cfg.Children {
		c, err := s.spawn(spec, sink)
		if err != nil {
			metrics.IncSpawn(spec.Name, false)
			sess.log.Error("Failed to spawn child; rolling back", "child", spec.Name, "error", err)
			s.history.Record(history.EventSpawnFailed, history.Record{
				Session: sess.ID, Child: spec.Name, Role: string(spec.Role), Error: err.Error(),
			})
			s.rollback(sess)
			return nil, &SpawnError{Child: spec.Name, Err: err}
		}
		metrics.IncSpawn(spec.Name, true)
		sess.log.Info("Spawned child", "child", spec.Name, "pid", c.handle.PID, "role", spec.Role)
		s.history.Record(history.EventSpawn, history.Record{
			Session: sess.ID, Child: spec.Name, Role: string(spec.Role), PID: c.handle.PID,
		})
		sess.children = append(sess.children, c)
		if spec.Role == RolePrimary {
			sess.primary = i
		}
	}

	if err := s.ledger.Write(sess.pids()); err != nil {
		sess.log.Warn("Failed to write ledger; a crash now leaves untracked children",
			"path", s.ledger.Path(), "error", err)
	}
	sess.StartedAt = time.Now()
	s.mu.Lock()
	s.status.SessionID = sess.ID
	s.status.StartedAt = sess.StartedAt
	s.status.Children = sess.Handles()
	s.mu.Unlock()
	s.setState(sess.log, StateRecorded)
	metrics.IncSessionStarted()
	s.history.Record(history.EventSessionStart, history.Record{Session: sess.ID})

	if name, d := s.cfg.readyDelay(); d > 0 {
		sess.log.Info("Waiting for child to become ready", "child", name, "delay", d)
		s.sleep(d)
	}
	return sess, nil
}

func (s *Supervisor) spawn(spec ChildSpec, sink io.Writer) (*child, error) {
	cmd := process.BuildCommand(spec.Command, spec.Args)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = env.Compose(os.Environ(), spec.Env)
	}
	cmd.Stdout = sink
	cmd.Stderr = sink
	// Bounds Wait when a non-file sink is copied through a pipe that a
	// grandchild keeps open.
	cmd.WaitDelay = s.cfg.stopTimeout()
	process.SetGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	c := &child{
		spec: spec,
		cmd:  cmd,
		handle: ProcessHandle{
			Name:      spec.Name,
			PID:       cmd.Process.Pid,
			Role:      spec.Role,
			StartedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
	go c.reap()
	return c, nil
}

// rollback undoes a partial Start.
func (s *Supervisor) rollback(sess *Session) {
	for i := len(sess.children) - 1; i >= 0; i-- {
		c := sess.children[i]
		if err := process.KillGroup(c.handle.PID); err != nil && !process.IsGone(err) {
			sess.log.Warn("Failed to kill child during rollback", "child", c.spec.Name, "pid", c.handle.PID, "error", err)
		}
		select {
		case <-c.done:
		case <-time.After(s.cfg.stopTimeout()):
			sess.log.Warn("Child did not exit during rollback", "child", c.spec.Name, "pid", c.handle.PID)
		}
	}
	sess.children = nil
	s.release(sess)
	s.setState(s.base, StateIdle)
}

// Wait blocks until the primary child exits. Cancelling ctx asks the
// primary to stop and keeps waiting for it, so the normal teardown follows.
func (s *Supervisor) Wait(ctx context.Context, sess *Session) ExitOutcome {
	if sess.outcome != nil {
		return *sess.outcome
	}
	s.setState(sess.log, StateWaiting)
	p := sess.children[sess.primary]

	var out ExitOutcome
	select {
	case <-p.done:
		out = outcomeOf(p.waitErr)
	case <-ctx.Done():
		sess.log.Info("Interrupted; stopping primary child", "child", p.spec.Name, "pid", p.handle.PID)
		s.stop(sess.log, p)
		select {
		case <-p.done:
			out = outcomeOf(p.waitErr)
		case <-time.After(s.cfg.stopTimeout()):
			sess.log.Error("Giving up on primary child", "child", p.spec.Name, "pid", p.handle.PID)
			out = ExitOutcome{Code: -1, Error: errPrimaryStuck.Error(), Err: errPrimaryStuck}
		}
	}

	sess.outcome = &out
	metrics.IncPrimaryExit(out.Code)
	sess.log.Info("Primary child exited", "child", p.spec.Name, "pid", p.handle.PID,
		"code", out.Code, "signaled", out.Signaled)
	s.history.Record(history.EventPrimaryExit, history.Record{
		Session: sess.ID, Child: p.spec.Name, Role: string(RolePrimary),
		PID: p.handle.PID, ExitCode: out.Code, Error: out.Error,
	})
	s.mu.Lock()
	s.status.LastOutcome = &out
	s.mu.Unlock()
	return out
}

// stop asks c's process group to terminate and kills it once StopTimeout
// passes. It returns after c has exited or the kill went unanswered.
func (s *Supervisor) stop(log *slog.Logger, c *child) {
	if c.exited() {
		return
	}
	timeout := s.cfg.stopTimeout()
	if err := process.TerminateGroup(c.handle.PID); err != nil && !process.IsGone(err) {
		log.Warn("Failed to stop child", "child", c.spec.Name, "pid", c.handle.PID, "error", err)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.done:
		return
	case <-t.C:
	}
	log.Warn("Child ignored stop request; killing", "child", c.spec.Name, "pid", c.handle.PID, "timeout", timeout)
	if err := process.KillGroup(c.handle.PID); err != nil && !process.IsGone(err) {
		log.Warn("Failed to kill child", "child", c.spec.Name, "pid", c.handle.PID, "error", err)
	}
	t.Reset(timeout)
	select {
	case <-c.done:
	case <-t.C:
		log.Error("Child still running after kill", "child", c.spec.Name, "pid", c.handle.PID)
	}
}

// Shutdown stops every secondary child, clears the ledger and releases the
// shared sink and the session lock. Failures are logged, never returned.
// Calling it again is a no-op.
func (s *Supervisor) Shutdown(sess *Session) {
	if sess == nil || sess.closed {
		return
	}
	s.setState(sess.log, StateTerminating)
	for i := len(sess.children) - 1; i >= 0; i-- {
		c := sess.children[i]
		if c.exited() {
			continue
		}
		sess.log.Info("Stopping child", "child", c.spec.Name, "pid", c.handle.PID, "role", c.spec.Role)
		s.stop(sess.log, c)
	}
	if err := s.ledger.Clear(); err != nil {
		sess.log.Warn("Failed to clear ledger", "path", s.ledger.Path(), "error", err)
	}
	rec := history.Record{Session: sess.ID, ExitCode: -1}
	if sess.outcome != nil {
		rec.ExitCode = sess.outcome.Code
	}
	s.history.Record(history.EventShutdown, rec)
	sess.log.Info("Session ended")

	s.release(sess)
	s.mu.Lock()
	s.status.Children = nil
	s.mu.Unlock()
	s.setState(s.base, StateIdle)
}

func (s *Supervisor) release(sess *Session) {
	sess.closed = true
	if sess.sink != nil {
		if err := sess.sink.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			s.base.Warn("Failed to close log sink", "path", s.cfg.Log.Path, "error", err)
		}
	}
	sess.log = s.base.With("session", sess.ID)
	if err := s.ledger.Unlock(); err != nil {
		s.base.Warn("Failed to release session lock", "path", s.ledger.Path(), "error", err)
	}
}

// Run performs one whole session. onReady, if set, is called once Start
// succeeds. The returned error is non-nil only when Start fails.
func (s *Supervisor) Run(ctx context.Context, onReady func(*Session)) (ExitOutcome, error) {
	sess, err := s.Start(ctx)
	if err != nil {
		return ExitOutcome{Code: -1, Error: err.Error(), Err: err}, err
	}
	defer s.Shutdown(sess)
	if onReady != nil {
		onReady(sess)
	}
	return s.Wait(ctx, sess), nil
}

// Snapshot reports the current state. Safe for concurrent use.
func (s *Supervisor) Snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.Children = slices.Clone(s.status.Children)
	if s.status.LastOutcome != nil {
		o := *s.status.LastOutcome
		st.LastOutcome = &o
	}
	return st
}

// ChildPIDs maps child names to PIDs of the running session, for the
// resource collector.
func (s *Supervisor) ChildPIDs() map[string]int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int32, len(s.status.Children))
	for _, h := range s.status.Children {
		out[h.Name] = int32(h.PID) // #nosec G115 -- PIDs fit in int32
	}
	return out
}

func (s *Supervisor) setState(log *slog.Logger, to State) {
	s.mu.Lock()
	from := s.status.State
	s.status.State = to
	s.mu.Unlock()
	if from == to {
		return
	}
	metrics.RecordStateTransition(string(from), string(to))
	log.Debug("Session state changed", "from", from, "to", to)
}
