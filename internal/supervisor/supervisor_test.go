package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/sessionr/internal/history"
	"github.com/loykin/sessionr/internal/ledger"
	"github.com/loykin/sessionr/internal/logger"
	"github.com/loykin/sessionr/internal/process"
)

// TestHelperProcess is re-executed as a child by the tests below. Its mode
// comes after "--" on the command line.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("SUPERVISOR_HELPER") != "1" {
		return
	}
	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	switch args[0] {
	case "sleep":
		time.Sleep(time.Minute)
	case "exit":
		code, _ := strconv.Atoi(args[1])
		os.Exit(code)
	case "exit-after":
		d, _ := time.ParseDuration(args[1])
		code, _ := strconv.Atoi(args[2])
		time.Sleep(d)
		os.Exit(code)
	case "print":
		fmt.Println(args[1])
		time.Sleep(time.Minute)
	case "print-exit":
		fmt.Println(args[1])
		os.Exit(0)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process group signalling is unix-only")
	}
}

func helper(name string, role Role, mode ...string) ChildSpec {
	return ChildSpec{
		Name:    name,
		Command: os.Args[0],
		Args:    append([]string{"-test.run=^TestHelperProcess$", "--"}, mode...),
		Env:     []string{"SUPERVISOR_HELPER=1"},
		Role:    role,
	}
}

func testConfig(t *testing.T, children ...ChildSpec) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		LedgerPath:  filepath.Join(dir, "session.pids"),
		Log:         logger.Config{Path: filepath.Join(dir, "session.log"), Level: "debug"},
		ManagedPort: 8050,
		Children:    children,
		StopTimeout: time.Second,
	}
}

func newTestSupervisor(t *testing.T, cfg Config, opts ...Option) *Supervisor {
	t.Helper()
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	s.sleep = func(time.Duration) {}
	return s
}

func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$", "--", "exit", "0")
	cmd.Env = append(os.Environ(), "SUPERVISOR_HELPER=1")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

type memorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memorySink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memorySink) Close() error { return nil }

func (m *memorySink) types() []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]history.EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

func TestNewValidation(t *testing.T) {
	primary := ChildSpec{Name: "dashboard", Command: "python dashboard.py", Role: RolePrimary}
	monitor := ChildSpec{Name: "monitor", Command: "python -m nenner_engine", Role: RoleSecondary}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no children", func(c *Config) { c.Children = nil }},
		{"no primary", func(c *Config) { c.Children = []ChildSpec{monitor} }},
		{"two primaries", func(c *Config) {
			p2 := primary
			p2.Name = "other"
			c.Children = []ChildSpec{primary, p2}
		}},
		{"duplicate names", func(c *Config) {
			m2 := monitor
			c.Children = []ChildSpec{primary, monitor, m2}
		}},
		{"empty command", func(c *Config) {
			m := monitor
			m.Command = ""
			c.Children = []ChildSpec{primary, m}
		}},
		{"unknown role", func(c *Config) {
			m := monitor
			m.Role = "sidecar"
			c.Children = []ChildSpec{primary, m}
		}},
		{"two ready delays", func(c *Config) {
			p, m := primary, monitor
			p.ReadyDelay, m.ReadyDelay = time.Second, time.Second
			c.Children = []ChildSpec{p, m}
		}},
		{"port zero", func(c *Config) { c.ManagedPort = 0 }},
		{"port too large", func(c *Config) { c.ManagedPort = 70000 }},
		{"no ledger path", func(c *Config) { c.LedgerPath = "" }},
		{"no log path", func(c *Config) { c.Log.Path = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, primary, monitor)
			tc.mutate(&cfg)
			_, err := New(cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := New(testConfig(t, primary, monitor))
	assert.NoError(t, err)
}

func TestRunPrimaryExitStopsMonitorAndClearsLedger(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t,
		helper("dashboard", RolePrimary, "exit-after", "300ms", "1"),
		helper("monitor", RoleSecondary, "sleep"),
	)
	s := newTestSupervisor(t, cfg)

	var handles []ProcessHandle
	var recorded []int
	out, err := s.Run(context.Background(), func(sess *Session) {
		handles = sess.Handles()
		recorded, _ = s.Ledger().Read()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Code)
	assert.False(t, out.Signaled)

	require.Len(t, handles, 2)
	assert.Equal(t, []int{handles[0].PID, handles[1].PID}, recorded)
	assert.False(t, process.Alive(handles[1].PID), "monitor should be stopped")

	pids, err := s.Ledger().Read()
	require.NoError(t, err)
	assert.Empty(t, pids)
	_, statErr := os.Stat(cfg.LedgerPath)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "ledger should be removed")

	st := s.Snapshot()
	assert.Equal(t, StateIdle, st.State)
	require.NotNil(t, st.LastOutcome)
	assert.Equal(t, 1, st.LastOutcome.Code)
}

func TestStartRollsBackOnSpawnFailure(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t,
		helper("monitor", RoleSecondary, "sleep"),
		ChildSpec{Name: "dashboard", Command: filepath.Join(t.TempDir(), "missing-binary"), Args: []string{"x"}, Role: RolePrimary},
	)
	sink := &memorySink{}
	s := newTestSupervisor(t, cfg, WithHistory(history.NewRecorder(sink, 0, nil)))

	sess, err := s.Start(context.Background())
	require.Error(t, err)
	assert.Nil(t, sess)

	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "dashboard", se.Child)

	var spawned int
	for _, e := range sink.events {
		if e.Type == history.EventSpawn {
			spawned = e.Record.PID
		}
	}
	require.NotZero(t, spawned)
	assert.False(t, process.Alive(spawned), "already-spawned child should be killed")

	pids, _ := s.Ledger().Read()
	assert.Empty(t, pids)
	assert.Equal(t, StateIdle, s.Snapshot().State)
	assert.Contains(t, sink.types(), history.EventSpawnFailed)

	other := ledger.New(cfg.LedgerPath)
	require.NoError(t, other.Lock(), "session lock should be released")
	require.NoError(t, other.Unlock())
}

func TestShutdownIsIdempotent(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t,
		helper("dashboard", RolePrimary, "sleep"),
		helper("monitor", RoleSecondary, "sleep"),
	)
	s := newTestSupervisor(t, cfg)
	sess, err := s.Start(context.Background())
	require.NoError(t, err)
	handles := sess.Handles()

	s.Shutdown(sess)
	s.Shutdown(sess)
	s.Shutdown(nil)

	for _, h := range handles {
		assert.False(t, process.Alive(h.PID), "%s should be stopped", h.Name)
	}
	pids, _ := s.Ledger().Read()
	assert.Empty(t, pids)
	assert.Equal(t, StateIdle, s.Snapshot().State)
}

func TestWaitCancelStopsPrimary(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t,
		helper("dashboard", RolePrimary, "sleep"),
		helper("monitor", RoleSecondary, "sleep"),
	)
	s := newTestSupervisor(t, cfg)
	sess, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Shutdown(sess)

	st := s.Snapshot()
	assert.Equal(t, StateRecorded, st.State)
	assert.Equal(t, sess.ID, st.SessionID)
	assert.Len(t, st.Children, 2)
	assert.Len(t, s.ChildPIDs(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	out := s.Wait(ctx, sess)
	assert.Equal(t, -1, out.Code)
	assert.True(t, out.Signaled)
	assert.False(t, process.Alive(sess.Primary().PID))

	again := s.Wait(context.Background(), sess)
	assert.Equal(t, out.Code, again.Code)
}

func TestWaitGivesUpOnPrimaryThatNeverExits(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t, helper("dashboard", RolePrimary, "sleep"))
	cfg.StopTimeout = 50 * time.Millisecond
	s := newTestSupervisor(t, cfg)

	cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$", "--", "sleep")
	cmd.Env = append(os.Environ(), "SUPERVISOR_HELPER=1")
	process.SetGroup(cmd)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	// done is never closed, as if the exit status never arrives
	p := &child{
		spec:   cfg.Children[0],
		cmd:    cmd,
		handle: ProcessHandle{Name: "dashboard", PID: cmd.Process.Pid, Role: RolePrimary},
		done:   make(chan struct{}),
	}
	sess := &Session{ID: "stuck", children: []*child{p}, primary: 0, log: s.base}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := make(chan ExitOutcome, 1)
	go func() { result <- s.Wait(ctx, sess) }()
	select {
	case out := <-result:
		assert.Equal(t, -1, out.Code)
		assert.ErrorIs(t, out.Err, errPrimaryStuck)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return for a primary that never exits")
	}
}

func TestStartReapsStaleLedger(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t,
		helper("dashboard", RolePrimary, "exit", "0"),
	)

	stale := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$", "--", "sleep")
	stale.Env = append(os.Environ(), "SUPERVISOR_HELPER=1")
	process.SetGroup(stale)
	require.NoError(t, stale.Start())
	waited := make(chan struct{})
	go func() { _ = stale.Wait(); close(waited) }()
	t.Cleanup(func() { _ = stale.Process.Kill() })

	dead := deadPID(t)
	require.NoError(t, ledger.New(cfg.LedgerPath).Write([]int{stale.Process.Pid, dead}))

	sink := &memorySink{}
	s := newTestSupervisor(t, cfg, WithHistory(history.NewRecorder(sink, 0, nil)))
	out, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Code)

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("stale process was not reaped")
	}
	assert.Contains(t, sink.types(), history.EventReap)
}

func TestStartFailsWhileLocked(t *testing.T) {
	cfg := testConfig(t, helper("dashboard", RolePrimary, "exit", "0"))
	holder := ledger.New(cfg.LedgerPath)
	require.NoError(t, holder.Lock())
	defer func() { _ = holder.Unlock() }()

	s := newTestSupervisor(t, cfg)
	_, err := s.Start(context.Background())
	assert.ErrorIs(t, err, ledger.ErrLocked)
	assert.Equal(t, StateIdle, s.Snapshot().State)
}

func TestShutdownKillsChildIgnoringTerm(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t,
		helper("dashboard", RolePrimary, "exit", "0"),
		helper("monitor", RoleSecondary, "ignore-term"),
	)
	cfg.StopTimeout = 300 * time.Millisecond
	s := newTestSupervisor(t, cfg)

	var monitor int
	_, err := s.Run(context.Background(), func(sess *Session) {
		monitor = sess.Handles()[1].PID
		// let the helper install its signal handler
		time.Sleep(200 * time.Millisecond)
	})
	require.NoError(t, err)
	assert.False(t, process.Alive(monitor))
}

func TestReadyDelayIsHonoured(t *testing.T) {
	requireUnix(t)
	dash := helper("dashboard", RolePrimary, "exit", "0")
	dash.ReadyDelay = 3 * time.Second
	cfg := testConfig(t, dash, helper("monitor", RoleSecondary, "sleep"))
	s := newTestSupervisor(t, cfg)
	var slept []time.Duration
	s.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second}, slept)
}

func TestSharedSinkCollectsAllOutput(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t,
		helper("dashboard", RolePrimary, "exit-after", "300ms", "0"),
		helper("monitor", RoleSecondary, "print", "monitor-line"),
		helper("printer", RoleSecondary, "print-exit", "printer-line"),
	)

	sink := &memorySink{}
	s := newTestSupervisor(t, cfg, WithHistory(history.NewRecorder(sink, 0, nil)))
	_, err := s.Run(context.Background(), nil)
	require.NoError(t, err)

	b, err := os.ReadFile(cfg.Log.Path)
	require.NoError(t, err)
	text := string(b)
	assert.Contains(t, text, "monitor-line")
	assert.Contains(t, text, "printer-line")
	assert.Contains(t, text, "Starting session")
	assert.Contains(t, text, "Primary child exited")

	assert.Equal(t, []history.EventType{
		history.EventSpawn, history.EventSpawn, history.EventSpawn,
		history.EventSessionStart, history.EventPrimaryExit, history.EventShutdown,
	}, sink.types())
}

func TestStartRejectsSecondSession(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t, helper("dashboard", RolePrimary, "sleep"))
	s := newTestSupervisor(t, cfg)
	sess, err := s.Start(context.Background())
	require.NoError(t, err)
	defer s.Shutdown(sess)

	_, err = s.Start(context.Background())
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, ExitOutcome{Code: 0}, outcomeOf(nil))
	other := errors.New("wait failed")
	out := outcomeOf(other)
	assert.Equal(t, -1, out.Code)
	assert.ErrorIs(t, out.Err, other)
}
