package reaper

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/loykin/sessionr/internal/ledger"
	"github.com/loykin/sessionr/internal/metrics"
	"github.com/loykin/sessionr/internal/portowner"
	"github.com/loykin/sessionr/internal/process"
)

// Default timings.
const (
	DefaultLookupTimeout = 5 * time.Second
	DefaultSettleDelay   = time.Second
)

// Config controls a Reaper.
type Config struct {
	// Port is the managed TCP port. Zero disables port reclamation.
	Port          int
	LookupTimeout time.Duration
	SettleDelay   time.Duration
}

// Report summarizes one reap cycle.
type Report struct {
	LedgerPIDs  []int
	Killed      []int
	AlreadyGone []int
	Failed      []int
	// Skipped holds PIDs never signalled: non-positive values and the
	// calling process itself.
	Skipped     []int
	PortOwners  []int
	Settled     time.Duration
}

// Reaper terminates whatever a previous session left behind: the PIDs in the
// ledger and any process still listening on the managed port.
type Reaper struct {
	ledger *ledger.Ledger
	lookup portowner.Lookup
	cfg    Config
	log    *slog.Logger
	self   int

	// overridable in tests
	killGroup func(int) error
	kill      func(int) error
	sleep     func(time.Duration)
}

func New(l *ledger.Ledger, lookup portowner.Lookup, cfg Config, log *slog.Logger) *Reaper {
	if lookup == nil {
		lookup = portowner.Disabled{}
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		ledger:    l,
		lookup:    lookup,
		cfg:       cfg,
		log:       log.With("component", "reaper"),
		self:      os.Getpid(),
		killGroup: process.KillGroup,
		kill:      process.Kill,
		sleep:     time.Sleep,
	}
}

// Reap runs one full cycle: kill ledger PIDs, clear the ledger, reclaim the
// port, then pause for the settle delay. Every failure is logged and
// swallowed; Reap never fails.
func (r *Reaper) Reap(ctx context.Context) Report {
	var rep Report

	pids, err := r.ledger.Read()
	if err != nil {
		r.log.Warn("Failed to read ledger", "path", r.ledger.Path(), "error", err)
	}
	rep.LedgerPIDs = pids
	if len(pids) > 0 {
		r.log.Info("Found stale session ledger", "path", r.ledger.Path(), "pids", pids)
	}
	for _, pid := range pids {
		r.terminate(&rep, pid, "ledger", r.killGroup)
	}

	if err := r.ledger.Clear(); err != nil {
		r.log.Warn("Failed to clear ledger", "path", r.ledger.Path(), "error", err)
	}

	if r.cfg.Port > 0 {
		r.reclaimPort(ctx, &rep)
	}

	if d := r.cfg.SettleDelay; d > 0 {
		r.sleep(d)
		rep.Settled = d
	}
	return rep
}

func (r *Reaper) reclaimPort(ctx context.Context, rep *Report) {
	lctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout)
	defer cancel()
	owners, err := r.lookup.Owners(lctx, r.cfg.Port)
	if err != nil {
		r.log.Warn("Port owner lookup failed", "port", r.cfg.Port, "lookup", r.lookup.Describe(), "error", err)
		return
	}
	rep.PortOwners = owners
	for _, pid := range owners {
		if slices.Contains(rep.Killed, pid) {
			continue
		}
		r.log.Info("Reclaiming managed port", "port", r.cfg.Port, "pid", pid)
		r.terminate(rep, pid, "port", r.kill)
	}
}

func (r *Reaper) terminate(rep *Report, pid int, source string, fn func(int) error) {
	if pid <= 0 || pid == r.self {
		rep.Skipped = append(rep.Skipped, pid)
		metrics.IncReaped(source, "skipped")
		r.log.Warn("Refusing to terminate own or invalid PID", "pid", pid, "source", source)
		return
	}
	err := fn(pid)
	switch {
	case err == nil:
		rep.Killed = append(rep.Killed, pid)
		metrics.IncReaped(source, "killed")
		r.log.Info("Terminated stale process", "pid", pid, "source", source)
	case process.IsGone(err):
		rep.AlreadyGone = append(rep.AlreadyGone, pid)
		metrics.IncReaped(source, "gone")
		r.log.Debug("Stale process already exited", "pid", pid, "source", source)
	default:
		rep.Failed = append(rep.Failed, pid)
		metrics.IncReaped(source, "failed")
		r.log.Warn("Failed to terminate stale process", "pid", pid, "source", source, "error", err)
	}
}
