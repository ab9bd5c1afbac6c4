// Package sessionr is the embeddable API of the session supervisor: launch
// a primary child with its secondaries, keep a PID ledger for crash
// recovery, reclaim the managed port, and tear everything down when the
// primary exits.
package sessionr

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sessionr/internal/config"
	"github.com/loykin/sessionr/internal/history"
	"github.com/loykin/sessionr/internal/history/factory"
	"github.com/loykin/sessionr/internal/ledger"
	"github.com/loykin/sessionr/internal/logger"
	"github.com/loykin/sessionr/internal/metrics"
	"github.com/loykin/sessionr/internal/portowner"
	"github.com/loykin/sessionr/internal/reaper"
	"github.com/loykin/sessionr/internal/server"
	"github.com/loykin/sessionr/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = supervisor.Config

type ChildSpec = supervisor.ChildSpec

type Role = supervisor.Role

const (
	RolePrimary   = supervisor.RolePrimary
	RoleSecondary = supervisor.RoleSecondary
)

type Session = supervisor.Session

type ExitOutcome = supervisor.ExitOutcome

type Status = supervisor.Status

type SpawnError = supervisor.SpawnError

type LogConfig = logger.Config

type Option = supervisor.Option

type HistorySink = history.Sink

type ReapReport = reaper.Report

var (
	WithLogger     = supervisor.WithLogger
	WithConsole    = supervisor.WithConsole
	WithPortLookup = supervisor.WithPortLookup
)

// WithHistorySink journals session events to sink.
func WithHistorySink(sink HistorySink, log *slog.Logger) Option {
	return supervisor.WithHistory(history.NewRecorder(sink, 3*time.Second, log))
}

// Supervisor is a thin facade over internal/supervisor.Supervisor.
type Supervisor struct{ inner *supervisor.Supervisor }

func New(cfg Config, opts ...Option) (*Supervisor, error) {
	s, err := supervisor.New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: s}, nil
}

func (s *Supervisor) Start(ctx context.Context) (*Session, error) { return s.inner.Start(ctx) }
func (s *Supervisor) Wait(ctx context.Context, sess *Session) ExitOutcome {
	return s.inner.Wait(ctx, sess)
}
func (s *Supervisor) Shutdown(sess *Session) { s.inner.Shutdown(sess) }
func (s *Supervisor) Run(ctx context.Context, onReady func(*Session)) (ExitOutcome, error) {
	return s.inner.Run(ctx, onReady)
}
func (s *Supervisor) Snapshot() Status { return s.inner.Snapshot() }

// StatusHandler serves /status, /ledger and /metrics for s under basePath.
func (s *Supervisor) StatusHandler(basePath string) http.Handler {
	return server.NewRouter(s.inner, s.inner.Ledger(), basePath).Handler()
}

// LoadConfig reads a TOML file (empty path: defaults and SESSIONR_ env
// overrides only) and returns the supervisor configuration it describes.
func LoadConfig(path string) (Config, error) {
	c, err := config.Load(path)
	if err != nil {
		return Config{}, err
	}
	return c.Supervisor()
}

// NewHistorySinkFromDSN opens a sqlite, postgres, clickhouse or opensearch
// journal depending on the DSN scheme.
func NewHistorySinkFromDSN(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// PortLookup returns a port owner lookup: "auto", "socket", "command" or "none".
func PortLookup(kind string) (portowner.Lookup, error) { return portowner.New(kind) }

// ErrLocked is returned by Reap and Start while another session holds the
// ledger's lock.
var ErrLocked = ledger.ErrLocked

// Reap terminates what a crashed session left behind: ledger PIDs and any
// listener on port. It refuses with ErrLocked while a session is running.
// Per-PID failures do not fail the call; see the report.
func Reap(ctx context.Context, ledgerPath string, port int, log *slog.Logger) (ReapReport, error) {
	l := ledger.New(ledgerPath)
	if err := l.Lock(); err != nil {
		return ReapReport{}, err
	}
	defer func() { _ = l.Unlock() }()
	lookup, _ := portowner.New(portowner.KindAuto)
	return reaper.New(l, lookup, reaper.Config{
		Port:        port,
		SettleDelay: reaper.DefaultSettleDelay,
	}, log).Reap(ctx), nil
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
