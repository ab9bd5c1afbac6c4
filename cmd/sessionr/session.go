package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sessionr/internal/browser"
	"github.com/loykin/sessionr/internal/config"
	"github.com/loykin/sessionr/internal/history"
	"github.com/loykin/sessionr/internal/history/factory"
	"github.com/loykin/sessionr/internal/logger"
	"github.com/loykin/sessionr/internal/metrics"
	"github.com/loykin/sessionr/internal/portowner"
	"github.com/loykin/sessionr/internal/server"
	"github.com/loykin/sessionr/internal/supervisor"
)

// opener is swapped in tests.
var opener interface {
	Open(ctx context.Context, url string) error
} = browser.New()

func runSession(ctx context.Context, gf *GlobalFlags, rf *RunFlags) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(gf.ConfigPath)
	if err != nil {
		return 1, err
	}
	if rf.NoMonitor {
		cfg.Monitor.Enabled = false
	}
	sc, err := cfg.Supervisor()
	if err != nil {
		return 1, err
	}
	base := logger.New(cfg.Log, nil, os.Stderr)

	lookup, err := portowner.New(cfg.PortLookup)
	if err != nil {
		return 1, err
	}
	recorder, err := openHistory(cfg, base)
	if err != nil {
		return 1, err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			base.Warn("Failed to close history sink", "error", err)
		}
	}()

	sup, err := supervisor.New(sc,
		supervisor.WithLogger(base),
		supervisor.WithConsole(os.Stderr),
		supervisor.WithPortLookup(lookup),
		supervisor.WithHistory(recorder),
	)
	if err != nil {
		return 1, err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Status.Listen != "" {
		shutdown, err := startStatusServer(ctx, cfg, sup, base)
		if err != nil {
			return 1, fmt.Errorf("status server: %w", err)
		}
		defer shutdown()
	}

	onReady := func(sess *supervisor.Session) {
		base.Info("Session ready", "session", sess.ID, "dashboard", cfg.DashboardURL())
		if !cfg.Browser.Open || rf.NoBrowser {
			return
		}
		if err := opener.Open(context.Background(), cfg.DashboardURL()); err != nil {
			base.Warn("Failed to open browser", "url", cfg.DashboardURL(), "error", err)
		}
	}

	out, err := sup.Run(ctx, onReady)
	if err != nil {
		return 1, err
	}
	return exitCode(out), nil
}

// exitCode maps the primary's outcome to the supervisor's own exit code.
func exitCode(out supervisor.ExitOutcome) int {
	if out.Code < 0 {
		return 1
	}
	return out.Code
}

func openHistory(cfg *config.Config, log *slog.Logger) (*history.Recorder, error) {
	if cfg.History.DSN == "" {
		return nil, nil
	}
	sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("history sink: %w", err)
	}
	return history.NewRecorder(sink, cfg.History.Timeout, log), nil
}

func startStatusServer(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor, log *slog.Logger) (func(), error) {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}
	collector := metrics.NewChildCollector(cfg.Status.SampleInterval)
	if err := collector.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}
	collector.Start(ctx, sup.ChildPIDs)

	router := server.NewRouter(sup, sup.Ledger(), "", server.WithSamples(collector))
	srv, err := server.NewServer(cfg.Status.Listen, router)
	if err != nil {
		collector.Stop()
		return nil, err
	}
	log.Info("Status API listening", "addr", srv.Addr)
	return func() {
		collector.Stop()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("Status server shutdown failed", "error", err)
		}
	}, nil
}
