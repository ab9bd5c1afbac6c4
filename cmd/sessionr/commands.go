package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/loykin/sessionr/internal/config"
	"github.com/loykin/sessionr/internal/ledger"
	"github.com/loykin/sessionr/internal/logger"
	"github.com/loykin/sessionr/internal/portowner"
	"github.com/loykin/sessionr/internal/process"
	"github.com/loykin/sessionr/internal/reaper"
	"github.com/loykin/sessionr/pkg/client"
)

func runReap(ctx context.Context, out io.Writer, gf *GlobalFlags, flags *ReapFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(gf.ConfigPath)
	if err != nil {
		return err
	}
	l := ledger.New(cfg.LedgerPath)
	if err := l.Lock(); err != nil {
		if !errors.Is(err, ledger.ErrLocked) || !flags.Force {
			return fmt.Errorf("%w (a session is running; use --force to reap anyway)", err)
		}
	} else {
		defer func() { _ = l.Unlock() }()
	}

	sink, err := cfg.Log.OpenSink()
	if err != nil {
		return fmt.Errorf("open log sink: %w", err)
	}
	defer func() { _ = sink.Close() }()
	log := logger.New(cfg.Log, sink, os.Stderr)

	lookup, err := portowner.New(cfg.PortLookup)
	if err != nil {
		return err
	}
	rep := reaper.New(l, lookup, reaper.Config{
		Port:          cfg.Port,
		LookupTimeout: cfg.LookupTimeout,
		SettleDelay:   cfg.SettleDelay,
	}, log).Reap(ctx)

	_, _ = fmt.Fprintf(out, "ledger: %v\nkilled: %v\nalready gone: %v\nfailed: %v\nport %d owners: %v\n",
		orNone(rep.LedgerPIDs), orNone(rep.Killed), orNone(rep.AlreadyGone), orNone(rep.Failed),
		cfg.Port, orNone(rep.PortOwners))
	return nil
}

func orNone(pids []int) any {
	if len(pids) == 0 {
		return "none"
	}
	return pids
}

type pidStatus struct {
	PID   int  `json:"pid"`
	Alive bool `json:"alive"`
}

type statusReport struct {
	Ledger  string                `json:"ledger"`
	Running bool                  `json:"running"`
	PIDs    []pidStatus           `json:"pids"`
	Live    *client.SessionStatus `json:"live,omitempty"`
}

// statusURL turns a listen address such as ":9850" into a loopback URL.
func statusURL(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func runStatus(ctx context.Context, out io.Writer, gf *GlobalFlags, flags *StatusFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(gf.ConfigPath)
	if err != nil {
		return err
	}
	l := ledger.New(cfg.LedgerPath)
	rep := statusReport{Ledger: l.Path(), PIDs: []pidStatus{}}
	running, err := l.Held()
	if err != nil {
		return err
	}
	rep.Running = running
	pids, err := l.Read()
	if err != nil {
		return err
	}
	for _, pid := range pids {
		rep.PIDs = append(rep.PIDs, pidStatus{PID: pid, Alive: process.Alive(pid)})
	}
	if rep.Running && cfg.Status.Listen != "" {
		c := client.New(client.Config{BaseURL: statusURL(cfg.Status.Listen), Timeout: 2 * time.Second})
		if st, err := c.Status(ctx); err == nil {
			rep.Live = &st
		}
	}

	if flags.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	state := "not running"
	if rep.Running {
		state = "running"
	}
	_, _ = fmt.Fprintf(out, "session: %s\nledger: %s\n", state, rep.Ledger)
	if rep.Live != nil {
		_, _ = fmt.Fprintf(out, "state: %s (session %s)\n", rep.Live.State, rep.Live.SessionID)
		for _, ch := range rep.Live.Children {
			_, _ = fmt.Fprintf(out, "  %s\t%d\t%s\n", ch.Name, ch.PID, ch.Role)
		}
	}
	if len(rep.PIDs) == 0 {
		_, _ = fmt.Fprintln(out, "pids: none")
		return nil
	}
	for _, p := range rep.PIDs {
		alive := "dead"
		if p.Alive {
			alive = "alive"
		}
		_, _ = fmt.Fprintf(out, "  %d\t%s\n", p.PID, alive)
	}
	return nil
}
