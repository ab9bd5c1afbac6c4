package server

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sessionr/internal/metrics"
	"github.com/loykin/sessionr/internal/process"
	"github.com/loykin/sessionr/internal/supervisor"
)

// Router serves a read-only view of the supervisor.
// Endpoints:
//
//	GET {basePath}/status     supervisor snapshot
//	GET {basePath}/ledger     PIDs in the ledger and whether each is alive
//	GET {basePath}/children   latest resource samples, optional ?name=
//	GET {basePath}/metrics    Prometheus exposition
type Router struct {
	status   StatusSource
	ledger   LedgerReader
	samples  SampleSource
	gatherer prometheus.Gatherer
	basePath string
}

// StatusSource is satisfied by *supervisor.Supervisor.
type StatusSource interface {
	Snapshot() supervisor.Status
}

// LedgerReader is satisfied by *ledger.Ledger.
type LedgerReader interface {
	Read() ([]int, error)
	Path() string
}

// SampleSource is satisfied by *metrics.ChildCollector.
type SampleSource interface {
	Latest() map[string]metrics.ChildSample
}

// Option configures a Router.
type Option func(*Router)

// WithSamples exposes child resource samples on /children.
func WithSamples(s SampleSource) Option { return func(r *Router) { r.samples = s } }

// WithGatherer serves g on /metrics instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option { return func(r *Router) { r.gatherer = g } }

func NewRouter(status StatusSource, l LedgerReader, basePath string, opts ...Option) *Router {
	r := &Router{status: status, ledger: l, basePath: sanitizeBase(basePath)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/ledger", r.handleLedger)
	group.GET("/children", r.handleChildren)
	if r.gatherer != nil {
		group.GET("/metrics", gin.WrapH(metrics.HandlerFor(r.gatherer)))
	} else {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer listens on addr and serves the router in the background.
// A listen failure is returned immediately.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Status server stopped", "addr", server.Addr, "error", err)
		}
	}()
	return server, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type ledgerEntry struct {
	PID   int  `json:"pid"`
	Alive bool `json:"alive"`
}

type ledgerResp struct {
	Path    string        `json:"path"`
	Entries []ledgerEntry `json:"entries"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.status.Snapshot())
}

func (r *Router) handleLedger(c *gin.Context) {
	pids, err := r.ledger.Read()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	resp := ledgerResp{Path: r.ledger.Path(), Entries: make([]ledgerEntry, 0, len(pids))}
	for _, pid := range pids {
		resp.Entries = append(resp.Entries, ledgerEntry{PID: pid, Alive: process.Alive(pid)})
	}
	writeJSON(c, http.StatusOK, resp)
}

func (r *Router) handleChildren(c *gin.Context) {
	if r.samples == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling disabled"})
		return
	}
	latest := r.samples.Latest()
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusOK, latest)
		return
	}
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid name: allowed [A-Za-z0-9._-] and no '..'"})
		return
	}
	s, ok := latest[name]
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no sample for " + name})
		return
	}
	writeJSON(c, http.StatusOK, s)
}
