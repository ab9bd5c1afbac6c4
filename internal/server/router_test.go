package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/sessionr/internal/ledger"
	"github.com/loykin/sessionr/internal/metrics"
	"github.com/loykin/sessionr/internal/supervisor"
)

type fakeStatus struct{ st supervisor.Status }

func (f fakeStatus) Snapshot() supervisor.Status { return f.st }

type fakeSamples map[string]metrics.ChildSample

func (f fakeSamples) Latest() map[string]metrics.ChildSample { return f }

func setupRouter(t *testing.T, base string, opts ...Option) (http.Handler, *ledger.Ledger) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := ledger.New(filepath.Join(t.TempDir(), "session.pids"))
	st := fakeStatus{st: supervisor.Status{
		State:       supervisor.StateWaiting,
		SessionID:   "abc",
		ManagedPort: 8050,
		LedgerPath:  l.Path(),
		Children: []supervisor.ProcessHandle{
			{Name: "dashboard", PID: 4821, Role: supervisor.RolePrimary},
			{Name: "monitor", PID: 4822, Role: supervisor.RoleSecondary},
		},
	}}
	return NewRouter(st, l, base, opts...).Handler(), l
}

func doReq(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st supervisor.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != supervisor.StateWaiting || st.SessionID != "abc" || len(st.Children) != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	h, l := setupRouter(t, "")
	if err := l.Write([]int{os.Getpid(), 1 << 30}); err != nil {
		t.Fatalf("write ledger: %v", err)
	}
	rec := doReq(t, h, "/ledger")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ledgerResp
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("entries: %+v", resp.Entries)
	}
	if !resp.Entries[0].Alive || resp.Entries[1].Alive {
		t.Fatalf("liveness wrong: %+v", resp.Entries)
	}
}

func TestLedgerEndpointEmpty(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, "/ledger")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"entries":[]`) {
		t.Fatalf("unexpected: %d %s", rec.Code, rec.Body.String())
	}
}

func TestChildrenEndpoint(t *testing.T) {
	samples := fakeSamples{"dashboard": {PID: 4821, Name: "dashboard", CPUPercent: 1.5}}
	h, _ := setupRouter(t, "", WithSamples(samples))

	if rec := doReq(t, h, "/children"); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dashboard") {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	if rec := doReq(t, h, "/children?name=dashboard"); rec.Code != http.StatusOK {
		t.Fatalf("single: %d", rec.Code)
	}
	if rec := doReq(t, h, "/children?name=monitor"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing child should 404, got %d", rec.Code)
	}
	if rec := doReq(t, h, "/children?name=../etc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("unsafe name should 400, got %d", rec.Code)
	}
}

func TestChildrenDisabled(t *testing.T) {
	h, _ := setupRouter(t, "")
	if rec := doReq(t, h, "/children"); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	metrics.IncSessionStarted()
	h, _ := setupRouter(t, "", WithGatherer(reg))
	rec := doReq(t, h, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sessionr_session_started_total") {
		t.Fatalf("metrics missing: %s", rec.Body.String())
	}
}

func TestNewServerServesAndShutsDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := ledger.New(filepath.Join(t.TempDir(), "session.pids"))
	srv, err := NewServer("127.0.0.1:0", NewRouter(fakeStatus{}, l, ""))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	resp, err := http.Get("http://" + srv.Addr + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestNewServerListenError(t *testing.T) {
	if _, err := NewServer("256.0.0.1:bad", NewRouter(fakeStatus{}, nil, "")); err == nil {
		t.Fatalf("expected listen error")
	}
}
