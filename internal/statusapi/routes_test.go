package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	supabase "github.com/luckydraw/supabase-link"
	"github.com/luckydraw/supabase-link/config"
	"github.com/luckydraw/supabase-link/diagnostics"
)

type stubSupervisor struct {
	status     supabase.Status
	reconnects int
	err        error
}

func (s *stubSupervisor) Status() supabase.Status { return s.status }

func (s *stubSupervisor) ForceReconnect(context.Context) error {
	s.reconnects++
	if s.err != nil {
		return s.err
	}
	s.status = supabase.Status{Connected: true, State: "connected"}
	return nil
}

type stubDiagnostics struct {
	runs   int
	latest *diagnostics.Report
	next   diagnostics.Report
}

func (d *stubDiagnostics) Run(context.Context) diagnostics.Report {
	d.runs++
	r := d.next
	d.latest = &r
	return r
}

func (d *stubDiagnostics) Latest() (diagnostics.Report, bool) {
	if d.latest == nil {
		return diagnostics.Report{}, false
	}
	return *d.latest, true
}

func serve(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestStatus(t *testing.T) {
	sup := &stubSupervisor{status: supabase.Status{State: "retrying", RetryAttempts: 2}}
	core, logs := observer.New(zap.InfoLevel)
	h := SetupRoutes(Deps{
		Supervisor:  sup,
		Diagnostics: &stubDiagnostics{},
		Config:      config.Status{Configured: true, URLValid: true, KeysValid: true},
		Logger:      zap.New(core),
	})

	rec := serve(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "retrying", body.Connection.State)
	assert.Equal(t, 2, body.Connection.RetryAttempts)
	assert.True(t, body.Config.Configured)

	entries := logs.FilterMessage("HTTP request complete").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/status", entries[0].ContextMap()["path"])
}

func TestDiagnosticsRunsOnceAndCaches(t *testing.T) {
	diag := &stubDiagnostics{next: diagnostics.Report{Status: diagnostics.Healthy}}
	h := SetupRoutes(Deps{Supervisor: &stubSupervisor{}, Diagnostics: diag})

	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/diagnostics").Code)
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/diagnostics").Code)
	assert.Equal(t, 1, diag.runs)

	diag.next = diagnostics.Report{Status: diagnostics.Unhealthy, ErrorCount: 1}
	rec := serve(t, h, http.MethodGet, "/diagnostics?refresh=1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 2, diag.runs)
}

func TestReconnect(t *testing.T) {
	sup := &stubSupervisor{}
	h := SetupRoutes(Deps{Supervisor: sup, Diagnostics: &stubDiagnostics{}})

	rec := serve(t, h, http.MethodPost, "/reconnect")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, sup.reconnects)

	sup.err = errors.New("network error")
	rec = serve(t, h, http.MethodPost, "/reconnect")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "network error")

	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, h, http.MethodGet, "/reconnect").Code)
}
