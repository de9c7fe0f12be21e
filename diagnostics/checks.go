package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"

	supabase "github.com/luckydraw/supabase-link"
	"github.com/luckydraw/supabase-link/config"
)

func (r *Reporter) checkConfig(context.Context) (Entry, bool) {
	e := Entry{Category: CategoryConfig}
	if err := r.cfg.Validate(); err != nil {
		e.Severity = SeverityError
		e.Message = "configuration invalid: " + err.Error()
		return e, true
	}
	st := r.cfg.Status()
	e.Severity = SeveritySuccess
	e.Message = fmt.Sprintf("endpoint and keys look valid (%d tables mapped)", len(st.Tables))
	if !st.Privileged {
		e.Message += "; no service role key, admin operations use the public key"
	}
	return e, true
}

func (r *Reporter) checkNetwork(ctx context.Context) (Entry, bool) {
	e := Entry{Category: CategoryNetwork}
	resp, err := r.do(ctx, http.MethodHead, r.cfg.NetworkCheckURL, nil)
	if err != nil {
		e.Severity = SeverityError
		e.Message = "outbound network unreachable: " + err.Error()
		return e, true
	}
	drain(resp)
	e.Severity = SeveritySuccess
	e.Message = "outbound network reachable"
	return e, true
}

func (r *Reporter) checkService(ctx context.Context) (Entry, bool) {
	e := Entry{Category: CategoryService}
	resp, err := r.do(ctx, http.MethodHead, r.restURL("/"), r.keyHeaders())
	if err != nil {
		e.Severity = SeverityError
		e.Message = "backend service unreachable: " + err.Error() + hint(err)
		return e, true
	}
	drain(resp)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.Severity = SeveritySuccess
		e.Message = "backend service reachable"
		return e, true
	}
	e.Severity = SeverityWarning
	e.Message = fmt.Sprintf("backend service answered %d", resp.StatusCode)
	return e, true
}

func (r *Reporter) checkCors(ctx context.Context) (Entry, bool) {
	e := Entry{Category: CategoryCors}
	header := r.keyHeaders()
	header.Set("Origin", r.opts.Origin)
	header.Set("Content-Type", "application/json")
	target := r.restURL("/" + r.cfg.Table(config.TableUsers) + "?select=count")

	resp, err := r.do(ctx, http.MethodGet, target, header)
	if err != nil {
		e.Severity = SeverityError
		e.Message = "cross-origin request aborted: " + err.Error()
		return e, true
	}
	drain(resp)
	switch {
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		e.Severity = SeverityWarning
		e.Message = fmt.Sprintf("cross-origin request answered %d", resp.StatusCode)
	case resp.Header.Get("Access-Control-Allow-Origin") == "":
		e.Severity = SeverityWarning
		e.Message = "cross-origin request succeeded without Access-Control-Allow-Origin"
	default:
		e.Severity = SeveritySuccess
		e.Message = "cross-origin request allowed"
	}
	return e, true
}

func (r *Reporter) checkClient(context.Context) (Entry, bool) {
	e := Entry{Category: CategoryClient}
	if r.opts.Supervisor == nil {
		e.Severity = SeverityError
		e.Message = "client not initialized"
		return e, true
	}
	st := r.opts.Supervisor.Status()
	switch {
	case st.Connected:
		e.Severity = SeveritySuccess
		e.Message = fmt.Sprintf("client connected, %d active subscriptions", st.ActiveSubscriptions)
	case st.RetriesExhausted:
		e.Severity = SeverityError
		e.Message = fmt.Sprintf("client gave up after %d reconnect attempts", st.RetryAttempts)
	case st.State == supabase.StateDisconnected.String():
		e.Severity = SeverityError
		e.Message = "client disconnected"
	default:
		e.Severity = SeverityWarning
		e.Message = fmt.Sprintf("client %s (attempt %d)", st.State, st.RetryAttempts)
	}
	return e, true
}

func (r *Reporter) checkAuth(context.Context) (Entry, bool) {
	if r.opts.Auth == nil {
		return Entry{}, false
	}
	e := Entry{Category: CategoryAuth}
	health, err := r.opts.Auth.HealthCheck()
	if err != nil {
		e.Severity = SeverityError
		e.Message = "auth service health check failed: " + err.Error() + hint(err)
		return e, true
	}
	e.Severity = SeveritySuccess
	e.Message = "auth service healthy"
	if health != nil && health.Version != "" {
		e.Message += " (" + health.Name + " " + health.Version + ")"
	}
	return e, true
}

func (r *Reporter) checkDatabase(ctx context.Context) (Entry, bool) {
	if r.cfg.DatabaseURL == "" {
		return Entry{}, false
	}
	e := Entry{Category: CategoryDatabase}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout.Duration())
	defer cancel()

	conn, err := pgx.Connect(ctx, r.cfg.DatabaseURL)
	if err != nil {
		e.Severity = SeverityError
		e.Message = "database connection failed: " + err.Error() + hint(err)
		return e, true
	}
	defer conn.Close(context.Background())

	if err := conn.Ping(ctx); err != nil {
		e.Severity = SeverityError
		e.Message = "database ping failed: " + err.Error()
		return e, true
	}

	var missing []string
	for _, logical := range []string{config.TableUsers, config.TableSettings, config.TableKnowledge} {
		table := r.cfg.Schema + "." + r.cfg.Table(logical)
		var exists bool
		if err := conn.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&exists); err != nil {
			e.Severity = SeverityError
			e.Message = "database table lookup failed: " + err.Error()
			return e, true
		}
		if !exists {
			missing = append(missing, table)
		}
	}
	if len(missing) > 0 {
		e.Severity = SeverityWarning
		e.Message = "database reachable, missing tables: " + strings.Join(missing, ", ")
		return e, true
	}
	e.Severity = SeveritySuccess
	e.Message = "database reachable, all tables present"
	return e, true
}

func (r *Reporter) do(ctx context.Context, method, target string, header http.Header) (*http.Response, error) {
	if target == "" {
		return nil, errors.New("no url configured")
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	return r.http.Do(req)
}

func (r *Reporter) restURL(path string) string {
	if r.cfg.EndpointURL == "" {
		return ""
	}
	return strings.TrimRight(r.cfg.EndpointURL, "/") + supabase.REST_URL + path
}

func (r *Reporter) keyHeaders() http.Header {
	h := http.Header{}
	h.Set("apikey", r.cfg.PublicKey)
	h.Set("Authorization", "Bearer "+r.cfg.PublicKey)
	return h
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// hint adds a short remedy for well known failure kinds.
func hint(err error) string {
	switch supabase.Classify(err) {
	case supabase.ErrPermission:
		return " (check the API key and row level security policies)"
	case supabase.ErrSchema:
		return " (the table or relation is missing)"
	case supabase.ErrNetwork:
		return " (check network connectivity and the endpoint URL)"
	}
	return ""
}
