// Package diagnostics runs an ordered battery of connectivity checks and
// publishes the result as a single report.
package diagnostics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/supabase-community/auth-go/types"
	"go.uber.org/zap"

	supabase "github.com/luckydraw/supabase-link"
	"github.com/luckydraw/supabase-link/config"
)

// Category groups diagnostic entries.
type Category string

const (
	CategoryConfig   Category = "config"
	CategoryNetwork  Category = "network"
	CategoryService  Category = "service"
	CategoryCors     Category = "cors"
	CategoryClient   Category = "client"
	CategoryAuth     Category = "auth"
	CategoryDatabase Category = "database"
)

// Severity of an entry.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Entry is one check outcome. Entries are never modified after a run.
type Entry struct {
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Health is the overall verdict of a report.
type Health string

const (
	Healthy   Health = "healthy"
	Unhealthy Health = "unhealthy"
)

// Report is the result of one run.
type Report struct {
	Entries    []Entry       `json:"entries"`
	ErrorCount int           `json:"error_count"`
	Status     Health        `json:"status"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Healthy reports whether the run produced no error entries.
func (r Report) Healthy() bool {
	return r.Status == Healthy
}

// StatusSource is the read-only view of the connection supervisor.
type StatusSource interface {
	Status() supabase.Status
}

// AuthChecker is satisfied by auth.Client.
type AuthChecker interface {
	HealthCheck() (*types.HealthCheckResponse, error)
}

// Options wires optional collaborators. A nil Supervisor makes the client
// check report an error; nil Auth and an empty DatabaseURL skip those checks.
type Options struct {
	HTTPClient *http.Client
	Supervisor StatusSource
	Auth       AuthChecker
	// Origin is sent on the CORS check.
	Origin string
	Logger *zap.Logger
}

// Reporter runs the battery. Safe for concurrent use; each Run replaces the
// published report in one step.
type Reporter struct {
	cfg    config.Config
	opts   Options
	http   *http.Client
	logger *zap.Logger
	latest atomic.Pointer[Report]
}

// New returns a Reporter for cfg.
func New(cfg config.Config, opts Options) *Reporter {
	cfg = cfg.WithDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := opts.HTTPClient
	if client == nil {
		client = supabase.HTTPClient(supabase.DefaultMiddleware(cfg.RequestTimeout.Duration()))
	}
	if opts.Origin == "" {
		opts.Origin = "http://localhost"
	}
	return &Reporter{
		cfg:    cfg,
		opts:   opts,
		http:   client,
		logger: logger.Named("diagnostics"),
	}
}

type check func(ctx context.Context) (Entry, bool)

// Run executes every check in order and publishes the report.
func (r *Reporter) Run(ctx context.Context) Report {
	started := time.Now()
	checks := []check{
		r.checkConfig,
		r.checkNetwork,
		r.checkService,
		r.checkCors,
		r.checkClient,
		r.checkAuth,
		r.checkDatabase,
	}

	report := Report{StartedAt: started}
	for _, c := range checks {
		entry, ok := c(ctx)
		if !ok {
			continue
		}
		if entry.Severity == SeverityError {
			report.ErrorCount++
		}
		report.Entries = append(report.Entries, entry)
		r.logger.Debug("check finished",
			zap.String("category", string(entry.Category)),
			zap.String("severity", string(entry.Severity)),
			zap.String("message", entry.Message),
		)
	}
	report.Status = Healthy
	if report.ErrorCount > 0 {
		report.Status = Unhealthy
	}
	report.Duration = time.Since(started)

	r.latest.Store(&report)
	r.logger.Info("diagnostics finished",
		zap.String("status", string(report.Status)),
		zap.Int("errors", report.ErrorCount),
		zap.Duration("duration", report.Duration),
	)
	return report
}

// Latest returns the most recent report, if any run has finished.
func (r *Reporter) Latest() (Report, bool) {
	p := r.latest.Load()
	if p == nil {
		return Report{}, false
	}
	return *p, true
}
