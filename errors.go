package supabase

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/luckydraw/supabase-link/config"
)

// Error kinds. Use errors.Is against these to classify any error returned by
// the supervisor, registry or gateway.
var (
	ErrConfigInvalid    = config.ErrInvalid
	ErrNetwork          = errors.New("network error")
	ErrPermission       = errors.New("permission denied")
	ErrSchema           = errors.New("schema error")
	ErrNotFound         = errors.New("not found")
	ErrChannel          = errors.New("channel error")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrNotConnected     = errors.New("not connected")
	ErrQueryFailed      = errors.New("query failed")
)

// QueryError is a classified backend failure.
type QueryError struct {
	Kind  error
	Table string
	Op    string
	Err   error
}

func (e *QueryError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Op != "" || e.Table != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		if e.Table != "" {
			if e.Op != "" {
				b.WriteString(" ")
			}
			b.WriteString(e.Table)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the error's kind. A channel error also counts as a network
// error for retry purposes.
func (e *QueryError) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrChannel && target == ErrNetwork
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

var (
	networkPatterns = []string{
		"net::err_aborted",
		"networkerror",
		"failed to fetch",
		"connection failed",
		"connection refused",
		"connection reset",
		"no such host",
		"broken pipe",
		"i/o timeout",
		"unexpected eof",
	}
	channelPatterns = []string{
		"channel_error",
		"realtime socket closed",
		"realtime join timed out",
	}
	permissionPatterns = []string{
		"42501",
		"permission denied",
		"row-level security",
		"row level security",
		"jwt",
		"invalid api key",
	}
	schemaPatterns = []string{
		"42p01",
		"pgrst205",
		"relation",
		"does not exist",
		"could not find the table",
	}
	// PGRST116 is also returned when a single-row request matches several
	// rows, so only an explicit zero count means not found.
	notFoundPattern = regexp.MustCompile(`(^|[^0-9])0 rows|no rows`)
	statusPattern   = regexp.MustCompile(`backend answered (\d{3})`)
)

// Classify maps any backend error to one of the error kinds. It returns nil
// for a nil error.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	for _, kind := range []error{ErrConfigInvalid, ErrRetriesExhausted, ErrNotConnected, ErrChannel, ErrNetwork, ErrPermission, ErrSchema, ErrNotFound} {
		if errors.Is(err, kind) {
			return kind
		}
	}

	msg := strings.ToLower(err.Error())
	var se *StatusError
	answered := errors.As(err, &se)
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		answered = true
		code, _ := strconv.Atoi(m[1])
		if kind := statusKind(code); kind != nil {
			return kind
		}
	}
	switch {
	case containsAny(msg, channelPatterns):
		return ErrChannel
	case containsAny(msg, permissionPatterns):
		return ErrPermission
	case notFoundPattern.MatchString(msg):
		return ErrNotFound
	case containsAny(msg, schemaPatterns):
		return ErrSchema
	}
	// The backend answered, so the transport worked.
	if answered {
		return ErrQueryFailed
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrNetwork
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return ErrNetwork
	}
	if containsAny(msg, networkPatterns) {
		return ErrNetwork
	}
	return ErrQueryFailed
}

func classifyQuery(table, op string, err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return err
	}
	return &QueryError{Kind: Classify(err), Table: table, Op: op, Err: err}
}

// IsTransient reports whether err should drive the reconnect machinery.
func IsTransient(err error) bool {
	kind := Classify(err)
	return kind == ErrNetwork || kind == ErrChannel
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
