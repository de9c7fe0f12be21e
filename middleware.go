package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RoundTripperFunc adapts a function to http.RoundTripper.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// DefaultMiddleware returns a transport wrapper that disables caching and
// bounds each request by timeout. It is passed explicitly to whatever needs
// it; nothing global is modified.
func DefaultMiddleware(timeout time.Duration) func(http.RoundTripper) http.RoundTripper {
	return func(next http.RoundTripper) http.RoundTripper {
		if next == nil {
			next = http.DefaultTransport
		}
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			req.Header.Set("Cache-Control", "no-cache")
			req.Header.Set("Pragma", "no-cache")
			req.Header.Set("X-Requested-With", "XMLHttpRequest")

			if timeout <= 0 {
				return next.RoundTrip(req)
			}
			ctx, cancel := context.WithTimeout(req.Context(), timeout)
			resp, err := next.RoundTrip(req.WithContext(ctx))
			if err != nil {
				cancel()
				return nil, err
			}
			resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		})
	}
}

// HTTPClient returns an http.Client whose transport is wrapped by mw.
func HTTPClient(mw func(http.RoundTripper) http.RoundTripper) *http.Client {
	if mw == nil {
		return &http.Client{}
	}
	return &http.Client{Transport: mw(http.DefaultTransport)}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// StatusError is a non-2xx answer from the REST API. Code, Message and
// Details come from the PostgREST error body and are empty for HEAD
// requests, which carry none.
type StatusError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *StatusError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "backend answered %d %s", e.Status, http.StatusText(e.Status))
	if e.Code != "" {
		fmt.Fprintf(&b, ": (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	if e.Details != "" {
		b.WriteString(": ")
		b.WriteString(e.Details)
	}
	return b.String()
}

// Is matches the error kind implied by the status alone.
func (e *StatusError) Is(target error) bool {
	kind := statusKind(e.Status)
	return kind != nil && target == kind
}

// statusKind maps statuses that identify a failure on their own. Anything
// else is classified by the body.
func statusKind(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrPermission
	case status == http.StatusNotFound:
		return ErrSchema
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return ErrNetwork
	}
	return nil
}

// maxErrorBody bounds how much of an error answer is read.
const maxErrorBody = 64 << 10

// statusErrors turns every answer of 400 and above into a *StatusError, so
// callers keep the HTTP status even when the REST client cannot parse the
// body.
func statusErrors(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		resp, err := next.RoundTrip(req)
		if err != nil || resp.StatusCode < http.StatusBadRequest {
			return resp, err
		}
		defer resp.Body.Close()
		se := &StatusError{Status: resp.StatusCode}
		if body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)); len(body) > 0 {
			_ = json.Unmarshal(body, se)
		}
		return nil, se
	})
}

// restTransport is the parent transport of the REST clients: mw, if any,
// wrapped so that error answers surface as *StatusError.
func restTransport(mw func(http.RoundTripper) http.RoundTripper) http.RoundTripper {
	if mw == nil {
		return statusErrors(http.DefaultTransport)
	}
	return statusErrors(mw(http.DefaultTransport))
}
