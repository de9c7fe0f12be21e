package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cast"
	"github.com/supabase-community/auth-go"
	"github.com/supabase-community/functions-go"
	postgrest "github.com/supabase-community/postgrest-go"
	storage_go "github.com/supabase-community/storage-go"
	"go.uber.org/zap"

	"github.com/luckydraw/supabase-link/config"
	"github.com/luckydraw/supabase-link/realtime"
)

const (
	REST_URL      = "/rest/v1"
	STORAGE_URL   = "/storage/v1"
	AUTH_URL      = "/auth/v1"
	FUNCTIONS_URL = "/functions/v1"
)

var _ Backend = (*Client)(nil)

// Client talks to one backend project. It implements Backend.
type Client struct {
	rest  *postgrest.Client
	admin *postgrest.Client
	// Storage and Functions are exposed for application code; the connection
	// layer itself never calls them.
	Storage   *storage_go.Client
	Auth      auth.Client
	Functions *functions.Client
	realtime  *realtime.Socket
	options   clientOptions
	logger    *zap.Logger

	closeOnce sync.Once
}

type clientOptions struct {
	url     string
	key     string
	headers map[string]string
	timeout time.Duration
}

// ClientOptions tunes client construction.
type ClientOptions struct {
	Headers map[string]string
	Schema  string
	// PrivilegedKey enables the service-role REST client.
	PrivilegedKey string
	// Middleware wraps the HTTP transport of the REST and auth clients. Use
	// DefaultMiddleware for no-cache headers and a per-request deadline.
	// The storage and functions clients keep their http.Client private, so
	// they only receive the headers Middleware sets, not its deadline.
	Middleware func(http.RoundTripper) http.RoundTripper
	// Timeout bounds every Execute call. Zero means no bound beyond ctx.
	// Without a Middleware it also becomes the REST request deadline.
	Timeout         time.Duration
	EventsPerSecond int
	// RealtimeHeartbeat is the websocket keepalive interval.
	RealtimeHeartbeat time.Duration
	Logger            *zap.Logger
}

// NewClient creates a new client.
// url is the project URL.
// key is the public API key.
// options may be nil.
func NewClient(url, key string, options *ClientOptions) (*Client, error) {
	if url == "" || key == "" {
		return nil, errors.New("url and key are required")
	}
	if options == nil {
		options = &ClientOptions{}
	}
	url = strings.TrimRight(url, "/")

	mw := options.Middleware
	if mw == nil && options.Timeout > 0 {
		mw = DefaultMiddleware(options.Timeout)
	}

	headers := map[string]string{
		"Authorization": "Bearer " + key,
		"apikey":        key,
	}
	for k, v := range options.Headers {
		headers[k] = v
	}
	for k, v := range middlewareHeaders(mw) {
		if _, ok := headers[k]; !ok {
			headers[k] = v
		}
	}

	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &Client{logger: logger}
	client.options.url = url
	client.options.key = key
	client.options.headers = headers
	client.options.timeout = options.Timeout

	schema := options.Schema
	if schema == "" {
		schema = config.DefaultSchema
	}

	transport := restTransport(mw)
	client.rest = postgrest.NewClient(url+REST_URL, schema, headers)
	client.rest.Transport.Parent = transport
	if options.PrivilegedKey != "" {
		client.admin = newAdminREST(url, schema, options.PrivilegedKey, options.Headers, transport)
	}
	client.Storage = storage_go.NewClient(url+STORAGE_URL, key, headers)
	// ugly to make auth client use custom URL
	tmp := auth.New(url, key)
	client.Auth = tmp.WithCustomAuthURL(url + AUTH_URL)
	if mw != nil {
		client.Auth = client.Auth.WithClient(http.Client{Transport: mw(http.DefaultTransport)})
	}
	client.Functions = functions.NewClient(url+FUNCTIONS_URL, key, headers)

	params := map[string]string{}
	if options.EventsPerSecond > 0 {
		params["eventsPerSecond"] = cast.ToString(options.EventsPerSecond)
	}
	endpoint, err := realtime.EndpointURL(url, key, params)
	if err != nil {
		return nil, err
	}
	wsHeader := http.Header{}
	for k, v := range headers {
		wsHeader.Set(k, v)
	}
	client.realtime = realtime.NewSocket(endpoint, key, realtime.Options{
		Header:            wsHeader,
		HeartbeatInterval: options.RealtimeHeartbeat,
		Timeout:           options.Timeout,
		Logger:            logger,
	})

	return client, nil
}

// NewClientFromConfig builds a client with the headers and limits the
// connection layer expects.
func NewClientFromConfig(cfg config.Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.WithDefaults()
	return NewClient(cfg.EndpointURL, cfg.PublicKey, &ClientOptions{
		Headers: map[string]string{
			"X-Client-Info": cfg.ClientInfo,
			"Cache-Control": "no-cache",
			"Pragma":        "no-cache",
		},
		Schema:            cfg.Schema,
		PrivilegedKey:     cfg.PrivilegedKey,
		Middleware:        DefaultMiddleware(cfg.RequestTimeout.Duration()),
		Timeout:           cfg.RequestTimeout.Duration(),
		EventsPerSecond:   cfg.EventsPerSecond,
		RealtimeHeartbeat: cfg.HeartbeatInterval.Duration(),
		Logger:            logger,
	})
}

// ConfigFactory adapts NewClientFromConfig to a BackendFactory.
func ConfigFactory(logger *zap.Logger) BackendFactory {
	return func(cfg config.Config) (Backend, error) {
		return NewClientFromConfig(cfg, logger)
	}
}

// From returns a QueryBuilder for the specified table.
func (c *Client) From(table string) *postgrest.QueryBuilder {
	return c.rest.From(table)
}

// Rpc returns a string for the specified function.
func (c *Client) Rpc(name, count string, rpcBody interface{}) string {
	return c.rest.Rpc(name, count, rpcBody)
}

// UpdateAuthToken switches the REST and auth clients to a user session token.
func (c *Client) UpdateAuthToken(accessToken string) {
	c.Auth = c.Auth.WithToken(accessToken)
	c.rest.SetAuthToken(accessToken)
	c.options.headers["Authorization"] = "Bearer " + accessToken
}

type executeResult struct {
	data  []byte
	count int64
	err   error
}

// Execute runs req and returns the raw JSON body and the count, if one was
// requested. The call returns when ctx is done or the client timeout
// elapses; the request itself is cancelled by the transport deadline.
func (c *Client) Execute(ctx context.Context, req Request) (Result, error) {
	fb, err := c.build(req)
	if err != nil {
		return Result{}, err
	}

	if c.options.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.options.timeout)
		defer cancel()
	}

	done := make(chan executeResult, 1)
	go func() {
		data, count, err := fb.Execute()
		done <- executeResult{data: data, count: count, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				r.err = fmt.Errorf("%s %s: %w", req.Op, req.Table, ctx.Err())
			}
			c.logger.Debug("backend request failed",
				zap.String("table", req.Table),
				zap.String("op", string(req.Op)),
				zap.Error(r.err),
			)
			return Result{}, r.err
		}
		return Result{Data: r.data, Count: r.count}, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%s %s: %w", req.Op, req.Table, ctx.Err())
	}
}

func (c *Client) build(req Request) (*postgrest.FilterBuilder, error) {
	if req.Table == "" {
		return nil, errors.New("table is required")
	}
	rest := c.rest
	if req.Privileged && c.admin != nil {
		rest = c.admin
	}
	qb := rest.From(req.Table)

	var fb *postgrest.FilterBuilder
	switch req.Op {
	case OpSelect, "":
		columns := req.Columns
		if columns == "" {
			columns = "*"
		}
		fb = qb.Select(columns, req.Count, req.Head)
	case OpInsert:
		fb = qb.Insert(req.Values, req.Upsert, req.OnConflict, "representation", req.Count)
	case OpUpdate:
		fb = qb.Update(req.Values, "representation", req.Count)
	case OpDelete:
		fb = qb.Delete("representation", req.Count)
	default:
		return nil, fmt.Errorf("unsupported operation %q", req.Op)
	}

	for column, value := range req.Filter {
		fb = fb.Eq(column, cast.ToString(value))
	}
	if req.Order != nil {
		fb = fb.Order(req.Order.Column, &postgrest.OrderOpts{Ascending: req.Order.Ascending})
	}
	if req.Limit > 0 {
		fb = fb.Limit(req.Limit, "")
	}
	if req.Single {
		fb = fb.Single()
	}
	return fb, nil
}

// middlewareHeaders returns the headers mw sets on an outgoing request, for
// clients whose transport cannot be wrapped.
func middlewareHeaders(mw func(http.RoundTripper) http.RoundTripper) map[string]string {
	if mw == nil {
		return nil
	}
	var seen http.Header
	rt := mw(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
		seen = req.Header.Clone()
		return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody, Request: req}, nil
	}))
	req, err := http.NewRequest(http.MethodGet, "http://localhost/", nil)
	if err != nil {
		return nil
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		return nil
	}
	_ = resp.Body.Close()
	out := make(map[string]string, len(seen))
	for k := range seen {
		out[k] = seen.Get(k)
	}
	return out
}

// Subscribe opens a postgres_changes channel on the shared realtime socket.
func (c *Client) Subscribe(ctx context.Context, spec ChannelSpec, onChange func(realtime.Change), onStatus func(realtime.Status, error)) (Channel, error) {
	schema := spec.Schema
	if schema == "" {
		schema = config.DefaultSchema
	}
	event := spec.Event
	if event == "" {
		event = realtime.EventAll
	}
	ch := c.realtime.Channel(spec.Topic, realtime.Binding{Event: event, Schema: schema, Table: spec.Table})
	if err := ch.Subscribe(ctx, onChange, onStatus); err != nil {
		return nil, err
	}
	return ch, nil
}

// Close shuts the realtime socket. REST calls need no teardown.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.realtime.Close()
	})
	return err
}
