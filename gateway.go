package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Row is one decoded table row.
type Row map[string]any

// Params are the optional parts of a gateway query.
type Params struct {
	Columns string
	// Filter holds equality filters, column -> value.
	Filter map[string]any
	Order  *Order
	Limit  int
	// Values is the insert or update payload. Maps, structs and slices of
	// either have their join date normalized; structs are sent as their JSON
	// object.
	Values any
	Single bool
	Count  string
	// Privileged runs the query with the service-role key when configured.
	Privileged bool
}

const (
	DefaultQueryRetryAttempts = 3
	DefaultQueryRetryDelay    = time.Second
)

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	// RetryAttempts bounds QueryWithRetry. Default 3.
	RetryAttempts int
	// RetryDelay is multiplied by the attempt number between retries.
	// Default 1s.
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Gateway runs table operations through the supervisor's current backend,
// classifying failures and feeding transient ones back into the reconnect
// machinery.
type Gateway struct {
	sup    *Supervisor
	opts   GatewayOptions
	logger *zap.Logger
}

// NewGateway returns a gateway bound to sup.
func NewGateway(sup *Supervisor, opts GatewayOptions) *Gateway {
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = DefaultQueryRetryAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultQueryRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{sup: sup, opts: opts, logger: logger.Named("gateway")}
}

// Query runs op on table. When the supervisor is not connected it makes one
// connection attempt first and fails with ErrNotConnected if that does not
// succeed.
func (g *Gateway) Query(ctx context.Context, table string, op Operation, p Params) ([]Row, error) {
	res, err := g.execute(ctx, table, op, p, false)
	if err != nil {
		return nil, err
	}
	return decodeRows(table, op, res.Data)
}

// Select returns the rows of table matching p.
func (g *Gateway) Select(ctx context.Context, table string, p Params) ([]Row, error) {
	return g.Query(ctx, table, OpSelect, p)
}

// SelectOne returns exactly one row. Zero rows is reported as ErrNotFound.
func (g *Gateway) SelectOne(ctx context.Context, table string, p Params) (Row, error) {
	p.Single = true
	rows, err := g.Query(ctx, table, OpSelect, p)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &QueryError{Kind: ErrNotFound, Table: table, Op: string(OpSelect)}
	}
	return rows[0], nil
}

// Insert writes values into table and returns the stored rows.
func (g *Gateway) Insert(ctx context.Context, table string, values any) ([]Row, error) {
	return g.Query(ctx, table, OpInsert, Params{Values: values})
}

// Update applies values to the rows matching filter.
func (g *Gateway) Update(ctx context.Context, table string, values any, filter map[string]any) ([]Row, error) {
	return g.Query(ctx, table, OpUpdate, Params{Values: values, Filter: filter})
}

// Delete removes the rows matching filter.
func (g *Gateway) Delete(ctx context.Context, table string, filter map[string]any) ([]Row, error) {
	return g.Query(ctx, table, OpDelete, Params{Filter: filter})
}

// Count returns the exact number of rows matching filter without fetching
// them.
func (g *Gateway) Count(ctx context.Context, table string, filter map[string]any) (int64, error) {
	res, err := g.execute(ctx, table, OpSelect, Params{Filter: filter, Count: "exact"}, true)
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}

// QueryWithRetry runs Query up to RetryAttempts times, sleeping
// RetryDelay*attempt between tries. Permission, schema, not-found and config
// failures are returned at once. The last error is returned when every
// attempt fails.
func (g *Gateway) QueryWithRetry(ctx context.Context, table string, op Operation, p Params) ([]Row, error) {
	var lastErr error
	for attempt := 1; attempt <= g.opts.RetryAttempts; attempt++ {
		rows, err := g.Query(ctx, table, op, p)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		if attempt == g.opts.RetryAttempts {
			break
		}
		delay := g.opts.RetryDelay * time.Duration(attempt)
		g.logger.Info("retrying query",
			zap.String("table", table),
			zap.String("op", string(op)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := sleep(ctx, g.sup.clock, delay); err != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

// InsertIfAbsent inserts record unless a row with the same value in column
// already exists. It reports whether a row was written. Used to reconcile
// records captured while offline.
func (g *Gateway) InsertIfAbsent(ctx context.Context, table, column string, record Row) (bool, error) {
	value, ok := record[column]
	if !ok || value == nil {
		return false, fmt.Errorf("record has no value for %q", column)
	}
	existing, err := g.Query(ctx, table, OpSelect, Params{
		Columns: column,
		Filter:  map[string]any{column: value},
		Limit:   1,
	})
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		g.logger.Debug("record already present", zap.String("table", table), zap.String("column", column))
		return false, nil
	}
	if _, err := g.Insert(ctx, table, record); err != nil {
		return false, err
	}
	return true, nil
}

func (g *Gateway) execute(ctx context.Context, table string, op Operation, p Params, head bool) (Result, error) {
	backend, err := g.connectedBackend(ctx, table, op)
	if err != nil {
		return Result{}, err
	}

	cfg := g.sup.cfg
	req := Request{
		Table:      cfg.Table(table),
		Op:         op,
		Columns:    p.Columns,
		Filter:     p.Filter,
		Order:      p.Order,
		Limit:      p.Limit,
		Single:     p.Single,
		Head:       head,
		Count:      p.Count,
		Privileged: p.Privileged,
	}
	if op == OpInsert || op == OpUpdate {
		req.Values = normalizeValues(p.Values)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout.Duration())
	defer cancel()

	res, err := backend.Execute(ctx, req)
	if err == nil {
		return res, nil
	}

	qerr := classifyQuery(table, string(op), err)
	if errors.Is(qerr, ErrNotFound) {
		return Result{}, qerr
	}
	g.logger.Warn("query failed", zap.String("table", table), zap.String("op", string(op)), zap.Error(qerr))
	g.sup.notifyError(qerr)
	if IsTransient(qerr) && !errors.Is(err, context.Canceled) {
		g.sup.HandleConnectionLoss(qerr)
	}
	return Result{}, qerr
}

// connectedBackend returns the live backend, making a single connection
// attempt when the supervisor is not connected.
func (g *Gateway) connectedBackend(ctx context.Context, table string, op Operation) (Backend, error) {
	backend, state := g.sup.Backend()
	if state == StateConnected && backend != nil {
		return backend, nil
	}

	g.logger.Info("not connected, connecting before query",
		zap.String("table", table),
		zap.String("state", state.String()),
	)
	initErr := g.sup.Initialize(ctx)

	backend, state = g.sup.Backend()
	if state == StateConnected && backend != nil {
		return backend, nil
	}
	return nil, &QueryError{Kind: ErrNotConnected, Table: table, Op: string(op), Err: initErr}
}

func retryable(err error) bool {
	for _, kind := range []error{ErrPermission, ErrSchema, ErrNotFound, ErrConfigInvalid} {
		if errors.Is(err, kind) {
			return false
		}
	}
	return true
}

func decodeRows(table string, op Operation, data []byte) ([]Row, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] == '{' {
		var row Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, &QueryError{Kind: ErrQueryFailed, Table: table, Op: string(op), Err: fmt.Errorf("decode response: %w", err)}
		}
		return []Row{row}, nil
	}
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &QueryError{Kind: ErrQueryFailed, Table: table, Op: string(op), Err: fmt.Errorf("decode response: %w", err)}
	}
	return rows, nil
}
