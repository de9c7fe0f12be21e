package supabase

import (
	"context"

	"github.com/luckydraw/supabase-link/config"
	"github.com/luckydraw/supabase-link/realtime"
)

// Operation is a table operation understood by Backend.Execute.
type Operation string

const (
	OpSelect Operation = "select"
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Order sorts a select.
type Order struct {
	Column    string
	Ascending bool
}

// Request describes one table operation.
type Request struct {
	Table   string
	Op      Operation
	Columns string
	// Filter holds equality filters, column -> value.
	Filter map[string]any
	Order  *Order
	Limit  int
	// Values is the insert or update payload.
	Values any
	Single bool
	// Head skips the response body; combine with Count.
	Head  bool
	Count string
	// Privileged routes the request through the service-role client when one
	// is configured.
	Privileged bool
	Upsert     bool
	OnConflict string
}

// Result is the raw outcome of a Request.
type Result struct {
	Data  []byte
	Count int64
}

// ChannelSpec describes a realtime subscription.
type ChannelSpec struct {
	Topic  string
	Schema string
	Table  string
	Event  string
}

// Channel is a live realtime subscription handle.
type Channel interface {
	Unsubscribe() error
}

// Backend is the capability the supervisor drives. *Client is the production
// implementation.
type Backend interface {
	Execute(ctx context.Context, req Request) (Result, error)
	Subscribe(ctx context.Context, spec ChannelSpec, onChange func(realtime.Change), onStatus func(realtime.Status, error)) (Channel, error)
	Close() error
}

// BackendFactory builds a fresh Backend for a validated config.
type BackendFactory func(cfg config.Config) (Backend, error)
