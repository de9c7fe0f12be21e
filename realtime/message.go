// Package realtime is a minimal Phoenix-protocol client for the backend's
// realtime service. It only speaks postgres_changes channels.
package realtime

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventLeave     = "phx_leave"
	eventClose     = "phx_close"
	eventError     = "phx_error"
	eventHeartbeat = "heartbeat"
	eventSystem    = "system"
	eventChanges   = "postgres_changes"

	phoenixTopic = "phoenix"
	topicPrefix  = "realtime:"

	vsn = "1.0.0"
)

// Event filters accepted by a postgres_changes binding.
const (
	EventAll    = "*"
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// ValidEvent reports whether ev is a postgres_changes event filter.
func ValidEvent(ev string) bool {
	switch ev {
	case EventAll, EventInsert, EventUpdate, EventDelete:
		return true
	}
	return false
}

// Status is what a channel reports to its owner.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

// Binding selects the row changes a channel receives.
type Binding struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinPayload struct {
	Config struct {
		Broadcast struct {
			Ack  bool `json:"ack"`
			Self bool `json:"self"`
		} `json:"broadcast"`
		Presence struct {
			Key string `json:"key"`
		} `json:"presence"`
		PostgresChanges []Binding `json:"postgres_changes"`
		Private         bool      `json:"private"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type systemPayload struct {
	Status    string `json:"status"`
	Extension string `json:"extension"`
	Message   string `json:"message"`
}

// Change is one row change delivered on a channel.
type Change struct {
	Type            string         `json:"type"`
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
}

type changesPayload struct {
	IDs  []int64 `json:"ids"`
	Data Change  `json:"data"`
}

func replyReason(raw json.RawMessage) string {
	var r struct {
		Reason string `json:"reason"`
	}
	if len(raw) > 0 && json.Unmarshal(raw, &r) == nil && r.Reason != "" {
		return r.Reason
	}
	return string(raw)
}

// EndpointURL turns the project URL into the realtime websocket URL.
func EndpointURL(projectURL, apiKey string, params map[string]string) (string, error) {
	u, err := url.Parse(strings.TrimRight(projectURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid project url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path += "/realtime/v1/websocket"
	q := u.Query()
	q.Set("apikey", apiKey)
	q.Set("vsn", vsn)
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
