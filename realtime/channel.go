package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type channelState string

const (
	stateClosed  channelState = "closed"
	stateErrored channelState = "errored"
	stateJoined  channelState = "joined"
	stateJoining channelState = "joining"
	stateLeaving channelState = "leaving"
)

// ErrJoinTimeout is reported when the server does not acknowledge a join in
// time.
var ErrJoinTimeout = errors.New("realtime join timed out")

// Channel is one postgres_changes subscription on a Socket.
type Channel struct {
	socket   *Socket
	topic    string
	bindings []Binding

	mu        sync.Mutex
	state     channelState
	joinRef   string
	joinTimer *time.Timer
	onChange  func(Change)
	onStatus  func(Status, error)
}

// Topic returns the full channel topic.
func (c *Channel) Topic() string {
	return c.topic
}

// Subscribe connects the socket if needed and sends the join. The outcome is
// reported asynchronously through onStatus; onChange receives row changes
// once the channel is joined.
func (c *Channel) Subscribe(ctx context.Context, onChange func(Change), onStatus func(Status, error)) error {
	if err := c.socket.Connect(ctx); err != nil {
		return err
	}

	var payload joinPayload
	payload.Config.PostgresChanges = c.bindings
	payload.AccessToken = c.socket.accessToken
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == stateJoining || c.state == stateJoined {
		c.mu.Unlock()
		return fmt.Errorf("channel %s already subscribed", c.topic)
	}
	ref := c.socket.nextRef()
	c.state = stateJoining
	c.joinRef = ref
	c.onChange = onChange
	c.onStatus = onStatus
	c.joinTimer = time.AfterFunc(c.socket.opts.Timeout, func() { c.joinTimedOut(ref) })
	c.mu.Unlock()

	c.socket.register(c)
	if err := c.socket.push(message{Topic: c.topic, Event: eventJoin, Payload: raw, Ref: ref, JoinRef: ref}); err != nil {
		c.socket.unregister(c)
		c.mu.Lock()
		c.stopTimerLocked()
		c.state = stateErrored
		c.mu.Unlock()
		return fmt.Errorf("realtime join: %w", err)
	}
	return nil
}

// Unsubscribe leaves the channel. It is safe to call more than once.
func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	prev := c.state
	c.stopTimerLocked()
	if prev == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateLeaving
	c.mu.Unlock()

	var err error
	if prev == stateJoined || prev == stateJoining {
		err = c.socket.push(message{Topic: c.topic, Event: eventLeave, Payload: json.RawMessage("{}"), Ref: c.socket.nextRef()})
		if errors.Is(err, ErrSocketClosed) {
			err = nil
		}
	}
	c.socket.unregister(c)
	c.markClosed()
	return err
}

func (c *Channel) joinTimedOut(ref string) {
	c.mu.Lock()
	if c.state != stateJoining || c.joinRef != ref {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.fail(StatusTimedOut, ErrJoinTimeout)
}

func (c *Channel) stopTimerLocked() {
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
}

// fail moves the channel to errored and reports status once.
func (c *Channel) fail(status Status, err error) {
	c.mu.Lock()
	if c.state == stateClosed || c.state == stateErrored || c.state == stateLeaving {
		c.mu.Unlock()
		return
	}
	c.stopTimerLocked()
	c.state = stateErrored
	cb := c.onStatus
	c.mu.Unlock()

	if cb != nil {
		cb(status, err)
	}
}

func (c *Channel) markClosed() {
	c.mu.Lock()
	c.stopTimerLocked()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateClosed
	cb := c.onStatus
	c.mu.Unlock()

	if cb != nil {
		cb(StatusClosed, nil)
	}
}

func (c *Channel) handle(msg message) {
	switch msg.Event {
	case eventReply:
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			c.socket.logger.Warn("bad reply payload", zap.String("topic", c.topic), zap.Error(err))
			return
		}
		c.mu.Lock()
		if c.state != stateJoining || msg.Ref != c.joinRef {
			c.mu.Unlock()
			return
		}
		if reply.Status != "ok" {
			c.mu.Unlock()
			c.fail(StatusChannelError, fmt.Errorf("join rejected: %s", replyReason(reply.Response)))
			return
		}
		c.stopTimerLocked()
		c.state = stateJoined
		cb := c.onStatus
		c.mu.Unlock()
		if cb != nil {
			cb(StatusSubscribed, nil)
		}

	case eventSystem:
		var sys systemPayload
		if err := json.Unmarshal(msg.Payload, &sys); err == nil && sys.Status == "error" {
			c.fail(StatusChannelError, fmt.Errorf("%s: %s", sys.Extension, sys.Message))
		}

	case eventError:
		c.fail(StatusChannelError, fmt.Errorf("channel %s errored", c.topic))

	case eventClose:
		c.socket.unregister(c)
		c.markClosed()

	case eventChanges:
		var p changesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.socket.logger.Warn("bad postgres_changes payload", zap.String("topic", c.topic), zap.Error(err))
			return
		}
		c.mu.Lock()
		joined := c.state == stateJoined
		cb := c.onChange
		c.mu.Unlock()
		if joined && cb != nil {
			cb(p.Data)
		}
	}
}
