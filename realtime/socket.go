package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultTimeout           = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

// ErrSocketClosed is reported to channels when the connection drops.
var ErrSocketClosed = errors.New("realtime socket closed")

// Options configures a Socket.
type Options struct {
	// Header is sent with the websocket handshake.
	Header http.Header
	// Dialer defaults to websocket.DefaultDialer.
	Dialer            *websocket.Dialer
	HeartbeatInterval time.Duration
	// Timeout bounds the handshake and each channel join.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Socket multiplexes channels over one websocket connection. It does not
// reconnect by itself: a dropped connection fails every channel and the
// owner decides when to build a new socket.
type Socket struct {
	endpoint    string
	accessToken string
	opts        Options
	logger      *zap.Logger

	ref atomic.Uint64

	mu        sync.Mutex
	conn      *websocket.Conn
	channels  map[string]*Channel
	closing   bool
	done      chan struct{}
	pendingHB string

	writeMu sync.Mutex
}

// NewSocket creates an unconnected socket. endpoint is a ws(s) URL as built by
// EndpointURL.
func NewSocket(endpoint, accessToken string, opts Options) *Socket {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Socket{
		endpoint:    endpoint,
		accessToken: accessToken,
		opts:        opts,
		logger:      logger.Named("realtime"),
		channels:    make(map[string]*Channel),
	}
}

// IsConnected reports whether the websocket is currently open.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connect dials the websocket if it is not already open.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	if s.closing {
		return ErrSocketClosed
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.endpoint, s.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("realtime dial: %w", err)
	}

	s.conn = conn
	s.done = make(chan struct{})
	s.pendingHB = ""
	go s.readLoop(conn, s.done)
	go s.heartbeatLoop(conn, s.done)
	s.logger.Debug("realtime socket connected")
	return nil
}

// Channel creates a channel bound to topic. The channel is not joined until
// Subscribe is called.
func (s *Socket) Channel(topic string, bindings ...Binding) *Channel {
	return &Channel{
		socket:   s,
		topic:    topicPrefix + topic,
		bindings: bindings,
		state:    stateClosed,
	}
}

// Close leaves the connection without failing channels.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conn := s.conn
	s.conn = nil
	channels := s.channels
	s.channels = make(map[string]*Channel)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.markClosed()
	}
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return conn.Close()
}

func (s *Socket) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *Socket) register(ch *Channel) {
	s.mu.Lock()
	s.channels[ch.topic] = ch
	s.mu.Unlock()
}

func (s *Socket) unregister(ch *Channel) {
	s.mu.Lock()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
	s.mu.Unlock()
}

func (s *Socket) push(msg message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrSocketClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.Timeout))
	return conn.WriteJSON(msg)
}

func (s *Socket) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			s.drop(conn, err)
			return
		}
		s.dispatch(msg)
	}
}

func (s *Socket) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			missed := s.pendingHB != ""
			ref := s.nextRef()
			s.pendingHB = ref
			s.mu.Unlock()

			if missed {
				s.logger.Warn("realtime heartbeat not acknowledged, closing connection")
				_ = conn.Close()
				return
			}
			if err := s.push(message{Topic: phoenixTopic, Event: eventHeartbeat, Payload: json.RawMessage("{}"), Ref: ref}); err != nil {
				s.logger.Warn("realtime heartbeat failed", zap.Error(err))
			}
		}
	}
}

// drop is called by the read loop when the connection ends.
func (s *Socket) drop(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	closing := s.closing
	channels := s.channels
	s.channels = make(map[string]*Channel)
	s.mu.Unlock()

	_ = conn.Close()
	if closing {
		return
	}
	s.logger.Warn("realtime connection lost", zap.Error(err))
	for _, ch := range channels {
		ch.fail(StatusChannelError, fmt.Errorf("%w: %v", ErrSocketClosed, err))
	}
}

func (s *Socket) dispatch(msg message) {
	if msg.Topic == phoenixTopic {
		if msg.Event == eventReply {
			s.mu.Lock()
			if s.pendingHB == msg.Ref {
				s.pendingHB = ""
			}
			s.mu.Unlock()
		}
		return
	}

	s.mu.Lock()
	ch := s.channels[msg.Topic]
	s.mu.Unlock()
	if ch == nil {
		s.logger.Debug("message for unknown topic", zap.String("topic", msg.Topic), zap.String("event", msg.Event))
		return
	}
	ch.handle(msg)
}
