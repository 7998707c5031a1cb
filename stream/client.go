// Package stream keeps one live subscription to the backend's driver position
// broadcast and turns each message into a models.PositionDelta.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleet-monitor/config"
	"fleet-monitor/models"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

var ErrAlreadyStarted = errors.New("stream: already started")

// ConnectionError is a transport or protocol failure. It ends the session and
// triggers a reconnect; it is never returned to the caller of Start.
type ConnectionError struct {
	Op    string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream %s: %v", e.Op, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }

// Client owns at most one websocket session at a time. Callbacks registered
// with OnDelta and OnStateChange run on the client's goroutine and must be
// set before Start.
type Client struct {
	cfg    config.StreamConfig
	logger *zap.Logger
	dialer *websocket.Dialer

	onDelta func(models.PositionDelta)
	onState func(State)

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

func NewClient(cfg config.StreamConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.Named("stream"),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Subprotocols:     []string{"v12.stomp", "v11.stomp", "v10.stomp"},
		},
		now: time.Now,
	}
}

// OnDelta registers the consumer of decoded positions.
func (c *Client) OnDelta(fn func(models.PositionDelta)) { c.onDelta = fn }

// OnStateChange registers a callback for connection state transitions.
func (c *Client) OnStateChange(fn func(State)) { c.onState = fn }

func (c *Client) State() State { return State(c.state.Load()) }

// Start begins connecting in the background. The client keeps reconnecting
// until Stop is called or ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.setState(Connecting)
	go c.run(ctx, c.done)
	return nil
}

// Stop closes the session and waits for the client to settle in
// DISCONNECTED. No reconnect is attempted afterwards.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

func (c *Client) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old == s {
		return
	}
	c.logger.Info("stream state changed", zap.Stringer("state", s))
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	delay := c.cfg.ReconnectDelay
	for {
		c.setState(Connecting)
		connected, err := c.session(ctx)
		c.setState(Disconnected)
		if ctx.Err() != nil {
			return
		}
		if connected {
			delay = c.cfg.ReconnectDelay
		}
		c.logger.Warn("stream disconnected", zap.Error(err), zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = min(delay*2, max(c.cfg.MaxReconnectDelay, c.cfg.ReconnectDelay))
	}
}

// session runs one connection from dial to close. connected reports whether
// the STOMP handshake succeeded.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return false, &ConnectionError{Op: "dial", Cause: err}
	}
	defer conn.Close()

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-sessionDone:
		}
	}()

	reader := newFrameReader(conn)
	serverBeat, err := c.handshake(conn, reader)
	if err != nil {
		return false, err
	}
	c.setState(Connected)

	subID := uuid.NewString()
	sub := frame.New(frame.SUBSCRIBE,
		frame.Id, subID,
		frame.Destination, c.cfg.Topic,
		frame.Ack, "auto",
	)
	if err := writeFrame(conn, sub, c.cfg.HandshakeTimeout); err != nil {
		return true, &ConnectionError{Op: "subscribe", Cause: err}
	}
	c.logger.Info("subscribed", zap.String("topic", c.cfg.Topic), zap.String("subscription", subID))

	send, expect := negotiate(c.cfg.Heartbeat, serverBeat)
	if send > 0 {
		go c.heartbeats(conn, send, sessionDone)
	}
	readWindow := c.cfg.ReadTimeout
	if expect > 0 {
		readWindow = 2 * expect
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readWindow)); err != nil {
			return true, &ConnectionError{Op: "read", Cause: err}
		}
		f, err := reader.Read()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, &ConnectionError{Op: "read", Cause: err}
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.MESSAGE:
			c.handleMessage(f)
		case frame.ERROR:
			return true, &ConnectionError{Op: "server", Cause: frameError(f)}
		case frame.RECEIPT:
		default:
			c.logger.Debug("ignoring frame", zap.String("command", f.Command))
		}
	}
}

// handshake sends CONNECT and waits for CONNECTED, returning the server's
// heart-beat header.
func (c *Client) handshake(conn *websocket.Conn, reader *frame.Reader) (string, error) {
	host := c.cfg.Host
	if host == "" {
		if u, err := url.Parse(c.cfg.URL); err == nil {
			host = u.Hostname()
		}
	}
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1,1.0",
		frame.Host, host,
		frame.HeartBeat, heartbeatHeader(c.cfg.Heartbeat),
	)
	if c.cfg.Login != "" {
		connect.Header.Add(frame.Login, c.cfg.Login)
		connect.Header.Add(frame.Passcode, c.cfg.Passcode)
	}
	if err := writeFrame(conn, connect, c.cfg.HandshakeTimeout); err != nil {
		return "", &ConnectionError{Op: "connect", Cause: err}
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.HandshakeTimeout)); err != nil {
		return "", &ConnectionError{Op: "connect", Cause: err}
	}
	for {
		f, err := reader.Read()
		if err != nil {
			return "", &ConnectionError{Op: "connect", Cause: err}
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			return f.Header.Get(frame.HeartBeat), nil
		case frame.ERROR:
			return "", &ConnectionError{Op: "connect", Cause: frameError(f)}
		default:
			return "", &ConnectionError{Op: "connect", Cause: fmt.Errorf("unexpected %s frame", f.Command)}
		}
	}
}

func (c *Client) handleMessage(f *frame.Frame) {
	d, err := ParseDelta(string(f.Body), c.now())
	if err != nil {
		c.logger.Debug("dropping stream message", zap.Error(err))
		return
	}
	if c.onDelta != nil {
		c.onDelta(d)
	}
}

// heartbeats sends EOL frames until the session ends. It is the only writer
// once the subscription is in place.
func (c *Client) heartbeats(conn *websocket.Conn, every time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := writeFrame(conn, nil, every); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}
