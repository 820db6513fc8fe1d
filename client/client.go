package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"

	"pkt.systems/pslog"
	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/correlation"
	"pkt.systems/syncd/internal/loggingutil"
	"pkt.systems/syncd/internal/version"
)

const (
	// DefaultDialTimeout bounds the websocket handshake when WithDialTimeout
	// is not supplied.
	DefaultDialTimeout = 10 * time.Second
	// DefaultEventBuffer is the Events channel capacity when WithEventBuffer
	// is not supplied.
	DefaultEventBuffer = 256

	defaultWriteTimeout = 10 * time.Second
)

const syncRoute = "/v1/sync"

// ResponseError describes a non-OK response from syncd.
type ResponseError struct {
	// Code is the server's response code.
	Code api.Code
	// Detail carries the human-readable reason, when provided.
	Detail string
}

func (e *ResponseError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("syncd: %s (%s)", e.Code, e.Detail)
	}
	return fmt.Sprintf("syncd: %s", e.Code)
}

// Client is one sync session against a syncd server. All methods are safe
// for concurrent use; responses are matched to requests by frame ID.
type Client struct {
	logger      pslog.Base
	creator     string
	defaultACL  string
	dialTimeout time.Duration
	eventBuffer int

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *api.ServerFrame

	events chan *api.Node

	done     chan struct{}
	downOnce sync.Once
	errMu    sync.Mutex
	connErr  error
}

// Option customizes a Client before it dials.
type Option func(*Client)

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Base) Option {
	return func(c *Client) {
		if logger == nil {
			c.logger = pslog.NoopLogger()
			return
		}
		if full, ok := logger.(pslog.Logger); ok {
			c.logger = loggingutil.WithSubsystem(full, "client.sdk")
			return
		}
		c.logger = logger
	}
}

// WithCreator sets the identity stamped on nodes this session writes.
// Empty lets the server assign the generated session ID.
func WithCreator(creator string) Option {
	return func(c *Client) { c.creator = creator }
}

// WithDefaultACL sets the access tag applied to creations that omit one.
func WithDefaultACL(acl string) Option {
	return func(c *Client) { c.defaultACL = acl }
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithEventBuffer sizes the Events channel. Data events are dropped for
// this session once the buffer is full and nobody is draining it.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.eventBuffer = n
		}
	}
}

// New dials baseURL's sync endpoint and starts the session. Accepted
// schemes are http, https, ws, and wss; a bare host:port dials plaintext.
func New(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{
		logger:      pslog.NoopLogger(),
		dialTimeout: DefaultDialTimeout,
		eventBuffer: DefaultEventBuffer,
		pending:     make(map[string]chan *api.ServerFrame),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = make(chan *api.Node, c.eventBuffer)

	target, err := syncURL(baseURL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	if c.creator != "" {
		header.Set("X-Syncd-Creator", c.creator)
	}
	if c.defaultACL != "" {
		header.Set("X-Syncd-Acl", c.defaultACL)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, resp, err := dialer.Dial(target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("syncd: dial %s: %w", target, err)
	}
	c.conn = conn

	go c.readLoop()
	c.logger.Debug("client.session.open", "url", target)
	return c, nil
}

// Events returns the stream of Data events for this session's
// subscriptions. The channel closes when the session ends.
func (c *Client) Events() <-chan *api.Node {
	return c.events
}

// Close tears down the session. Pending requests fail, and the Events
// channel closes once the reader drains.
func (c *Client) Close() error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.teardown(errClientClosed)
	return nil
}

var errClientClosed = fmt.Errorf("syncd: client closed")

func (c *Client) teardown(err error) {
	c.downOnce.Do(func() {
		c.errMu.Lock()
		c.connErr = err
		c.errMu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) sessionError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.connErr != nil {
		return c.connErr
	}
	return errClientClosed
}

// readLoop owns the connection's read side: it routes responses to their
// waiting requests and data events to the Events channel.
func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var frame api.ServerFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("client.session.read_failed", "error", err)
			}
			c.teardown(fmt.Errorf("syncd: session ended: %w", err))
			return
		}
		switch frame.Kind {
		case api.KindResponse:
			c.routeResponse(&frame)
		case api.KindData:
			if frame.Node == nil {
				continue
			}
			select {
			case c.events <- frame.Node:
			default:
				c.logger.Warn("client.event.dropped",
					"path", strings.Join(frame.Node.Path, "/"),
					"vts", frame.Node.VTS,
				)
			}
		default:
			c.logger.Warn("client.frame.unknown_kind", "kind", frame.Kind)
		}
	}
}

func (c *Client) routeResponse(frame *api.ServerFrame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.logger.Warn("client.response.unmatched", "frame_id", frame.ID)
		return
	}
	ch <- frame
}

func syncURL(baseURL string) (string, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return "", fmt.Errorf("syncd: baseURL required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "ws://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("syncd: parse %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("syncd: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("syncd: missing host in %q", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + syncRoute
	u.RawQuery = ""
	return u.String(), nil
}

// request sends one frame and waits for its response.
func (c *Client) request(ctx context.Context, frame *api.ClientFrame) (*api.ServerFrame, error) {
	if frame.ID == "" {
		frame.ID = xid.New().String()
	}
	if frame.CorrelationID == "" {
		if id := correlation.ID(ctx); id != "" {
			frame.CorrelationID = id
		} else {
			frame.CorrelationID = correlation.Generate()
		}
	}
	ch := make(chan *api.ServerFrame, 1)
	c.pendingMu.Lock()
	c.pending[frame.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, frame.ID)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	err := c.conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("syncd: write %s frame: %w", frame.Op, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.sessionError()
	}
}

func responseError(frame *api.ServerFrame) error {
	if frame.Code == api.CodeOK {
		return nil
	}
	return &ResponseError{Code: frame.Code, Detail: frame.Error}
}
