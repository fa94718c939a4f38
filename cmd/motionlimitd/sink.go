package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SetpointSink receives limited outputs. The daemon loop is its only caller.
type SetpointSink interface {
	WriteSetpoints(setpoints []Setpoint) error
	Close() error
}

// errSinkRejected is returned when the sink answers with a non-Ok result.
var errSinkRejected = errors.New("sink rejected setpoints")

// errSinkDisconnected is returned while no connection is up. A redial may
// be in progress in the background.
var errSinkDisconnected = errors.New("sink disconnected")

// sinkHandshakeTimeout bounds one dial. Redials never run on the caller's
// goroutine, so this only limits how long a background dial can linger.
const sinkHandshakeTimeout = 2 * time.Second

// sinkPosition is one channel's entry in a SetPositions request.
type sinkPosition struct {
	Pos float64 `json:"pos"`
	Vel float64 `json:"vel"`
}

// SinkClient writes setpoints to a downstream servo endpoint over websocket.
//
// Request:  {"SetPositions": {"x": {"pos": 1.5, "vel": 0.2}}}
// Response: {"SetPositions": {"result": "Ok"}}
//
// A broken connection is dropped and redialed in the background, at most
// once per reconnectInterval. Writes made meanwhile fail fast with
// errSinkDisconnected, so the control loop never waits on a dial.
type SinkClient struct {
	mu          sync.Mutex
	conn        *websocket.Conn
	url         string
	logger      *slog.Logger
	readTimeout time.Duration

	reconnectInterval time.Duration
	lastDial          time.Time
	dialing           bool
	closed            bool
}

// NewSinkClient validates the URL and returns an unconnected client.
func NewSinkClient(wsURL string, logger *slog.Logger, readTimeoutMS int) (*SinkClient, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid websocket URL %q: scheme must be ws or wss", wsURL)
	}
	if readTimeoutMS <= 0 {
		readTimeoutMS = defaultSinkTimeoutMS
	}

	return &SinkClient{
		url:               wsURL,
		logger:            logger,
		readTimeout:       time.Duration(readTimeoutMS) * time.Millisecond,
		reconnectInterval: time.Second,
	}, nil
}

func (c *SinkClient) dial() (*websocket.Conn, error) {
	d := websocket.Dialer{
		HandshakeTimeout: sinkHandshakeTimeout,
	}
	conn, _, err := d.Dial(c.url, nil)
	return conn, err
}

// ConnectWithRetry attempts the initial connection a few times. It blocks
// and is meant for startup, before the control loop runs.
func (c *SinkClient) ConnectWithRetry(attempts int, delay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		conn, err := c.dial()
		if err == nil {
			c.mu.Lock()
			if c.conn != nil {
				c.conn.Close()
			}
			c.conn = conn
			c.lastDial = time.Now()
			c.mu.Unlock()
			c.logger.Info("connected to sink", "url", c.url)
			return nil
		}
		lastErr = err
		c.logger.Warn("sink connection failed; retrying...", "error", err, "attempt", attempt+1)
		time.Sleep(delay)
	}
	c.mu.Lock()
	c.lastDial = time.Now()
	c.mu.Unlock()
	return fmt.Errorf("failed to connect after %d attempts: %w", attempts, lastErr)
}

// Connected reports whether a connection is currently up.
func (c *SinkClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// ensureConnectedLocked starts a background redial when the connection is
// down and none is in flight, rate limited. It never dials itself.
// Caller holds c.mu.
func (c *SinkClient) ensureConnectedLocked() error {
	if c.conn != nil {
		return nil
	}
	if c.closed || c.dialing {
		return errSinkDisconnected
	}
	if !c.lastDial.IsZero() && time.Since(c.lastDial) < c.reconnectInterval {
		return errSinkDisconnected
	}
	c.dialing = true
	c.lastDial = time.Now()
	c.logger.Warn("sink connection down; reconnecting...", "url", c.url)
	go c.redial()
	return errSinkDisconnected
}

func (c *SinkClient) redial() {
	conn, err := c.dial()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dialing = false
	if err != nil {
		c.logger.Warn("sink reconnect failed", "error", err)
		return
	}
	if c.closed {
		conn.Close()
		return
	}
	c.conn = conn
	c.logger.Info("reconnected to sink", "url", c.url)
}

// sendAndRead sends a message and waits for a response
func (c *SinkClient) sendAndRead(v any) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnectedLocked(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.readTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, err
	}

	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	_, message, err := c.conn.ReadMessage()
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, err
	}
	return message, nil
}

// WriteSetpoints sends one SetPositions request and checks the reply.
func (c *SinkClient) WriteSetpoints(setpoints []Setpoint) error {
	positions := make(map[string]sinkPosition, len(setpoints))
	for _, sp := range setpoints {
		positions[sp.Channel] = sinkPosition{Pos: sp.Pos, Vel: sp.Vel}
	}
	cmd := map[string]any{"SetPositions": positions}

	response, err := c.sendAndRead(cmd)
	if err != nil {
		return fmt.Errorf("set positions: %w", err)
	}

	var resp struct {
		SetPositions struct {
			Result string `json:"result"`
		} `json:"SetPositions"`
	}
	if err := json.Unmarshal(response, &resp); err != nil {
		return fmt.Errorf("set positions: parse response: %w", err)
	}
	if resp.SetPositions.Result != "Ok" {
		return fmt.Errorf("set positions: %w: result=%q", errSinkRejected, resp.SetPositions.Result)
	}
	return nil
}

// Close closes the WebSocket connection
func (c *SinkClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	return nil
}
