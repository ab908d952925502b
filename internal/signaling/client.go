package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imisumi/webrtc-chat/internal/metrics"
)

const (
	wsWriteWait = 1 * time.Second

	// MaxMessageBytes bounds inbound signaling frames. SDP with a full set of
	// candidates stays well below this.
	MaxMessageBytes = 64 * 1024
)

var (
	ErrSendQueueFull = errors.New("signaling: send queue full")
	ErrClientClosed  = errors.New("signaling: client stopped")
)

// Receiver consumes raw inbound signaling frames. It must not block.
type Receiver interface {
	HandleSignalText(data []byte)
}

type ClientConfig struct {
	URL     string
	LocalID string

	Receiver Receiver
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Dialer   *websocket.Dialer

	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration
	SendQueueLimit int

	// OnConnect, if set, runs after each successful join.
	OnConnect func()
}

// Client keeps a websocket to the relay open, announcing LocalID on every
// (re)connect. Outbound messages are queued and written by a single writer;
// Send never waits on the network.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	out       chan Message
	connected atomic.Bool
	stopped   atomic.Bool
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("signaling: url is required")
	}
	if cfg.LocalID == "" {
		return nil, fmt.Errorf("signaling: local id is required")
	}
	if cfg.Receiver == nil {
		return nil, fmt.Errorf("signaling: receiver is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = cfg.MinBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.SendQueueLimit <= 0 {
		cfg.SendQueueLimit = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg: cfg,
		log: logger.With("component", "signaling", "url", cfg.URL),
		out: make(chan Message, cfg.SendQueueLimit),
	}, nil
}

// Connected reports whether the client currently holds a joined connection.
func (c *Client) Connected() bool { return c.connected.Load() }

// Send queues msg for delivery. Messages queued while disconnected are sent
// after the next successful join.
func (c *Client) Send(msg Message) error {
	if c.stopped.Load() {
		return ErrClientClosed
	}
	select {
	case c.out <- msg:
		return nil
	default:
		c.cfg.Metrics.Inc(metrics.SignalingSendDropped)
		c.log.Warn("dropping outbound signaling message", "type", msg.Type, "to", msg.To)
		return ErrSendQueueFull
	}
}

// Run connects and reconnects with capped exponential backoff until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	defer c.stopped.Store(true)

	backoff := c.cfg.MinBackoff
	for {
		joined, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if joined {
			backoff = c.cfg.MinBackoff
		}
		c.cfg.Metrics.Inc(metrics.SignalingReconnects)
		c.log.Warn("signaling connection lost", "err", err, "retry_in", backoff)

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}
}

func (c *Client) session(ctx context.Context) (joined bool, err error) {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(MaxMessageBytes)
	pongWait := 2 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := c.write(conn, NewJoin(c.cfg.LocalID)); err != nil {
		return false, fmt.Errorf("join: %w", err)
	}
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.log.Info("connected to relay", "id", c.cfg.LocalID)
	if c.cfg.OnConnect != nil {
		c.cfg.OnConnect()
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readLoop(conn)
	}()

	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			writeClose(conn, websocket.CloseNormalClosure, "client shutting down")
			_ = conn.Close()
			<-readErr
			return true, ctx.Err()
		case err := <-readErr:
			return true, err
		case msg := <-c.out:
			if err := c.write(conn, msg); err != nil {
				_ = conn.Close()
				<-readErr
				return true, fmt.Errorf("write %s: %w", msg.Type, err)
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				_ = conn.Close()
				<-readErr
				return true, fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				return fmt.Errorf("relay stopped answering pings: %w", err)
			}
			return err
		}
		if msgType != websocket.TextMessage {
			c.log.Debug("ignoring non-text frame", "type", msgType)
			continue
		}
		c.cfg.Receiver.HandleSignalText(data)
	}
}

// write is only called from the session goroutine, so writes never overlap.
func (c *Client) write(conn *websocket.Conn, msg Message) error {
	b, err := msg.Encode()
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
