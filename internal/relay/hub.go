package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/imisumi/webrtc-chat/internal/config"
	"github.com/imisumi/webrtc-chat/internal/metrics"
	"github.com/imisumi/webrtc-chat/internal/signaling"
)

const (
	wsWriteWait = 1 * time.Second

	maxIdentityLength = 64
	anonymousPrefix   = "client_"
)

// Hub implements GET /ws. Each websocket is one chat client; identities are
// registered by a join message and released when the socket closes.
type Hub struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	upgrader websocket.Upgrader

	mu      sync.Mutex
	closed  bool
	conns   map[*client]struct{}
	clients map[string]*client
	// order holds joined identities in join order.
	order []string
	anon  uint64
}

func NewHub(cfg Config, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		cfg:     cfg.WithDefaults(),
		log:     logger.With("component", "relay"),
		metrics: m,
		conns:   make(map[*client]struct{}),
		clients: make(map[string]*client),
	}
	h.upgrader.CheckOrigin = h.checkOrigin
	return h
}

// checkOrigin admits requests without an Origin header (terminal clients) and
// browser origins present in the allow-list.
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	origin, ok := config.NormalizeOrigin(raw)
	if !ok {
		return false
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.log.Debug("rejected websocket origin", "origin", raw)
	return false
}

// Clients returns the online identities in join order.
func (h *Hub) Clients() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}

// Ready reports ErrHubClosed once Close has been called.
func (h *Hub) Ready() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	return nil
}

// Close disconnects every client with a going-away close frame. Subsequent
// upgrades are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]*client, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "relay shutting down")
	}
}

type client struct {
	conn  *websocket.Conn
	queue *sendQueue
	log   *slog.Logger

	writeMu sync.Mutex

	// id is written by the read loop under Hub.mu and read under Hub.mu.
	id string
}

func (c *client) writeControl(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(messageType, data, time.Now().Add(wsWriteWait))
}

func (c *client) closeWith(code int, reason string) {
	_ = c.writeControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = c.conn.Close()
}

func (c *client) writeLoop() {
	for {
		frame, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := c.conn.WriteMessage(websocket.TextMessage, frame)
		c.writeMu.Unlock()
		if err != nil {
			c.log.Debug("write failed", "err", err)
			_ = c.conn.Close()
			return
		}
	}
}

func (c *client) pingLoop(interval time.Duration, done <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := &client{
		conn:  conn,
		queue: newSendQueue(h.cfg.SendQueueLimit),
		log:   h.log.With("remote_addr", r.RemoteAddr),
	}
	if !h.register(c) {
		c.closeWith(websocket.CloseGoingAway, "relay shutting down")
		return
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.pingLoop(h.cfg.PingInterval, done)
	}()
	defer func() {
		h.leave(c)
		c.queue.Close()
		close(done)
		_ = conn.Close()
		wg.Wait()
	}()

	c.log.Debug("websocket connected")
	h.readLoop(c)
}

func (h *Hub) readLoop(c *client) {
	conn := c.conn
	conn.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))
	})

	var limiter *rate.Limiter
	if n := h.cfg.MaxMessagesPerSecond; n > 0 {
		limiter = rate.NewLimiter(rate.Limit(n), n)
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.log.Info("closing idle websocket", "idle_timeout", h.cfg.IdleTimeout)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				h.metrics.Inc(metrics.RelayMalformed)
				c.log.Warn("message exceeds read limit", "limit", h.cfg.MaxMessageBytes)
			default:
				c.log.Debug("websocket closed", "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.IdleTimeout))

		if limiter != nil && !limiter.Allow() {
			h.metrics.Inc(metrics.RelayRateLimited)
			c.log.Warn("rate limit exceeded")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := signaling.ParseMessage(data)
		if err != nil {
			h.metrics.Inc(metrics.RelayMalformed)
			c.log.Warn("dropping malformed message", "err", err)
			continue
		}

		if msg.Type == signaling.TypeJoin {
			err := h.join(c, msg.From)
			switch {
			case errors.Is(err, ErrDuplicateIdentity):
				h.metrics.Inc(metrics.RelayDuplicateIdentity)
				c.log.Warn("rejecting duplicate identity", "id", msg.From)
				c.closeWith(websocket.ClosePolicyViolation, "identity already online")
				return
			case errors.Is(err, ErrInvalidIdentity):
				c.closeWith(websocket.ClosePolicyViolation, "invalid identity")
				return
			case err != nil:
				c.log.Warn("ignoring join", "err", err)
			}
			continue
		}
		h.route(c, msg)
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

// join registers c under requested, or under the next free client_N when
// requested is empty, then acknowledges and announces the new roster.
func (h *Hub) join(c *client, requested string) error {
	if len(requested) > maxIdentityLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentity, maxIdentityLength)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	if c.id != "" {
		return fmt.Errorf("%w as %q", ErrAlreadyJoined, c.id)
	}

	id := requested
	if id == "" {
		for {
			h.anon++
			id = fmt.Sprintf("%s%d", anonymousPrefix, h.anon)
			if _, taken := h.clients[id]; !taken {
				break
			}
		}
	} else if _, taken := h.clients[id]; taken {
		return ErrDuplicateIdentity
	}

	c.id = id
	h.clients[id] = c
	h.order = append(h.order, id)
	h.metrics.Inc(metrics.RelayClientsJoined)
	c.log.Info("client joined", "id", id, "online", len(h.order))

	h.sendLocked(c, signaling.NewJoined(id))
	h.broadcastRosterLocked()
	return nil
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	if c.id == "" || h.clients[c.id] != c {
		return
	}
	delete(h.clients, c.id)
	for i, id := range h.order {
		if id == c.id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
	h.metrics.Inc(metrics.RelayClientsLeft)
	c.log.Info("client left", "id", c.id, "online", len(h.order))
	h.broadcastRosterLocked()
}

// route forwards msg from c. Directed messages go to their target only;
// undirected offer/answer/ice-candidate go to every other joined client.
func (h *Hub) route(c *client, msg signaling.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.id == "" {
		h.metrics.Inc(metrics.RelayDroppedBeforeJoin)
		c.log.Debug("dropping message before join", "type", msg.Type)
		return
	}
	switch msg.Type {
	case signaling.TypeJoined, signaling.TypeClientList:
		h.metrics.Inc(metrics.RelayMalformed)
		c.log.Warn("dropping relay-only message type from client", "id", c.id, "type", msg.Type)
		return
	}
	msg.From = c.id

	if msg.To != "" {
		target, ok := h.clients[msg.To]
		if !ok {
			h.metrics.Inc(metrics.RelayUnknownTarget)
			c.log.Warn("target not online", "id", c.id, "type", msg.Type, "to", msg.To)
			return
		}
		if h.sendLocked(target, msg) {
			h.metrics.Inc(metrics.RelayMessagesForwarded)
		}
		return
	}

	// Only offer, answer and ice-candidate may omit "to".
	for _, id := range h.order {
		if id == c.id {
			continue
		}
		if h.sendLocked(h.clients[id], msg) {
			h.metrics.Inc(metrics.RelayMessagesForwarded)
		}
	}
}

func (h *Hub) broadcastRosterLocked() {
	list := signaling.NewClientList(append([]string(nil), h.order...))
	for _, id := range h.order {
		h.sendLocked(h.clients[id], list)
	}
}

// sendLocked encodes and queues msg for c. Queuing under h.mu keeps every
// client's view of roster updates in the same order.
func (h *Hub) sendLocked(c *client, msg signaling.Message) bool {
	b, err := msg.Encode()
	if err != nil {
		h.log.Error("failed to encode message", "type", msg.Type, "err", err)
		return false
	}
	if !c.queue.Enqueue(b) {
		h.metrics.Inc(metrics.RelayWriteDropped)
		c.log.Warn("send queue full, dropping message", "id", c.id, "type", msg.Type)
		return false
	}
	return true
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
