package webrtcpeer

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/imisumi/webrtc-chat/internal/engine"
)

var ErrConnectionClosed = errors.New("webrtcpeer: connection closed")

// Engine creates pion PeerConnections for the negotiation orchestrator.
type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	log        *slog.Logger

	nextID atomic.Uint64
}

func NewEngine(api *webrtc.API, iceServers []webrtc.ICEServer, logger *slog.Logger) *Engine {
	if api == nil {
		api = webrtc.NewAPI()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		api:        api,
		iceServers: iceServers,
		log:        logger.With("component", "webrtc"),
	}
}

func (e *Engine) NewConnection(peer string, sink engine.Sink) (engine.Connection, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	id := e.nextID.Add(1)
	c := &Connection{
		id:     id,
		origin: engine.Origin{Peer: peer, ConnID: id},
		pc:     pc,
		sink:   sink,
		log:    e.log.With("peer", peer, "conn", id),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.localCandidate(cand.ToJSON().Candidate)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s, ok := mapState(state)
		if !ok {
			return
		}
		sink.Post(engine.StateChanged{Origin: c.origin, State: s})
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		ch := &channel{dc: dc}
		// ChannelReceived must precede any open/message event for it.
		sink.Post(engine.ChannelReceived{Origin: c.origin, Channel: ch})
		c.wire(dc)
	})

	return c, nil
}

// Connection wraps one PeerConnection. Local candidates gathered before the
// local description is published are held back, and remote candidates that
// arrive before the remote description are queued.
type Connection struct {
	id     uint64
	origin engine.Origin
	pc     *webrtc.PeerConnection
	sink   engine.Sink
	log    *slog.Logger

	mu            sync.Mutex
	described     bool
	pendingLocal  []string
	pendingRemote []webrtc.ICECandidateInit
	closed        bool
}

func (c *Connection) ID() uint64 { return c.id }

func (c *Connection) SetRemoteDescription(role engine.Role, sdp string) error {
	var typ webrtc.SDPType
	switch role {
	case engine.RoleOffer:
		typ = webrtc.SDPTypeOffer
	case engine.RoleAnswer:
		typ = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("unknown description role %v", role)
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", role, err)
	}

	c.mu.Lock()
	pending := c.pendingRemote
	c.pendingRemote = nil
	c.mu.Unlock()
	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Warn("failed to add queued remote candidate", "err", err)
		}
	}
	return nil
}

// RequestLocalDescription creates an answer when a remote offer is pending
// and an offer otherwise.
func (c *Connection) RequestLocalDescription() error {
	if c.isClosed() {
		return ErrConnectionClosed
	}

	role := engine.RoleOffer
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if c.pc.SignalingState() == webrtc.SignalingStateHaveRemoteOffer {
		role = engine.RoleAnswer
		desc, err = c.pc.CreateAnswer(nil)
	} else {
		desc, err = c.pc.CreateOffer(nil)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", role, err)
	}
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local %s: %w", role, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink.Post(engine.LocalDescription{Origin: c.origin, Role: role, SDP: desc.SDP})
	c.described = true
	for _, cand := range c.pendingLocal {
		c.sink.Post(engine.LocalCandidate{Origin: c.origin, Candidate: cand})
	}
	c.pendingLocal = nil
	return nil
}

func (c *Connection) localCandidate(cand string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.described {
		c.pendingLocal = append(c.pendingLocal, cand)
		return
	}
	c.sink.Post(engine.LocalCandidate{Origin: c.origin, Candidate: cand})
}

func (c *Connection) AddRemoteCandidate(candidate string) error {
	candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "a=")
	if candidate == "" {
		return fmt.Errorf("empty candidate")
	}
	// Only one m-line is ever negotiated.
	var index uint16
	remote := webrtc.ICECandidateInit{Candidate: candidate, SDPMLineIndex: &index}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if c.pc.RemoteDescription() == nil {
		c.pendingRemote = append(c.pendingRemote, remote)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.pc.AddICECandidate(remote); err != nil {
		return fmt.Errorf("add remote candidate: %w", err)
	}
	return nil
}

func (c *Connection) CreateDataChannel(label string) (engine.Channel, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel %q: %w", label, err)
	}
	c.wire(dc)
	return &channel{dc: dc}, nil
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pendingLocal = nil
	c.pendingRemote = nil
	c.mu.Unlock()
	return c.pc.Close()
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) wire(dc *webrtc.DataChannel) {
	label := dc.Label()
	dc.OnOpen(func() {
		c.sink.Post(engine.ChannelOpened{Origin: c.origin, Label: label})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			c.log.Debug("dropping binary data channel message", "label", label, "bytes", len(msg.Data))
			return
		}
		c.sink.Post(engine.ChannelMessage{Origin: c.origin, Label: label, Text: string(msg.Data)})
	})
	dc.OnClose(func() {
		c.sink.Post(engine.ChannelClosed{Origin: c.origin, Label: label})
	})
}

type channel struct {
	dc *webrtc.DataChannel
}

func (ch *channel) Label() string { return ch.dc.Label() }

func (ch *channel) SendText(text string) error { return ch.dc.SendText(text) }

func (ch *channel) Close() error { return ch.dc.Close() }

func mapState(s webrtc.PeerConnectionState) (engine.ConnectionState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return engine.StateNew, true
	case webrtc.PeerConnectionStateConnecting:
		return engine.StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return engine.StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return engine.StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return engine.StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return engine.StateClosed, true
	default:
		return 0, false
	}
}
