// Package enginetest provides an in-memory engine whose events are injected by
// tests.
package enginetest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/imisumi/webrtc-chat/internal/engine"
)

var ErrClosed = errors.New("enginetest: closed")

type Description struct {
	Role engine.Role
	SDP  string
}

// Engine records every connection it creates.
type Engine struct {
	// AutoDescribe makes RequestLocalDescription immediately post a
	// LocalDescription event (an answer when a remote offer is set).
	AutoDescribe bool
	// FailNewConnection, when set, is returned by NewConnection.
	FailNewConnection error

	mu     sync.Mutex
	nextID uint64
	conns  []*Conn
}

func New() *Engine {
	return &Engine{}
}

func (e *Engine) NewConnection(peer string, sink engine.Sink) (engine.Connection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailNewConnection != nil {
		return nil, e.FailNewConnection
	}
	e.nextID++
	c := &Conn{id: e.nextID, peer: peer, sink: sink, auto: e.AutoDescribe}
	e.conns = append(e.conns, c)
	return c, nil
}

// Connections returns every connection ever created for peer, oldest first.
func (e *Engine) Connections(peer string) []*Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Conn
	for _, c := range e.conns {
		if c.peer == peer {
			out = append(out, c)
		}
	}
	return out
}

// Live returns the connections for peer that have not been closed.
func (e *Engine) Live(peer string) []*Conn {
	var out []*Conn
	for _, c := range e.Connections(peer) {
		if !c.Closed() {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the newest connection for peer, or nil.
func (e *Engine) Last(peer string) *Conn {
	conns := e.Connections(peer)
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

type Conn struct {
	id   uint64
	peer string
	sink engine.Sink
	auto bool

	// FailAddCandidate, when set, is returned by AddRemoteCandidate.
	FailAddCandidate error

	mu            sync.Mutex
	remote        []Description
	localRequests int
	candidates    []string
	channels      []*Channel
	closed        bool
}

func (c *Conn) ID() uint64 { return c.id }

func (c *Conn) origin() engine.Origin {
	return engine.Origin{Peer: c.peer, ConnID: c.id}
}

func (c *Conn) SetRemoteDescription(role engine.Role, sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.remote = append(c.remote, Description{Role: role, SDP: sdp})
	return nil
}

func (c *Conn) RequestLocalDescription() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.localRequests++
	role := engine.RoleOffer
	if len(c.remote) > 0 && c.remote[len(c.remote)-1].Role == engine.RoleOffer {
		role = engine.RoleAnswer
	}
	auto := c.auto
	c.mu.Unlock()

	if auto {
		c.EmitLocalDescription(role, fmt.Sprintf("sdp-%s-%d", role, c.id))
	}
	return nil
}

func (c *Conn) AddRemoteCandidate(candidate string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailAddCandidate != nil {
		return c.FailAddCandidate
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) CreateDataChannel(label string) (engine.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch := &Channel{label: label}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) RemoteDescriptions() []Description {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Description(nil), c.remote...)
}

func (c *Conn) LocalRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localRequests
}

func (c *Conn) Candidates() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.candidates...)
}

// Channels returns the channels created locally on this connection.
func (c *Conn) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

func (c *Conn) EmitLocalDescription(role engine.Role, sdp string) {
	c.sink.Post(engine.LocalDescription{Origin: c.origin(), Role: role, SDP: sdp})
}

func (c *Conn) EmitCandidate(candidate string) {
	c.sink.Post(engine.LocalCandidate{Origin: c.origin(), Candidate: candidate})
}

func (c *Conn) EmitState(state engine.ConnectionState) {
	c.sink.Post(engine.StateChanged{Origin: c.origin(), State: state})
}

// EmitChannelReceived simulates the remote side opening a channel.
func (c *Conn) EmitChannelReceived(label string) *Channel {
	ch := &Channel{label: label}
	c.sink.Post(engine.ChannelReceived{Origin: c.origin(), Channel: ch})
	return ch
}

func (c *Conn) EmitChannelOpened(label string) {
	c.sink.Post(engine.ChannelOpened{Origin: c.origin(), Label: label})
}

func (c *Conn) EmitMessage(label, text string) {
	c.sink.Post(engine.ChannelMessage{Origin: c.origin(), Label: label, Text: text})
}

func (c *Conn) EmitChannelClosed(label string) {
	c.sink.Post(engine.ChannelClosed{Origin: c.origin(), Label: label})
}

// Channel records the texts sent over it.
type Channel struct {
	label string

	// FailSend, when set, is returned by SendText.
	FailSend error

	mu     sync.Mutex
	sent   []string
	closed bool
}

func (ch *Channel) Label() string { return ch.label }

func (ch *Channel) SendText(text string) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return ErrClosed
	}
	if ch.FailSend != nil {
		return ch.FailSend
	}
	ch.sent = append(ch.sent, text)
	return nil
}

func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) Closed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Sent() []string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]string(nil), ch.sent...)
}
