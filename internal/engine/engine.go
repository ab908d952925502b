// Package engine defines the narrow surface the negotiation orchestrator uses
// to drive a peer-connection engine, and the events the engine reports back.
//
// Engines never call into the orchestrator directly. Every asynchronous
// callback is turned into an Event value and handed to a Sink, which is
// expected to enqueue it without blocking.
package engine

import "fmt"

// DataChannelLabel is the label of the single text channel opened per peer.
const DataChannelLabel = "chat"

// Role identifies which half of the offer/answer exchange a description is.
type Role int

const (
	RoleOffer Role = iota + 1
	RoleAnswer
)

func (r Role) String() string {
	switch r {
	case RoleOffer:
		return "offer"
	case RoleAnswer:
		return "answer"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// ConnectionState mirrors the peer-connection lifecycle reported by engines.
type ConnectionState int

const (
	StateNew ConnectionState = iota + 1
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Engine creates peer connections.
type Engine interface {
	// NewConnection creates a connection to peer. Every event the connection
	// produces is delivered to sink tagged with the connection's ID.
	NewConnection(peer string, sink Sink) (Connection, error)
}

// Connection is a single engine-side peer connection.
type Connection interface {
	// ID is unique per engine for the process lifetime.
	ID() uint64
	SetRemoteDescription(role Role, sdp string) error
	// RequestLocalDescription asks the engine to create an offer, or an answer
	// when a remote offer is pending. The result arrives as LocalDescription.
	RequestLocalDescription() error
	AddRemoteCandidate(candidate string) error
	CreateDataChannel(label string) (Channel, error)
	// Close is idempotent.
	Close() error
}

// Channel is an engine-side data channel.
type Channel interface {
	Label() string
	SendText(text string) error
	// Close is idempotent.
	Close() error
}

// Sink receives engine events. Implementations must not block.
type Sink interface {
	Post(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Post(ev Event) { f(ev) }

// Event is implemented by every engine event.
type Event interface {
	// Source returns the remote peer and the connection that produced the event.
	Source() (peer string, conn uint64)
}

// Origin is embedded by every event.
type Origin struct {
	Peer   string
	ConnID uint64
}

func (o Origin) Source() (string, uint64) { return o.Peer, o.ConnID }

type LocalDescription struct {
	Origin
	Role Role
	SDP  string
}

type LocalCandidate struct {
	Origin
	Candidate string
}

type StateChanged struct {
	Origin
	State ConnectionState
}

// ChannelReceived is raised when the remote side opened a channel.
type ChannelReceived struct {
	Origin
	Channel Channel
}

type ChannelOpened struct {
	Origin
	Label string
}

type ChannelMessage struct {
	Origin
	Label string
	Text  string
}

type ChannelClosed struct {
	Origin
	Label string
}
