package negotiation

import "errors"

var (
	ErrClosed                = errors.New("negotiation: orchestrator closed")
	ErrAlreadyRunning        = errors.New("negotiation: already running")
	ErrInvalidPeer           = errors.New("negotiation: invalid peer id")
	ErrSelf                  = errors.New("negotiation: cannot connect to self")
	ErrAlreadyConnected      = errors.New("negotiation: peer already connected")
	ErrNegotiationInProgress = errors.New("negotiation: negotiation already in progress")
	ErrNoPendingRequest      = errors.New("negotiation: no pending connection request from peer")
	ErrUnknownPeer           = errors.New("negotiation: unknown peer")
)
