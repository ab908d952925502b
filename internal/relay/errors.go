package relay

import "errors"

var (
	// ErrDuplicateIdentity is returned when a join names an identity that is
	// already online.
	ErrDuplicateIdentity = errors.New("identity already online")
	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrAlreadyJoined     = errors.New("connection already joined")
	ErrHubClosed         = errors.New("hub closed")
)
