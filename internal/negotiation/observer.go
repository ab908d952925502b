package negotiation

// Observer is notified of decisions and state changes. Every method is called
// on the orchestrator goroutine and must return quickly; in particular it must
// not call back into the orchestrator synchronously.
type Observer interface {
	// ConnectionRequested surfaces an incoming request. The caller answers
	// with Accept or Reject.
	ConnectionRequested(peer string)
	ConnectionResponded(peer string, accepted bool)
	PeerConnected(peer string)
	// PeerDisconnected reports that a peer stopped being usable. The entry may
	// still exist (transient disconnect) or may have been removed.
	PeerDisconnected(peer string, reason string)
	RosterUpdated(ids []string)
	MessageReceived(peer, text string)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) ConnectionRequested(string) {}
func (NopObserver) ConnectionResponded(string, bool) {}
func (NopObserver) PeerConnected(string) {}
func (NopObserver) PeerDisconnected(string, string) {}
func (NopObserver) RosterUpdated([]string) {}
func (NopObserver) MessageReceived(string, string) {}
