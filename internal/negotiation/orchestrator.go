// Package negotiation drives per-peer WebRTC negotiation.
//
// The Orchestrator is an actor: signaling messages, engine events, local
// commands and timer expirations are all delivered into one unbounded inbox
// and applied in order by the goroutine running Run. The peer registry is
// only mutated from that goroutine.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/imisumi/webrtc-chat/internal/engine"
	"github.com/imisumi/webrtc-chat/internal/mailbox"
	"github.com/imisumi/webrtc-chat/internal/metrics"
	"github.com/imisumi/webrtc-chat/internal/peer"
	"github.com/imisumi/webrtc-chat/internal/signaling"
)

// Signaler delivers outbound signaling messages. Send must not block on the
// network.
type Signaler interface {
	Send(msg signaling.Message) error
}

type Config struct {
	LocalID  string
	Engine   engine.Engine
	Signaler Signaler
	Observer Observer
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// AutoAccept answers every incoming connection request with an
	// acceptance instead of surfacing it to the Observer.
	AutoAccept bool
	// NegotiationTimeout tears down peers stuck in RequestSent or Negotiating
	// for longer than this. Zero disables the timeout.
	NegotiationTimeout time.Duration
}

type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	obs     Observer

	reg    *peer.Registry
	inbox  *mailbox.Queue[any]
	timers map[string]*time.Timer

	running atomic.Bool
	done    chan struct{}
}

type command struct {
	run   func() error
	reply chan error
}

type timeoutExpired struct {
	peer string
	gen  uint64
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.LocalID == "" {
		return nil, fmt.Errorf("negotiation: local id is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("negotiation: engine is required")
	}
	if cfg.Signaler == nil {
		return nil, fmt.Errorf("negotiation: signaler is required")
	}
	if cfg.NegotiationTimeout < 0 {
		return nil, fmt.Errorf("negotiation: timeout must be >= 0")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     logger.With("component", "negotiation", "local_id", cfg.LocalID),
		metrics: cfg.Metrics,
		obs:     obs,
		reg:     peer.NewRegistry(cfg.LocalID),
		inbox:   mailbox.New[any](),
		timers:  make(map[string]*time.Timer),
		done:    make(chan struct{}),
	}, nil
}

func (o *Orchestrator) LocalID() string { return o.cfg.LocalID }

// Registry exposes the peer registry for read-only snapshots. Mutations must
// go through Do.
func (o *Orchestrator) Registry() *peer.Registry { return o.reg }

// Done is closed once Run has returned and every connection is closed.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Run processes the inbox until ctx is cancelled or Close is called. On exit
// every remaining peer connection is closed.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(o.done)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			o.inbox.Close()
		case <-stop:
		}
	}()

	for {
		item, ok := o.inbox.Get()
		if !ok {
			break
		}
		o.dispatch(item)
	}
	o.shutdown()
	return ctx.Err()
}

// Close stops Run. Queued items are still applied before it returns.
func (o *Orchestrator) Close() {
	o.inbox.Close()
}

// Post implements engine.Sink.
func (o *Orchestrator) Post(ev engine.Event) {
	o.inbox.Put(ev)
}

// HandleSignal queues an already parsed signaling message.
func (o *Orchestrator) HandleSignal(msg signaling.Message) {
	o.inbox.Put(msg)
}

// HandleSignalText parses raw signaling text and queues it. Malformed input is
// logged and dropped.
func (o *Orchestrator) HandleSignalText(data []byte) {
	msg, err := signaling.ParseMessage(data)
	if err != nil {
		o.metrics.Inc(metrics.SignalMalformed)
		o.log.Warn("dropping malformed signaling message", "err", err, "bytes", len(data))
		return
	}
	o.HandleSignal(msg)
}

// Do runs fn on the orchestrator goroutine with exclusive access to the
// registry and waits for it to finish.
func (o *Orchestrator) Do(ctx context.Context, fn func(reg *peer.Registry)) error {
	return o.call(ctx, func() error {
		fn(o.reg)
		return nil
	})
}

// RequestConnection sends a connection request to id.
func (o *Orchestrator) RequestConnection(ctx context.Context, id string) error {
	return o.call(ctx, func() error { return o.requestConnection(id) })
}

// Accept answers a pending request from id.
func (o *Orchestrator) Accept(ctx context.Context, id string) error {
	return o.call(ctx, func() error { return o.respond(id, true) })
}

// Reject declines a pending request from id and forgets the peer.
func (o *Orchestrator) Reject(ctx context.Context, id string) error {
	return o.call(ctx, func() error { return o.respond(id, false) })
}

// Disconnect closes the channel and connection to id and removes the peer,
// whatever its state.
func (o *Orchestrator) Disconnect(ctx context.Context, id string) error {
	return o.call(ctx, func() error {
		e, ok := o.reg.Get(id)
		if !ok {
			return ErrUnknownPeer
		}
		o.log.Info("disconnecting peer", "peer", id, "state", e.State)
		o.teardown(e, "local disconnect")
		return nil
	})
}

func (o *Orchestrator) call(ctx context.Context, fn func() error) error {
	cmd := command{run: fn, reply: make(chan error, 1)}
	if !o.inbox.Put(cmd) {
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		select {
		case err := <-cmd.reply:
			return err
		default:
			return ErrClosed
		}
	}
}

func (o *Orchestrator) dispatch(item any) {
	switch v := item.(type) {
	case command:
		v.reply <- v.run()
	case signaling.Message:
		o.handleSignal(v)
	case timeoutExpired:
		o.handleTimeout(v)
	case engine.Event:
		o.handleEvent(v)
	default:
		o.log.Error("unexpected inbox item", "type", fmt.Sprintf("%T", item))
	}
}

func (o *Orchestrator) send(msg signaling.Message) error {
	if err := o.cfg.Signaler.Send(msg); err != nil {
		o.metrics.Inc(metrics.SignalingSendDropped)
		o.log.Warn("failed to queue signaling message", "type", msg.Type, "to", msg.To, "err", err)
		return err
	}
	return nil
}

func (o *Orchestrator) setState(e *peer.Entry, s peer.State) {
	if e.State != s {
		o.log.Debug("peer state", "peer", e.ID, "from", e.State, "to", s)
	}
	o.reg.SetState(e, s)
}

func (o *Orchestrator) requestConnection(id string) error {
	switch id {
	case "":
		return ErrInvalidPeer
	case o.cfg.LocalID:
		return ErrSelf
	}
	if e, ok := o.reg.Get(id); ok {
		switch e.State {
		case peer.StateIdle:
		case peer.StateConnected:
			return ErrAlreadyConnected
		default:
			return fmt.Errorf("%w (state %s)", ErrNegotiationInProgress, e.State)
		}
	}

	e := o.reg.GetOrCreate(id)
	if err := o.send(signaling.NewConnectionRequest(o.cfg.LocalID, id)); err != nil {
		o.reg.Remove(id)
		return fmt.Errorf("send connection request: %w", err)
	}
	o.reg.Update(func() { e.Requested = true })
	o.setState(e, peer.StateRequestSent)
	o.armTimeout(e)
	o.log.Info("connection request sent", "peer", id)
	return nil
}

func (o *Orchestrator) respond(id string, accepted bool) error {
	e, ok := o.reg.Get(id)
	if !ok || e.State != peer.StateRequestReceived {
		return ErrNoPendingRequest
	}
	if err := o.send(signaling.NewConnectionResponse(o.cfg.LocalID, id, accepted)); err != nil {
		return fmt.Errorf("send connection response: %w", err)
	}
	if !accepted {
		o.log.Info("connection request rejected", "peer", id)
		o.teardown(e, "rejected")
		return nil
	}

	o.reg.Update(func() {
		e.Initiator = false
		e.Role = peer.RoleNone
	})
	o.setState(e, peer.StateNegotiating)
	o.armTimeout(e)
	o.log.Info("connection request accepted; awaiting offer", "peer", id)
	return nil
}

func (o *Orchestrator) handleSignal(msg signaling.Message) {
	switch msg.Type {
	case signaling.TypeJoined:
		id, _ := msg.JoinedID()
		if id != o.cfg.LocalID {
			o.log.Warn("relay registered a different identity", "id", id)
			return
		}
		o.log.Info("joined relay")
		return
	case signaling.TypeClientList:
		clients, err := msg.Clients()
		if err != nil {
			o.metrics.Inc(metrics.SignalMalformed)
			o.log.Warn("dropping malformed client list", "err", err)
			return
		}
		o.reg.SetRoster(clients)
		o.obs.RosterUpdated(o.reg.Known())
		return
	case signaling.TypeJoin:
		o.log.Debug("ignoring join notice", "from", msg.From)
		return
	}

	from := msg.From
	if from == "" || from == o.cfg.LocalID || (msg.To != "" && msg.To != o.cfg.LocalID) {
		o.metrics.Inc(metrics.SignalMisrouted)
		o.log.Warn("dropping misrouted signaling message", "type", msg.Type, "from", from, "to", msg.To)
		return
	}

	switch msg.Type {
	case signaling.TypeConnectionRequest:
		o.onConnectionRequest(from)
	case signaling.TypeConnectionResponse:
		accepted, err := msg.Accepted()
		if err != nil {
			o.metrics.Inc(metrics.SignalMalformed)
			o.log.Warn("dropping malformed connection response", "peer", from, "err", err)
			return
		}
		o.onConnectionResponse(from, accepted)
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICECandidate:
		text, err := msg.Text()
		if err != nil {
			o.metrics.Inc(metrics.SignalMalformed)
			o.log.Warn("dropping malformed signaling payload", "type", msg.Type, "peer", from, "err", err)
			return
		}
		switch msg.Type {
		case signaling.TypeOffer:
			o.onOffer(from, text)
		case signaling.TypeAnswer:
			o.onAnswer(from, text)
		default:
			o.onRemoteCandidate(from, text)
		}
	default:
		o.log.Warn("unhandled signaling message", "type", msg.Type, "peer", from)
	}
}

func (o *Orchestrator) onConnectionRequest(from string) {
	if e, ok := o.reg.Get(from); ok {
		switch e.State {
		case peer.StateIdle:
		case peer.StateRequestSent:
			// Both sides asked at once. The incoming request becomes the
			// pending decision; ours stays outstanding, so whichever side
			// accepts first gets an offer from the other.
			o.metrics.Inc(metrics.RequestGlare)
			o.log.Info("connection requests crossed; incoming request wins", "peer", from)
			o.cancelTimeout(e)
		case peer.StateRequestReceived:
			o.metrics.Inc(metrics.RequestDropped)
			o.log.Debug("duplicate connection request", "peer", from)
			return
		default:
			o.metrics.Inc(metrics.RequestDropped)
			o.log.Info("ignoring connection request", "peer", from, "state", e.State)
			return
		}
	}

	e := o.reg.GetOrCreate(from)
	o.reg.Update(func() { e.Initiator = false })
	o.setState(e, peer.StateRequestReceived)
	o.log.Info("connection request received", "peer", from)

	if o.cfg.AutoAccept {
		if err := o.respond(from, true); err != nil {
			o.log.Warn("auto-accept failed", "peer", from, "err", err)
		}
		return
	}
	o.obs.ConnectionRequested(from)
}

func (o *Orchestrator) onConnectionResponse(from string, accepted bool) {
	e, ok := o.reg.Get(from)
	if !ok || !responseExpected(e) {
		state := "absent"
		if ok {
			state = e.State.String()
		}
		o.metrics.Inc(metrics.ResponseStale)
		o.log.Info("ignoring stale connection response", "peer", from, "state", state, "accepted", accepted)
		return
	}
	o.reg.Update(func() { e.Requested = false })
	o.obs.ConnectionResponded(from, accepted)
	if !accepted {
		o.log.Info("connection request declined", "peer", from)
		o.teardown(e, "declined")
		return
	}
	if e.AwaitingOffer() && o.cfg.LocalID > from {
		// Both crossed requests were accepted. The lower identity offers.
		o.log.Info("both requests accepted; awaiting offer", "peer", from)
		return
	}
	o.startOffer(e)
}

// responseExpected reports whether our request to e is outstanding and no
// description exchange has started yet.
func responseExpected(e *peer.Entry) bool {
	if !e.Requested {
		return false
	}
	switch e.State {
	case peer.StateRequestSent, peer.StateRequestReceived:
		return true
	case peer.StateNegotiating:
		return e.AwaitingOffer()
	default:
		return false
	}
}

func (o *Orchestrator) startOffer(e *peer.Entry) {
	conn, err := o.cfg.Engine.NewConnection(e.ID, o)
	if err != nil {
		o.metrics.Inc(metrics.EngineError)
		o.log.Error("failed to create peer connection", "peer", e.ID, "err", err)
		o.teardown(e, "engine error")
		return
	}
	o.reg.Update(func() {
		e.Conn = conn
		e.Initiator = true
		e.Role = peer.RoleOfferer
	})
	o.setState(e, peer.StateNegotiating)
	o.armTimeout(e)

	ch, err := conn.CreateDataChannel(engine.DataChannelLabel)
	if err != nil {
		// Without a channel the offer has nothing to negotiate; leave the peer
		// for the engine or the timeout to clean up.
		o.metrics.Inc(metrics.EngineError)
		o.log.Error("failed to create data channel", "peer", e.ID, "err", err)
		return
	}
	o.reg.Update(func() { e.Channel = ch })

	if err := conn.RequestLocalDescription(); err != nil {
		o.metrics.Inc(metrics.EngineError)
		o.log.Error("failed to request offer", "peer", e.ID, "err", err)
		return
	}
	o.log.Info("negotiating as offerer", "peer", e.ID)
}

func (o *Orchestrator) offerAllowed(e *peer.Entry) bool {
	switch e.State {
	case peer.StateIdle, peer.StateRequestSent, peer.StateRequestReceived:
		return true
	case peer.StateNegotiating:
		return e.AwaitingOffer()
	default:
		return false
	}
}

func (o *Orchestrator) onOffer(from, sdp string) {
	e, ok := o.reg.Get(from)
	if ok && !o.offerAllowed(e) {
		o.metrics.Inc(metrics.OfferDropped)
		o.log.Info("ignoring offer", "peer", from, "state", e.State, "role", e.Role)
		return
	}
	if !ok {
		e = o.reg.GetOrCreate(from)
	}

	conn := e.Conn
	if conn == nil {
		var err error
		conn, err = o.cfg.Engine.NewConnection(from, o)
		if err != nil {
			o.metrics.Inc(metrics.EngineError)
			o.log.Error("failed to create peer connection", "peer", from, "err", err)
			o.teardown(e, "engine error")
			return
		}
		o.reg.Update(func() { e.Conn = conn })
	}
	o.reg.Update(func() {
		e.Initiator = false
		e.Role = peer.RoleAnswerer
		e.Requested = false
	})
	o.setState(e, peer.StateNegotiating)
	o.armTimeout(e)

	if err := conn.SetRemoteDescription(engine.RoleOffer, sdp); err != nil {
		o.metrics.Inc(metrics.EngineError)
		o.log.Warn("rejected remote offer", "peer", from, "err", err)
		o.teardown(e, "invalid offer")
		return
	}
	if err := conn.RequestLocalDescription(); err != nil {
		o.metrics.Inc(metrics.EngineError)
		o.log.Error("failed to request answer", "peer", from, "err", err)
		return
	}
	o.log.Info("negotiating as answerer", "peer", from)
}

func (o *Orchestrator) onAnswer(from, sdp string) {
	e, ok := o.reg.Get(from)
	if !ok || e.State != peer.StateNegotiating || e.Role != peer.RoleOfferer || e.Conn == nil {
		o.metrics.Inc(metrics.AnswerStale)
		o.log.Info("ignoring unexpected answer", "peer", from)
		return
	}
	if err := e.Conn.SetRemoteDescription(engine.RoleAnswer, sdp); err != nil {
		o.metrics.Inc(metrics.EngineError)
		o.log.Warn("rejected remote answer", "peer", from, "err", err)
	}
}

func (o *Orchestrator) onRemoteCandidate(from, candidate string) {
	e, ok := o.reg.Get(from)
	if !ok || e.Conn == nil {
		o.metrics.Inc(metrics.CandidateDropped)
		o.log.Debug("ignoring candidate without connection", "peer", from)
		return
	}
	if err := e.Conn.AddRemoteCandidate(candidate); err != nil {
		o.metrics.Inc(metrics.CandidateRejected)
		o.log.Warn("failed to add remote candidate", "peer", from, "err", err)
	}
}

func (o *Orchestrator) handleEvent(ev engine.Event) {
	id, connID := ev.Source()
	e, ok := o.reg.Get(id)
	if !ok || !e.OwnsConn(connID) {
		o.metrics.Inc(metrics.EngineEventStale)
		o.log.Debug("ignoring event from stale connection", "peer", id, "conn", connID, "event", fmt.Sprintf("%T", ev))
		if rc, isChan := ev.(engine.ChannelReceived); isChan && rc.Channel != nil {
			_ = rc.Channel.Close()
		}
		return
	}

	switch ev := ev.(type) {
	case engine.LocalDescription:
		o.onLocalDescription(e, ev)
	case engine.LocalCandidate:
		_ = o.send(signaling.NewICECandidate(o.cfg.LocalID, id, ev.Candidate))
	case engine.StateChanged:
		o.onStateChanged(e, ev.State)
	case engine.ChannelReceived:
		if ev.Channel == nil || ev.Channel.Label() != engine.DataChannelLabel {
			o.log.Warn("ignoring unexpected data channel", "peer", id)
			if ev.Channel != nil {
				_ = ev.Channel.Close()
			}
			return
		}
		if e.Channel != nil && e.Channel != ev.Channel {
			o.log.Warn("replacing existing data channel", "peer", id)
			_ = e.Channel.Close()
		}
		o.reg.Update(func() {
			e.Channel = ev.Channel
			e.ChannelOpen = false
		})
		o.log.Debug("data channel received", "peer", id)
	case engine.ChannelOpened:
		o.reg.Update(func() { e.ChannelOpen = true })
		o.log.Info("data channel open", "peer", id)
	case engine.ChannelMessage:
		o.metrics.Inc(metrics.MessagesReceived)
		o.obs.MessageReceived(id, ev.Text)
	case engine.ChannelClosed:
		o.reg.Update(func() { e.ChannelOpen = false })
		o.log.Info("data channel closed", "peer", id)
	default:
		o.log.Warn("unhandled engine event", "peer", id, "event", fmt.Sprintf("%T", ev))
	}
}

func (o *Orchestrator) onLocalDescription(e *peer.Entry, ev engine.LocalDescription) {
	if e.State != peer.StateNegotiating {
		o.log.Debug("ignoring local description outside negotiation", "peer", e.ID, "state", e.State)
		return
	}
	switch ev.Role {
	case engine.RoleOffer:
		if e.Role != peer.RoleOfferer {
			o.log.Warn("engine produced an offer while answering", "peer", e.ID)
			return
		}
		_ = o.send(signaling.NewOffer(o.cfg.LocalID, e.ID, ev.SDP))
	case engine.RoleAnswer:
		if e.Role != peer.RoleAnswerer {
			o.log.Warn("engine produced an answer while offering", "peer", e.ID)
			return
		}
		_ = o.send(signaling.NewAnswer(o.cfg.LocalID, e.ID, ev.SDP))
	default:
		o.log.Warn("unknown local description role", "peer", e.ID, "role", ev.Role)
	}
}

func (o *Orchestrator) onStateChanged(e *peer.Entry, s engine.ConnectionState) {
	o.log.Debug("engine state", "peer", e.ID, "state", s)
	switch s {
	case engine.StateConnected:
		if e.State == peer.StateConnected {
			return
		}
		o.cancelTimeout(e)
		o.setState(e, peer.StateConnected)
		o.metrics.Inc(metrics.PeerConnected)
		o.log.Info("peer connected", "peer", e.ID, "initiator", e.Initiator)
		o.obs.PeerConnected(e.ID)
	case engine.StateDisconnected:
		if e.State != peer.StateConnected {
			return
		}
		// Keep the entry; ICE may recover or escalate to Failed.
		o.setState(e, peer.StateNegotiating)
		o.armTimeout(e)
		o.metrics.Inc(metrics.PeerDisconnected)
		o.log.Info("peer connection interrupted", "peer", e.ID, "engine_state", s)
		o.obs.PeerDisconnected(e.ID, s.String())
	case engine.StateFailed:
		// pion does not leave Failed without an ICE restart, which is never
		// attempted here. Tear down so either side can start over.
		o.metrics.Inc(metrics.ConnectionFailed)
		o.log.Warn("peer connection failed", "peer", e.ID, "state", e.State)
		o.teardown(e, "failed")
	case engine.StateClosed:
		o.log.Info("peer connection closed", "peer", e.ID)
		o.teardown(e, "closed")
	}
}

// teardown closes the peer's channel and connection and removes the entry.
func (o *Orchestrator) teardown(e *peer.Entry, reason string) {
	o.cancelTimeout(e)
	wasConnected := e.State == peer.StateConnected
	hadConn := e.Conn != nil

	if e.Channel != nil {
		if err := e.Channel.Close(); err != nil {
			o.log.Debug("close data channel", "peer", e.ID, "err", err)
		}
	}
	if e.Conn != nil {
		if err := e.Conn.Close(); err != nil {
			o.log.Debug("close peer connection", "peer", e.ID, "err", err)
		}
	}
	o.reg.Update(func() {
		e.State = peer.StateClosed
		e.Conn = nil
		e.Channel = nil
		e.ChannelOpen = false
	})
	o.reg.Remove(e.ID)

	if wasConnected {
		o.metrics.Inc(metrics.PeerDisconnected)
	}
	if wasConnected || hadConn {
		o.obs.PeerDisconnected(e.ID, reason)
	}
}

func (o *Orchestrator) armTimeout(e *peer.Entry) {
	o.cancelTimeout(e)
	d := o.cfg.NegotiationTimeout
	if d <= 0 {
		return
	}
	exp := timeoutExpired{peer: e.ID, gen: e.TimerGen}
	o.timers[e.ID] = time.AfterFunc(d, func() {
		o.inbox.Put(exp)
	})
}

func (o *Orchestrator) cancelTimeout(e *peer.Entry) {
	o.reg.Update(func() { e.TimerGen++ })
	if t, ok := o.timers[e.ID]; ok {
		t.Stop()
		delete(o.timers, e.ID)
	}
}

func (o *Orchestrator) handleTimeout(t timeoutExpired) {
	e, ok := o.reg.Get(t.peer)
	if !ok || e.TimerGen != t.gen {
		return
	}
	delete(o.timers, t.peer)
	switch e.State {
	case peer.StateRequestSent, peer.StateNegotiating:
		o.metrics.Inc(metrics.NegotiationTimeout)
		o.log.Warn("negotiation timed out", "peer", e.ID, "state", e.State, "after", o.cfg.NegotiationTimeout)
		hadConn := e.Conn != nil
		o.teardown(e, "timeout")
		if !hadConn {
			// teardown only notifies for peers that had a connection.
			o.obs.PeerDisconnected(e.ID, "timeout")
		}
	}
}

func (o *Orchestrator) shutdown() {
	for _, e := range o.reg.All() {
		o.teardown(e, "shutdown")
	}
	for id, t := range o.timers {
		t.Stop()
		delete(o.timers, id)
	}
	o.log.Debug("orchestrator stopped", "dropped_after_close", o.inbox.DropCount())
}

// IsClosed reports whether err means the orchestrator is no longer running.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}
