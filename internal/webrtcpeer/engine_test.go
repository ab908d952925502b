package webrtcpeer_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/imisumi/webrtc-chat/internal/chat"
	"github.com/imisumi/webrtc-chat/internal/engine"
	"github.com/imisumi/webrtc-chat/internal/negotiation"
	"github.com/imisumi/webrtc-chat/internal/peer"
	"github.com/imisumi/webrtc-chat/internal/signaling"
	"github.com/imisumi/webrtc-chat/internal/webrtcpeer"
)

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

func newVNet(t *testing.T, ips ...string) []*vnet.Net {
	t.Helper()

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	nets := make([]*vnet.Net, 0, len(ips))
	for _, ip := range ips {
		n, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
		if err != nil {
			t.Fatalf("new net %s: %v", ip, err)
		}
		if err := router.AddNet(n); err != nil {
			t.Fatalf("add net %s: %v", ip, err)
		}
		nets = append(nets, n)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return nets
}

// switchboard routes signaling messages between in-process orchestrators by
// their "to" field, standing in for the relay.
type switchboard struct {
	mu    sync.Mutex
	nodes map[string]*negotiation.Orchestrator
}

func (s *switchboard) signaler() negotiation.Signaler {
	return signalerFunc(func(msg signaling.Message) error {
		s.mu.Lock()
		dst := s.nodes[msg.To]
		s.mu.Unlock()
		if dst != nil {
			dst.HandleSignal(msg)
		}
		return nil
	})
}

type signalerFunc func(signaling.Message) error

func (f signalerFunc) Send(msg signaling.Message) error { return f(msg) }

type inbox struct {
	negotiation.NopObserver
	received chan string
}

func (i *inbox) MessageReceived(_, text string) {
	select {
	case i.received <- text:
	default:
	}
}

type node struct {
	o      *negotiation.Orchestrator
	facade *chat.Facade
	inbox  *inbox
}

func newNode(t *testing.T, sb *switchboard, id string, n *vnet.Net, autoAccept bool) *node {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	api, err := newVNetAPI(n)
	if err != nil {
		t.Fatalf("new api %s: %v", id, err)
	}
	in := &inbox{received: make(chan string, 8)}
	var o *negotiation.Orchestrator
	facade := chat.NewFacade(id, chat.RunnerFunc(func(ctx context.Context, fn func(*peer.Registry)) error {
		return o.Do(ctx, fn)
	}), chat.NewHistory(0), logger, nil)
	o, err = negotiation.New(negotiation.Config{
		LocalID:            id,
		Engine:             webrtcpeer.NewEngine(api, nil, logger),
		Signaler:           sb.signaler(),
		Observer:           facade.Observe(in),
		Logger:             logger,
		AutoAccept:         autoAccept,
		NegotiationTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("new orchestrator %s: %v", id, err)
	}

	sb.mu.Lock()
	sb.nodes[id] = o
	sb.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-o.Done()
	})
	return &node{o: o, facade: facade, inbox: in}
}

func waitUsable(t *testing.T, n *node, remote string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		var usable bool
		err := n.o.Do(context.Background(), func(reg *peer.Registry) {
			e, ok := reg.Get(remote)
			usable = ok && e.Usable()
		})
		if err != nil {
			t.Fatalf("do: %v", err)
		}
		if usable {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: peer %s never became usable", n.o.LocalID(), remote)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEngine_ChatOverVirtualNetwork(t *testing.T) {
	nets := newVNet(t, "10.0.0.1", "10.0.0.2")
	sb := &switchboard{nodes: map[string]*negotiation.Orchestrator{}}
	alice := newNode(t, sb, "alice", nets[0], false)
	bob := newNode(t, sb, "bob", nets[1], true)

	if err := alice.o.RequestConnection(context.Background(), "bob"); err != nil {
		t.Fatalf("request connection: %v", err)
	}
	waitUsable(t, alice, "bob")
	waitUsable(t, bob, "alice")

	n, err := alice.facade.Broadcast(context.Background(), "hello bob")
	if err != nil || n != 1 {
		t.Fatalf("Broadcast()=(%d,%v), want (1,nil)", n, err)
	}
	select {
	case got := <-bob.inbox.received:
		if got != "alice: hello bob" {
			t.Fatalf("bob received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for bob to receive")
	}

	if err := bob.facade.SendTo(context.Background(), "alice", "hi alice"); err != nil {
		t.Fatalf("send to alice: %v", err)
	}
	select {
	case got := <-alice.inbox.received:
		if got != "bob: hi alice" {
			t.Fatalf("alice received %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for alice to receive")
	}

	if got := bob.facade.History().Lines(); len(got) != 2 || got[0] != "[alice] alice: hello bob" || got[1] != "[You -> alice] hi alice" {
		t.Fatalf("bob history=%v", got)
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []engine.Event
}

func (l *eventLog) Post(ev engine.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []engine.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]engine.Event(nil), l.events...)
}

func TestEngine_LocalCandidatesFollowDescription(t *testing.T) {
	nets := newVNet(t, "10.0.0.1")
	api, err := newVNetAPI(nets[0])
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	eng := webrtcpeer.NewEngine(api, nil, nil)

	sink := &eventLog{}
	conn, err := eng.NewConnection("bob", sink)
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := conn.CreateDataChannel(engine.DataChannelLabel); err != nil {
		t.Fatalf("create data channel: %v", err)
	}
	if err := conn.RequestLocalDescription(); err != nil {
		t.Fatalf("request local description: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		events := sink.snapshot()
		var sawCandidate bool
		for i, ev := range events {
			if _, connID := ev.Source(); connID != conn.ID() {
				t.Fatalf("event %T carries conn %d, want %d", ev, connID, conn.ID())
			}
			switch ev := ev.(type) {
			case engine.LocalDescription:
				if i != 0 {
					t.Fatalf("local description at index %d, want 0", i)
				}
				if ev.Role != engine.RoleOffer || ev.SDP == "" {
					t.Fatalf("unexpected description %+v", ev)
				}
			case engine.LocalCandidate:
				sawCandidate = true
			}
		}
		if sawCandidate {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no local candidate gathered; events=%v", events)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEngine_RemoteCandidateQueuedUntilDescription(t *testing.T) {
	eng := webrtcpeer.NewEngine(nil, nil, nil)
	conn, err := eng.NewConnection("bob", &eventLog{})
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	// Accepted without a remote description; applied later.
	if err := conn.AddRemoteCandidate("candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host"); err != nil {
		t.Fatalf("add candidate before description: %v", err)
	}
	if err := conn.AddRemoteCandidate("  "); err == nil {
		t.Fatalf("expected error for empty candidate")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := conn.AddRemoteCandidate("candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host"); err == nil {
		t.Fatalf("expected error after close")
	}
}

func TestEngine_ConnectionIDsAreUnique(t *testing.T) {
	eng := webrtcpeer.NewEngine(nil, nil, nil)
	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		conn, err := eng.NewConnection("bob", &eventLog{})
		if err != nil {
			t.Fatalf("new connection: %v", err)
		}
		if seen[conn.ID()] {
			t.Fatalf("duplicate connection id %d", conn.ID())
		}
		seen[conn.ID()] = true
		_ = conn.Close()
	}
}
