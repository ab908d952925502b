package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/imisumi/webrtc-chat/internal/engine"
	"github.com/imisumi/webrtc-chat/internal/engine/enginetest"
	"github.com/imisumi/webrtc-chat/internal/metrics"
	"github.com/imisumi/webrtc-chat/internal/negotiation"
	"github.com/imisumi/webrtc-chat/internal/peer"
	"github.com/imisumi/webrtc-chat/internal/signaling"
)

type discardSignaler struct{}

func (discardSignaler) Send(signaling.Message) error { return nil }

type printedObserver struct {
	negotiation.NopObserver
	mu      sync.Mutex
	printed []string
}

func (p *printedObserver) MessageReceived(peerID, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printed = append(p.printed, peerID+":"+text)
}

func (p *printedObserver) Printed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.printed...)
}

type fixture struct {
	o   *negotiation.Orchestrator
	eng *enginetest.Engine
	f   *Facade
	m   *metrics.Metrics
	obs *printedObserver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := enginetest.New()
	obs := &printedObserver{}
	m := metrics.New()

	var o *negotiation.Orchestrator
	f := NewFacade("alice", RunnerFunc(func(ctx context.Context, fn func(*peer.Registry)) error {
		return o.Do(ctx, fn)
	}), NewHistory(0), logger, m)
	o, err := negotiation.New(negotiation.Config{
		LocalID:  "alice",
		Engine:   eng,
		Signaler: discardSignaler{},
		Observer: f.Observe(obs),
		Logger:   logger,
		Metrics:  m,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-o.Done()
	})
	return &fixture{o: o, eng: eng, f: f, m: m, obs: obs}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func (fx *fixture) sync(t *testing.T) {
	t.Helper()
	if err := fx.o.Do(testCtx(t), func(*peer.Registry) {}); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

// answer makes alice the answerer for remote and returns the received channel.
func (fx *fixture) answer(t *testing.T, remote string, open, connected bool) *enginetest.Channel {
	t.Helper()
	fx.o.HandleSignal(signaling.NewOffer(remote, "alice", "v=0"))
	fx.sync(t)
	conn := fx.eng.Last(remote)
	ch := conn.EmitChannelReceived(engine.DataChannelLabel)
	if open {
		conn.EmitChannelOpened(engine.DataChannelLabel)
	}
	if connected {
		conn.EmitState(engine.StateConnected)
	}
	fx.sync(t)
	return ch
}

func TestBroadcast_NoPeers(t *testing.T) {
	fx := newFixture(t)

	n, err := fx.f.Broadcast(testCtx(t), "hello")
	if !errors.Is(err, ErrNoPeers) || n != 0 {
		t.Fatalf("Broadcast()=(%d,%v), want (0,ErrNoPeers)", n, err)
	}
	if fx.f.History().Len() != 0 {
		t.Fatalf("history=%v, want empty", fx.f.History().Lines())
	}
}

func TestBroadcast_SendsToEveryConnectedPeer(t *testing.T) {
	fx := newFixture(t)
	bob := fx.answer(t, "bob", true, true)
	carol := fx.answer(t, "carol", true, true)
	// Negotiating peers and closed channels are skipped.
	dave := fx.answer(t, "dave", true, false)
	erin := fx.answer(t, "erin", false, true)

	n, err := fx.f.Broadcast(testCtx(t), "hello")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if n != 2 {
		t.Fatalf("delivered=%d, want 2", n)
	}
	for name, ch := range map[string]*enginetest.Channel{"bob": bob, "carol": carol} {
		if got := ch.Sent(); !reflect.DeepEqual(got, []string{"alice: hello"}) {
			t.Fatalf("%s received %v", name, got)
		}
	}
	for name, ch := range map[string]*enginetest.Channel{"dave": dave, "erin": erin} {
		if got := ch.Sent(); len(got) != 0 {
			t.Fatalf("%s should not receive, got %v", name, got)
		}
	}
	if got := fx.f.History().Lines(); !reflect.DeepEqual(got, []string{"[You] hello"}) {
		t.Fatalf("history=%v", got)
	}
	if got := fx.m.Get(metrics.MessagesSent); got != 2 {
		t.Fatalf("sent counter=%d, want 2", got)
	}
}

func TestBroadcast_PartialFailureStillRecordsOnce(t *testing.T) {
	fx := newFixture(t)
	bob := fx.answer(t, "bob", true, true)
	carol := fx.answer(t, "carol", true, true)
	carol.FailSend = errors.New("buffer full")

	n, err := fx.f.Broadcast(testCtx(t), "hi")
	if err != nil || n != 1 {
		t.Fatalf("Broadcast()=(%d,%v), want (1,nil)", n, err)
	}
	if len(bob.Sent()) != 1 {
		t.Fatalf("bob did not receive")
	}
	if fx.f.History().Len() != 1 {
		t.Fatalf("history=%v", fx.f.History().Lines())
	}
}

func TestSendTo(t *testing.T) {
	fx := newFixture(t)
	bob := fx.answer(t, "bob", true, true)
	fx.answer(t, "carol", true, false)

	if err := fx.f.SendTo(testCtx(t), "bob", "psst"); err != nil {
		t.Fatalf("send to bob: %v", err)
	}
	if got := bob.Sent(); !reflect.DeepEqual(got, []string{"alice: psst"}) {
		t.Fatalf("bob received %v", got)
	}

	for _, target := range []string{"carol", "nobody"} {
		if err := fx.f.SendTo(testCtx(t), target, "psst"); !errors.Is(err, ErrPeerNotConnected) {
			t.Fatalf("send to %s err=%v, want ErrPeerNotConnected", target, err)
		}
	}
	if got := fx.f.History().Lines(); !reflect.DeepEqual(got, []string{"[You -> bob] psst"}) {
		t.Fatalf("history=%v", got)
	}

	if err := fx.f.SendTo(testCtx(t), "bob", ""); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty message err=%v", err)
	}
}

func TestInboundMessagesRecordedInArrivalOrder(t *testing.T) {
	fx := newFixture(t)
	fx.answer(t, "bob", true, true)
	fx.answer(t, "carol", true, true)

	bobConn := fx.eng.Last("bob")
	carolConn := fx.eng.Last("carol")
	bobConn.EmitMessage(engine.DataChannelLabel, "bob: one")
	carolConn.EmitMessage(engine.DataChannelLabel, "carol: two")
	bobConn.EmitMessage(engine.DataChannelLabel, "bob: three")
	fx.sync(t)

	want := []string{"[bob] bob: one", "[carol] carol: two", "[bob] bob: three"}
	if got := fx.f.History().Lines(); !reflect.DeepEqual(got, want) {
		t.Fatalf("history=%v, want %v", got, want)
	}
	printed := []string{"bob:bob: one", "carol:carol: two", "bob:bob: three"}
	if got := fx.obs.Printed(); !reflect.DeepEqual(got, printed) {
		t.Fatalf("forwarded=%v, want %v", got, printed)
	}
}

func TestObserve_RecordsWithoutDownstreamObserver(t *testing.T) {
	f := NewFacade("alice", nil, NewHistory(0), nil, nil)
	obs := f.Observe(nil)
	obs.PeerConnected("bob")
	obs.MessageReceived("bob", "hi")
	if got := f.History().Lines(); !reflect.DeepEqual(got, []string{"[bob] hi"}) {
		t.Fatalf("history=%v", got)
	}
}

func TestHistory_Cap(t *testing.T) {
	h := NewHistory(2)
	h.Append("a")
	h.Append("b")
	h.Append("c")
	if got := h.Lines(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("Lines()=%v", got)
	}

	unbounded := NewHistory(0)
	for i := 0; i < 100; i++ {
		unbounded.Append("x")
	}
	if unbounded.Len() != 100 {
		t.Fatalf("Len()=%d, want 100", unbounded.Len())
	}
}
