package signaling

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/imisumi/webrtc-chat/internal/metrics"
)

type chanReceiver chan []byte

func (r chanReceiver) HandleSignalText(data []byte) {
	select {
	case r <- append([]byte(nil), data...):
	default:
	}
}

// relayStub accepts websocket connections and hands each one to handle.
func relayStub(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("server read: %v", err)
		return Message{}
	}
	msg, err := ParseMessage(data)
	if err != nil {
		t.Errorf("server parse %q: %v", data, err)
	}
	return msg
}

func newTestClient(t *testing.T, url string, recv Receiver, m *metrics.Metrics) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		URL:          url,
		LocalID:      "alice",
		Receiver:     recv,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:      m,
		MinBackoff:   10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
		PingInterval: time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func runClient(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestClient_JoinsForwardsAndDelivers(t *testing.T) {
	got := make(chan Message, 4)
	url := relayStub(t, func(conn *websocket.Conn) {
		join := readMessage(t, conn)
		got <- join
		b, _ := NewClientList([]string{"alice", "bob"}).Encode()
		_ = conn.WriteMessage(websocket.TextMessage, b)
		got <- readMessage(t, conn)
		// Hold the connection until the client goes away.
		_, _, _ = conn.ReadMessage()
	})

	recv := make(chanReceiver, 4)
	c := newTestClient(t, url, recv, nil)
	runClient(t, c)

	select {
	case join := <-got:
		if join.Type != TypeJoin || join.From != "alice" {
			t.Fatalf("first message=%+v, want join from alice", join)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for join")
	}

	select {
	case data := <-recv:
		msg, err := ParseMessage(data)
		if err != nil || msg.Type != TypeClientList {
			t.Fatalf("delivered %q (err=%v), want client-list", data, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound message")
	}

	if err := c.Send(NewOffer("alice", "bob", "v=0")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case msg := <-got:
		if msg.Type != TypeOffer || msg.To != "bob" {
			t.Fatalf("relay received %+v, want offer to bob", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for offer")
	}
	if !c.Connected() {
		t.Fatalf("Connected()=false while session is up")
	}
}

func TestClient_ReconnectsAndRejoins(t *testing.T) {
	var joins atomic.Int32
	url := relayStub(t, func(conn *websocket.Conn) {
		msg := readMessage(t, conn)
		if msg.Type != TypeJoin {
			return
		}
		if joins.Add(1) == 1 {
			// Drop the first connection straight away.
			return
		}
		_, _, _ = conn.ReadMessage()
	})

	m := metrics.New()
	c := newTestClient(t, url, make(chanReceiver, 1), m)
	runClient(t, c)

	deadline := time.Now().Add(3 * time.Second)
	for joins.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("joins=%d, want 2", joins.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Get(metrics.SignalingReconnects) < 1 {
		t.Fatalf("reconnects=%d, want >=1", m.Get(metrics.SignalingReconnects))
	}
}

func TestClient_SendQueueFull(t *testing.T) {
	m := metrics.New()
	c, err := NewClient(ClientConfig{
		URL:            "ws://127.0.0.1:1/ws",
		LocalID:        "alice",
		Receiver:       make(chanReceiver),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:        m,
		SendQueueLimit: 2,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Send(NewOffer("alice", "bob", "v=0")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := c.Send(NewOffer("alice", "bob", "v=0")); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("err=%v, want ErrSendQueueFull", err)
	}
	if got := m.Get(metrics.SignalingSendDropped); got != 1 {
		t.Fatalf("dropped=%d, want 1", got)
	}
}

func TestClient_RunStopsOnCancel(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/ws", make(chanReceiver), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run()=%v, want deadline exceeded", err)
	}
	if err := c.Send(NewOffer("alice", "bob", "v=0")); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Send after Run=%v, want ErrClientClosed", err)
	}
}

func TestNewClient_Validation(t *testing.T) {
	recv := make(chanReceiver)
	for name, cfg := range map[string]ClientConfig{
		"no url":      {LocalID: "a", Receiver: recv},
		"no id":       {URL: "ws://x/ws", Receiver: recv},
		"no receiver": {URL: "ws://x/ws", LocalID: "a"},
	} {
		if _, err := NewClient(cfg); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
