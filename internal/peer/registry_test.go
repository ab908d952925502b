package peer

import (
	"reflect"
	"testing"

	"github.com/imisumi/webrtc-chat/internal/engine/enginetest"
)

func TestRegistry_GetOrCreateIsIdempotent(t *testing.T) {
	r := NewRegistry("alice")

	if _, ok := r.Get("bob"); ok {
		t.Fatalf("bob present before creation")
	}
	e1 := r.GetOrCreate("bob")
	if e1.State != StateIdle || e1.ID != "bob" {
		t.Fatalf("new entry=%+v, want idle bob", e1)
	}
	e1.Initiator = true
	e2 := r.GetOrCreate("bob")
	if e1 != e2 {
		t.Fatalf("GetOrCreate returned a different entry")
	}
	if got, ok := r.Get("bob"); !ok || got != e1 {
		t.Fatalf("Get(bob)=(%p,%v), want (%p,true)", got, ok, e1)
	}
	if r.Len() != 1 {
		t.Fatalf("Len()=%d, want 1", r.Len())
	}

	r.Remove("bob")
	if _, ok := r.Get("bob"); ok {
		t.Fatalf("bob present after remove")
	}
	// Removing an absent identity is a no-op.
	r.Remove("bob")
	if r.Len() != 0 {
		t.Fatalf("Len()=%d, want 0", r.Len())
	}
}

func TestRegistry_ConnectedAndUsable(t *testing.T) {
	r := NewRegistry("alice")
	eng := enginetest.New()

	for _, id := range []string{"carol", "bob", "dave"} {
		r.GetOrCreate(id)
	}
	bob, _ := r.Get("bob")
	r.SetState(bob, StateConnected)

	carol, _ := r.Get("carol")
	r.SetState(carol, StateConnected)
	conn, err := eng.NewConnection("carol", nil)
	if err != nil {
		t.Fatalf("new connection: %v", err)
	}
	ch, _ := conn.CreateDataChannel("chat")
	r.Update(func() {
		carol.Conn = conn
		carol.Channel = ch
		carol.ChannelOpen = true
	})

	dave, _ := r.Get("dave")
	r.SetState(dave, StateNegotiating)

	if got, want := r.Connected(), []string{"bob", "carol"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Connected()=%v, want %v", got, want)
	}
	usable := r.Usable()
	if len(usable) != 1 || usable[0].ID != "carol" {
		t.Fatalf("Usable()=%v, want [carol]", usable)
	}
	if !carol.OwnsConn(conn.ID()) || carol.OwnsConn(conn.ID()+1) {
		t.Fatalf("OwnsConn mismatch")
	}
}

func TestRegistry_SetRosterExcludesSelf(t *testing.T) {
	r := NewRegistry("alice")
	r.GetOrCreate("zed")

	r.SetRoster([]string{"carol", "alice", "", "bob", "carol"})
	if got, want := r.Known(), []string{"bob", "carol"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Known()=%v, want %v", got, want)
	}
	// Roster updates never touch entries.
	if _, ok := r.Get("zed"); !ok {
		t.Fatalf("roster update removed an entry")
	}

	r.SetRoster(nil)
	if got := r.Known(); len(got) != 0 {
		t.Fatalf("Known()=%v, want empty", got)
	}
}

func TestEntry_AwaitingOffer(t *testing.T) {
	e := &Entry{ID: "bob", State: StateNegotiating, Role: RoleNone}
	if !e.AwaitingOffer() {
		t.Fatalf("accepted entry should await an offer")
	}
	e.Role = RoleOfferer
	if e.AwaitingOffer() {
		t.Fatalf("offerer should not await an offer")
	}
}

func TestRegistry_SnapshotCopies(t *testing.T) {
	r := NewRegistry("alice")
	e := r.GetOrCreate("bob")
	r.SetState(e, StateRequestSent)

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].State != StateRequestSent || snap[0].HasConn {
		t.Fatalf("Snapshot()=%+v", snap)
	}
	r.SetState(e, StateNegotiating)
	if snap[0].State != StateRequestSent {
		t.Fatalf("snapshot aliased the entry")
	}
}
