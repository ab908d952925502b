package signaling

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseMessage_WireExamples(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		typ  Type
	}{
		{"join", `{"type":"join","from":"user_1"}`, TypeJoin},
		{"joined", `{"type":"joined","to":"user_1","data":{"id":"user_1"}}`, TypeJoined},
		{"client-list", `{"type":"client-list","data":{"clients":["a","b"]}}`, TypeClientList},
		{"connection-request", `{"type":"connection-request","from":"a","to":"b","data":{}}`, TypeConnectionRequest},
		{"connection-request without data", `{"type":"connection-request","from":"a","to":"b"}`, TypeConnectionRequest},
		{"connection-response", `{"type":"connection-response","from":"b","to":"a","data":{"accepted":false}}`, TypeConnectionResponse},
		{"offer", `{"type":"offer","from":"a","to":"b","data":"v=0\r\n"}`, TypeOffer},
		{"answer", `{"type":"answer","from":"b","to":"a","data":"v=0\r\n"}`, TypeAnswer},
		{"ice-candidate", `{"type":"ice-candidate","from":"a","to":"b","data":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}`, TypeICECandidate},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := ParseMessage([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if msg.Type != tc.typ {
				t.Fatalf("type=%q, want %q", msg.Type, tc.typ)
			}
		})
	}
}

func TestParseMessage_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"missing type", `{"from":"a"}`},
		{"unknown type", `{"type":"bogus","from":"a"}`},
		{"unknown field", `{"type":"join","from":"a","extra":1}`},
		{"trailing data", `{"type":"join","from":"a"}{}`},
		{"join with to", `{"type":"join","from":"a","to":"b"}`},
		{"client-list without data", `{"type":"client-list"}`},
		{"client-list with wrong shape", `{"type":"client-list","data":{"clients":"a"}}`},
		{"request without to", `{"type":"connection-request","from":"a","data":{}}`},
		{"request with non-object data", `{"type":"connection-request","from":"a","to":"b","data":"x"}`},
		{"response without accepted", `{"type":"connection-response","from":"a","to":"b","data":{}}`},
		{"response with unknown data field", `{"type":"connection-response","from":"a","to":"b","data":{"accepted":true,"x":1}}`},
		{"offer with object data", `{"type":"offer","from":"a","to":"b","data":{"sdp":"v=0"}}`},
		{"answer with empty sdp", `{"type":"answer","from":"a","to":"b","data":""}`},
		{"candidate without data", `{"type":"ice-candidate","from":"a","to":"b"}`},
		{"joined without id", `{"type":"joined","to":"a","data":{}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tc.raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("err=%v, want ErrMalformed", err)
			}
		})
	}
}

func TestConstructors_ProduceParseableMessages(t *testing.T) {
	msgs := []Message{
		NewJoin("alice"),
		NewJoined("alice"),
		NewClientList([]string{"alice", "bob"}),
		NewConnectionRequest("alice", "bob"),
		NewConnectionResponse("bob", "alice", true),
		NewOffer("alice", "bob", "v=0"),
		NewAnswer("bob", "alice", "v=0"),
		NewICECandidate("alice", "bob", "candidate:1"),
	}
	for _, msg := range msgs {
		b, err := msg.Encode()
		if err != nil {
			t.Fatalf("encode %s: %v", msg.Type, err)
		}
		got, err := ParseMessage(b)
		if err != nil {
			t.Fatalf("parse %s (%s): %v", msg.Type, b, err)
		}
		if got.Type != msg.Type || got.From != msg.From || got.To != msg.To {
			t.Fatalf("round trip mismatch: got %#v, want %#v", got, msg)
		}
	}
}

func TestEncode_OmitsToForJoinAndClientList(t *testing.T) {
	for _, msg := range []Message{NewJoin("alice"), NewClientList(nil)} {
		b, err := msg.Encode()
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if strings.Contains(string(b), `"to"`) {
			t.Fatalf("%s encoded with to: %s", msg.Type, b)
		}
	}

	b, _ := NewConnectionRequest("alice", "bob").Encode()
	var generic map[string]any
	if err := json.Unmarshal(b, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	data, ok := generic["data"].(map[string]any)
	if !ok || len(data) != 0 {
		t.Fatalf("connection-request data=%v, want empty object", generic["data"])
	}
}

func TestAccessors(t *testing.T) {
	accepted, err := NewConnectionResponse("b", "a", true).Accepted()
	if err != nil || !accepted {
		t.Fatalf("Accepted()=(%v,%v), want (true,nil)", accepted, err)
	}

	clients, err := NewClientList([]string{"x", "y"}).Clients()
	if err != nil {
		t.Fatalf("Clients: %v", err)
	}
	if !reflect.DeepEqual(clients, []string{"x", "y"}) {
		t.Fatalf("Clients()=%v", clients)
	}

	empty, err := NewClientList(nil).Clients()
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty Clients()=(%v,%v)", empty, err)
	}

	sdp, err := NewOffer("a", "b", "v=0\r\n").Text()
	if err != nil || sdp != "v=0\r\n" {
		t.Fatalf("Text()=(%q,%v)", sdp, err)
	}

	id, err := NewJoined("user_1").JoinedID()
	if err != nil || id != "user_1" {
		t.Fatalf("JoinedID()=(%q,%v)", id, err)
	}
}
