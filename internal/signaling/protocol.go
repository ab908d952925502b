package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Type is the discriminator carried in every signaling message.
type Type string

const (
	TypeJoin               Type = "join"
	TypeJoined             Type = "joined"
	TypeClientList         Type = "client-list"
	TypeConnectionRequest  Type = "connection-request"
	TypeConnectionResponse Type = "connection-response"
	TypeOffer              Type = "offer"
	TypeAnswer             Type = "answer"
	TypeICECandidate       Type = "ice-candidate"
)

// Message is the JSON envelope exchanged with the relay.
//
// Data depends on Type: SDP text for offer/answer, candidate text for
// ice-candidate, {"accepted":bool} for connection-response, {"clients":[...]}
// for client-list, {"id":...} for joined and {} for connection-request.
type Message struct {
	Type Type            `json:"type"`
	From string          `json:"from,omitempty"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

var ErrMalformed = errors.New("malformed signaling message")

type responseData struct {
	Accepted bool `json:"accepted"`
}

type clientListData struct {
	Clients []string `json:"clients"`
}

type joinedData struct {
	ID string `json:"id"`
}

// ParseMessage decodes and validates a single signaling message. Unknown
// envelope fields, trailing data and payloads that do not match the type are
// rejected with an error wrapping ErrMalformed.
func ParseMessage(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformed)
	}
	if err := msg.validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Type {
	case TypeJoin:
		if m.To != "" {
			return fmt.Errorf("join message must not have to")
		}
	case TypeJoined:
		if _, err := m.JoinedID(); err != nil {
			return err
		}
	case TypeClientList:
		if m.To != "" {
			return fmt.Errorf("client-list message must not have to")
		}
		if _, err := m.Clients(); err != nil {
			return err
		}
	case TypeConnectionRequest:
		if m.To == "" {
			return fmt.Errorf("connection-request message missing to")
		}
		if len(m.Data) > 0 {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(m.Data, &obj); err != nil || obj == nil {
				return fmt.Errorf("connection-request data must be an object")
			}
		}
	case TypeConnectionResponse:
		if m.To == "" {
			return fmt.Errorf("connection-response message missing to")
		}
		if _, err := m.Accepted(); err != nil {
			return err
		}
	case TypeOffer, TypeAnswer, TypeICECandidate:
		if _, err := m.Text(); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("missing type")
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Encode serializes m for the wire.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Text returns the string payload of an offer, answer or ice-candidate.
func (m Message) Text() (string, error) {
	if len(m.Data) == 0 {
		return "", fmt.Errorf("%s message missing data", m.Type)
	}
	var s string
	if err := json.Unmarshal(m.Data, &s); err != nil {
		return "", fmt.Errorf("%s data must be a string", m.Type)
	}
	if s == "" {
		return "", fmt.Errorf("%s data must not be empty", m.Type)
	}
	return s, nil
}

// Accepted returns the decision carried by a connection-response.
func (m Message) Accepted() (bool, error) {
	if len(m.Data) == 0 {
		return false, fmt.Errorf("connection-response missing data")
	}
	var d responseData
	if err := strictUnmarshal(m.Data, &d); err != nil {
		return false, fmt.Errorf("connection-response data: %w", err)
	}
	var fields map[string]json.RawMessage
	_ = json.Unmarshal(m.Data, &fields)
	if _, ok := fields["accepted"]; !ok {
		return false, fmt.Errorf("connection-response data missing accepted")
	}
	return d.Accepted, nil
}

// Clients returns the roster carried by a client-list message.
func (m Message) Clients() ([]string, error) {
	if len(m.Data) == 0 {
		return nil, fmt.Errorf("client-list missing data")
	}
	var d clientListData
	if err := strictUnmarshal(m.Data, &d); err != nil {
		return nil, fmt.Errorf("client-list data: %w", err)
	}
	if d.Clients == nil {
		return []string{}, nil
	}
	return d.Clients, nil
}

// JoinedID returns the identity the relay registered for this client.
func (m Message) JoinedID() (string, error) {
	if len(m.Data) == 0 {
		return "", fmt.Errorf("joined missing data")
	}
	var d joinedData
	if err := strictUnmarshal(m.Data, &d); err != nil {
		return "", fmt.Errorf("joined data: %w", err)
	}
	if d.ID == "" {
		return "", fmt.Errorf("joined data missing id")
	}
	return d.ID, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only called with strings and plain structs.
		panic(err)
	}
	return b
}

func NewJoin(from string) Message {
	return Message{Type: TypeJoin, From: from}
}

func NewJoined(id string) Message {
	return Message{Type: TypeJoined, To: id, Data: rawJSON(joinedData{ID: id})}
}

func NewClientList(clients []string) Message {
	if clients == nil {
		clients = []string{}
	}
	return Message{Type: TypeClientList, Data: rawJSON(clientListData{Clients: clients})}
}

func NewConnectionRequest(from, to string) Message {
	return Message{Type: TypeConnectionRequest, From: from, To: to, Data: json.RawMessage(`{}`)}
}

func NewConnectionResponse(from, to string, accepted bool) Message {
	return Message{Type: TypeConnectionResponse, From: from, To: to, Data: rawJSON(responseData{Accepted: accepted})}
}

func NewOffer(from, to, sdp string) Message {
	return Message{Type: TypeOffer, From: from, To: to, Data: rawJSON(sdp)}
}

func NewAnswer(from, to, sdp string) Message {
	return Message{Type: TypeAnswer, From: from, To: to, Data: rawJSON(sdp)}
}

func NewICECandidate(from, to, candidate string) Message {
	return Message{Type: TypeICECandidate, From: from, To: to, Data: rawJSON(candidate)}
}
