package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "WEBRTC_CHAT_ICE_SERVERS_JSON"
	envStunURLs       = "WEBRTC_CHAT_STUN_URLS"
	envTurnURLs       = "WEBRTC_CHAT_TURN_URLS"
	envTurnUsername   = "WEBRTC_CHAT_TURN_USERNAME"
	envTurnCredential = "WEBRTC_CHAT_TURN_CREDENTIAL"

	DefaultSTUNURL = "stun:stun.l.google.com:19302"
)

var (
	errNoICEURLs          = errors.New("no urls")
	errTURNNeedsUserCreds = errors.New("turn urls need a username and a credential")
)

// iceSchemes maps each accepted URL scheme to whether it needs TURN
// credentials.
var iceSchemes = map[string]bool{
	"stun":  false,
	"stuns": false,
	"turn":  true,
	"turns": true,
}

// DefaultICEServers is what a chat peer uses with no ICE configuration: one
// public STUN server, enough for peers that are not both behind symmetric NAT.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{{URLs: []string{DefaultSTUNURL}}}
}

// ICESettings holds the raw ICE options. ServersJSON, when set, replaces the
// STUN/TURN lists entirely.
type ICESettings struct {
	ServersJSON    string
	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

// Servers resolves the settings into the list handed to every peer
// connection. Nothing configured yields DefaultICEServers; an explicit "[]"
// yields no servers (host candidates only).
func (s ICESettings) Servers() ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(s.ServersJSON); raw != "" {
		servers, err := ParseICEServersJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("ice servers json: %w", err)
		}
		return servers, nil
	}

	servers, err := s.fromURLLists()
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return DefaultICEServers(), nil
	}
	return servers, nil
}

func (s ICESettings) fromURLLists() ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if stun := commaList(s.STUNURLs); len(stun) > 0 {
		server := webrtc.ICEServer{URLs: stun}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("stun urls: %w", err)
		}
		servers = append(servers, server)
	}

	if turn := commaList(s.TURNURLs); len(turn) > 0 {
		server := webrtc.ICEServer{
			URLs:     turn,
			Username: strings.TrimSpace(s.TURNUsername),
		}
		if cred := strings.TrimSpace(s.TURNCredential); cred != "" {
			server.Credential = cred
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("turn urls (set %s and %s): %w", envTurnUsername, envTurnCredential, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// iceServerDoc is the browser RTCIceServer shape; "urls" may be one string.
type iceServerDoc struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func (d iceServerDoc) urls() ([]string, error) {
	var one string
	if err := json.Unmarshal(d.URLs, &one); err == nil {
		return commaList(one), nil
	}
	var many []string
	if err := json.Unmarshal(d.URLs, &many); err != nil {
		return nil, fmt.Errorf("urls must be a string or a list of strings")
	}
	var out []string
	for _, u := range many {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

// ParseICEServersJSON reads a JSON array in the browser RTCIceServer format.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	var docs []iceServerDoc
	if err := json.Unmarshal([]byte(raw), &docs); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(docs))
	for i, doc := range docs {
		urls, err := doc.urls()
		if err != nil {
			return nil, fmt.Errorf("server %d: %w", i, err)
		}
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(doc.Username)}
		if strings.TrimSpace(doc.Credential) != "" {
			server.Credential = doc.Credential
		}
		if err := checkICEServer(server); err != nil {
			return nil, fmt.Errorf("server %d: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

func checkICEServer(server webrtc.ICEServer) error {
	if len(server.URLs) == 0 {
		return errNoICEURLs
	}
	needsCreds := false
	for _, u := range server.URLs {
		scheme, _, ok := strings.Cut(u, ":")
		turn, known := iceSchemes[strings.ToLower(scheme)]
		if !ok || !known {
			return fmt.Errorf("%q is not a stun or turn url", u)
		}
		needsCreds = needsCreds || turn
	}
	if !needsCreds {
		return nil
	}
	cred, _ := server.Credential.(string)
	if server.Username == "" || strings.TrimSpace(cred) == "" {
		return errTURNNeedsUserCreds
	}
	return nil
}

func commaList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
