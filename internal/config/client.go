package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

const (
	envVarClientID                = "WEBRTC_CHAT_ID"
	envVarSignalingURL            = "WEBRTC_CHAT_SIGNALING_URL"
	envVarAutoAccept              = "WEBRTC_CHAT_AUTO_ACCEPT"
	envVarNegotiationTimeout      = "WEBRTC_CHAT_NEGOTIATION_TIMEOUT"
	envVarHistoryLimit            = "WEBRTC_CHAT_HISTORY_LIMIT"
	envVarReconnectMinBackoff     = "WEBRTC_CHAT_RECONNECT_MIN_BACKOFF"
	envVarReconnectMaxBackoff     = "WEBRTC_CHAT_RECONNECT_MAX_BACKOFF"
	envVarSignalingPingInterval   = "WEBRTC_CHAT_SIGNALING_PING_INTERVAL"
	envVarSignalingSendQueueLimit = "WEBRTC_CHAT_SIGNALING_SEND_QUEUE_LIMIT"

	DefaultSignalingURL            = "ws://localhost:8080/ws"
	DefaultNegotiationTimeout      = 30 * time.Second
	DefaultReconnectMinBackoff     = 500 * time.Millisecond
	DefaultReconnectMaxBackoff     = 30 * time.Second
	DefaultSignalingPingInterval   = 20 * time.Second
	DefaultSignalingSendQueueLimit = 256

	maxClientIDLength = 64
)

// Client configures the interactive chat peer.
type Client struct {
	Logging

	// ID is the identity announced to the relay.
	ID           string
	SignalingURL string

	AutoAccept bool
	// NegotiationTimeout tears down stalled negotiations. Zero disables it.
	NegotiationTimeout time.Duration
	// HistoryLimit caps the message history. Zero keeps everything.
	HistoryLimit int

	ReconnectMinBackoff     time.Duration
	ReconnectMaxBackoff     time.Duration
	SignalingPingInterval   time.Duration
	SignalingSendQueueLimit int

	WebRTC WebRTC
}

func LoadClient(args []string) (Client, error) {
	return loadClient(os.LookupEnv, args)
}

func loadClient(env func(string) (string, bool), args []string) (Client, error) {
	file, err := readFile(configFilePath(env, args))
	if err != nil {
		return Client{}, err
	}
	lookup := layered(env, file)

	fs := pflag.NewFlagSet("webrtc-chat", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.String(flagConfig, "", "YAML config file (env "+envVarConfigFile+")")

	logging := loggingFlags(fs, lookup)

	id := envOrDefault(lookup, envVarClientID, "")
	signalingURL := envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL)
	autoAccept, err := envBoolOrDefault(lookup, envVarAutoAccept, false)
	if err != nil {
		return Client{}, err
	}
	negotiationTimeout, err := envDurationOrDefault(lookup, envVarNegotiationTimeout, DefaultNegotiationTimeout)
	if err != nil {
		return Client{}, err
	}
	historyLimit, err := envIntOrDefault(lookup, envVarHistoryLimit, 0)
	if err != nil {
		return Client{}, err
	}
	minBackoff, err := envDurationOrDefault(lookup, envVarReconnectMinBackoff, DefaultReconnectMinBackoff)
	if err != nil {
		return Client{}, err
	}
	maxBackoff, err := envDurationOrDefault(lookup, envVarReconnectMaxBackoff, DefaultReconnectMaxBackoff)
	if err != nil {
		return Client{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingPingInterval, DefaultSignalingPingInterval)
	if err != nil {
		return Client{}, err
	}
	sendQueueLimit, err := envIntOrDefault(lookup, envVarSignalingSendQueueLimit, DefaultSignalingSendQueueLimit)
	if err != nil {
		return Client{}, err
	}

	webrtcFlags, err := registerWebRTCFlags(fs, lookup)
	if err != nil {
		return Client{}, err
	}

	fs.StringVar(&id, "id", id, "Local identity; random when empty (env "+envVarClientID+")")
	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling relay WebSocket URL (env "+envVarSignalingURL+")")
	fs.BoolVar(&autoAccept, "auto-accept", autoAccept, "Accept every incoming connection request (env "+envVarAutoAccept+")")
	fs.DurationVar(&negotiationTimeout, "negotiation-timeout", negotiationTimeout, "Abandon negotiations that stall for this long; 0 disables (env "+envVarNegotiationTimeout+")")
	fs.IntVar(&historyLimit, "history-limit", historyLimit, "Max chat history lines; 0 is unbounded (env "+envVarHistoryLimit+")")
	fs.DurationVar(&minBackoff, "reconnect-min-backoff", minBackoff, "Initial signaling reconnect delay (env "+envVarReconnectMinBackoff+")")
	fs.DurationVar(&maxBackoff, "reconnect-max-backoff", maxBackoff, "Max signaling reconnect delay (env "+envVarReconnectMaxBackoff+")")
	fs.DurationVar(&pingInterval, "signaling-ping-interval", pingInterval, "Ping interval on the signaling WebSocket (env "+envVarSignalingPingInterval+")")
	fs.IntVar(&sendQueueLimit, "signaling-send-queue-limit", sendQueueLimit, "Max queued outbound signaling messages (env "+envVarSignalingSendQueueLimit+")")

	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}

	logCfg, err := logging()
	if err != nil {
		return Client{}, err
	}
	rtc, err := webrtcFlags.resolve()
	if err != nil {
		return Client{}, err
	}

	id = strings.TrimSpace(id)
	if id == "" {
		id = NewClientID()
	}
	if len(id) > maxClientIDLength {
		return Client{}, fmt.Errorf("id must be at most %d characters", maxClientIDLength)
	}
	if err := validateWSURL(signalingURL); err != nil {
		return Client{}, fmt.Errorf("invalid %s/--signaling-url %q: %w", envVarSignalingURL, signalingURL, err)
	}
	if negotiationTimeout < 0 {
		return Client{}, fmt.Errorf("negotiation timeout must be >= 0")
	}
	if historyLimit < 0 {
		return Client{}, fmt.Errorf("history limit must be >= 0")
	}
	if minBackoff <= 0 || maxBackoff < minBackoff {
		return Client{}, fmt.Errorf("reconnect backoff must satisfy 0 < min (%s) <= max (%s)", minBackoff, maxBackoff)
	}
	if pingInterval <= 0 {
		return Client{}, fmt.Errorf("signaling ping interval must be > 0")
	}
	if sendQueueLimit <= 0 {
		return Client{}, fmt.Errorf("signaling send queue limit must be > 0")
	}

	return Client{
		Logging:                 logCfg,
		ID:                      id,
		SignalingURL:            signalingURL,
		AutoAccept:              autoAccept,
		NegotiationTimeout:      negotiationTimeout,
		HistoryLimit:            historyLimit,
		ReconnectMinBackoff:     minBackoff,
		ReconnectMaxBackoff:     maxBackoff,
		SignalingPingInterval:   pingInterval,
		SignalingSendQueueLimit: sendQueueLimit,
		WebRTC:                  rtc,
	}, nil
}

// NewClientID returns a short random identity such as "user_1a2b3c4d".
func NewClientID() string {
	return "user_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("scheme must be ws or wss")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}
