package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	envVarListenAddr           = "WEBRTC_CHAT_RELAY_LISTEN_ADDR"
	envVarShutdownTimeout      = "WEBRTC_CHAT_RELAY_SHUTDOWN_TIMEOUT"
	envVarWSIdleTimeout        = "WEBRTC_CHAT_RELAY_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "WEBRTC_CHAT_RELAY_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "WEBRTC_CHAT_RELAY_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "WEBRTC_CHAT_RELAY_MAX_MESSAGES_PER_SECOND"
	envVarClientSendQueueLimit = "WEBRTC_CHAT_RELAY_CLIENT_SEND_QUEUE_LIMIT"
	envVarAllowedOrigins       = "WEBRTC_CHAT_RELAY_ALLOWED_ORIGINS"

	DefaultListenAddr           = ":8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultWSIdleTimeout        = 60 * time.Second
	DefaultWSPingInterval       = 20 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
	DefaultClientSendQueueLimit = 256
)

// Relay configures the signaling relay server.
type Relay struct {
	Logging

	ListenAddr      string
	ShutdownTimeout time.Duration

	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	MaxMessageBytes int64
	// MaxMessagesPerSecond limits inbound messages per connection. Zero
	// disables the limit.
	MaxMessagesPerSecond int
	ClientSendQueueLimit int

	// AllowedOrigins restricts browser websocket upgrades. Empty allows every
	// origin; requests without an Origin header are always allowed.
	AllowedOrigins []string
}

func LoadRelay(args []string) (Relay, error) {
	return loadRelay(os.LookupEnv, args)
}

func loadRelay(env func(string) (string, bool), args []string) (Relay, error) {
	file, err := readFile(configFilePath(env, args))
	if err != nil {
		return Relay{}, err
	}
	lookup := layered(env, file)

	fs := pflag.NewFlagSet("webrtc-chat-relay", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.String(flagConfig, "", "YAML config file (env "+envVarConfigFile+")")

	logging := loggingFlags(fs, lookup)

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Relay{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Relay{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Relay{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Relay{}, err
	}
	maxPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Relay{}, err
	}
	queueLimit, err := envIntOrDefault(lookup, envVarClientSendQueueLimit, DefaultClientSendQueueLimit)
	if err != nil {
		return Relay{}, err
	}
	allowedOrigins := envOrDefault(lookup, envVarAllowedOrigins, "")

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (env "+envVarListenAddr+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.DurationVar(&idleTimeout, "ws-idle-timeout", idleTimeout, "Close WebSocket connections idle for this long (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, "ws-ping-interval", pingInterval, "Ping interval; must be < --ws-idle-timeout (env "+envVarWSPingInterval+")")
	fs.IntVar(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxPerSecond, "max-messages-per-second", maxPerSecond, "Max inbound messages per second per connection; 0 disables (env "+envVarMaxMessagesPerSecond+")")
	fs.IntVar(&queueLimit, "client-send-queue-limit", queueLimit, "Max queued outbound messages per client (env "+envVarClientSendQueueLimit+")")
	fs.StringVar(&allowedOrigins, "allowed-origins", allowedOrigins, "Comma-separated browser origins allowed to open /ws; empty allows all (env "+envVarAllowedOrigins+")")

	if err := fs.Parse(args); err != nil {
		return Relay{}, err
	}

	logCfg, err := logging()
	if err != nil {
		return Relay{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Relay{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Relay{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if idleTimeout <= 0 {
		return Relay{}, fmt.Errorf("ws idle timeout must be > 0")
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		return Relay{}, fmt.Errorf("ws ping interval (%s) must be > 0 and < idle timeout (%s)", pingInterval, idleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Relay{}, fmt.Errorf("max message bytes must be > 0")
	}
	if maxPerSecond < 0 {
		return Relay{}, fmt.Errorf("max messages per second must be >= 0")
	}
	if queueLimit <= 0 {
		return Relay{}, fmt.Errorf("client send queue limit must be > 0")
	}
	origins, err := parseOriginList(allowedOrigins)
	if err != nil {
		return Relay{}, fmt.Errorf("allowed origins: %w", err)
	}

	return Relay{
		Logging:              logCfg,
		ListenAddr:           listenAddr,
		ShutdownTimeout:      shutdownTimeout,
		WSIdleTimeout:        idleTimeout,
		WSPingInterval:       pingInterval,
		MaxMessageBytes:      int64(maxMessageBytes),
		MaxMessagesPerSecond: maxPerSecond,
		ClientSendQueueLimit: queueLimit,
		AllowedOrigins:       origins,
	}, nil
}
