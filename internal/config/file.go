package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileKeys maps config file keys onto the env vars they stand in for. A file
// value only applies when the env var is unset, and flags override both.
var fileKeys = map[string]string{
	"mode":       envVarMode,
	"log_format": envVarLogFormat,
	"log_level":  envVarLogLevel,

	"ice_servers":                       envICEServersJSON,
	"stun_urls":                         envStunURLs,
	"turn_urls":                         envTurnURLs,
	"turn_username":                     envTurnUsername,
	"turn_credential":                   envTurnCredential,
	"webrtc_udp_port_min":               envVarWebRTCUDPPortMin,
	"webrtc_udp_port_max":               envVarWebRTCUDPPortMax,
	"webrtc_udp_listen_ip":              envVarWebRTCUDPListenIP,
	"webrtc_nat_1to1_ips":               envVarWebRTCNAT1To1IPs,
	"webrtc_nat_1to1_ip_candidate_type": envVarWebRTCNAT1To1IPCandidateType,

	"id":                         envVarClientID,
	"signaling_url":              envVarSignalingURL,
	"auto_accept":                envVarAutoAccept,
	"negotiation_timeout":        envVarNegotiationTimeout,
	"history_limit":              envVarHistoryLimit,
	"reconnect_min_backoff":      envVarReconnectMinBackoff,
	"reconnect_max_backoff":      envVarReconnectMaxBackoff,
	"signaling_ping_interval":    envVarSignalingPingInterval,
	"signaling_send_queue_limit": envVarSignalingSendQueueLimit,

	"listen_addr":             envVarListenAddr,
	"shutdown_timeout":        envVarShutdownTimeout,
	"ws_idle_timeout":         envVarWSIdleTimeout,
	"ws_ping_interval":        envVarWSPingInterval,
	"max_message_bytes":       envVarMaxMessageBytes,
	"max_messages_per_second": envVarMaxMessagesPerSecond,
	"client_send_queue_limit": envVarClientSendQueueLimit,
	"allowed_origins":         envVarAllowedOrigins,
}

// readFile loads a YAML config file into env-var keyed values.
func readFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parseFile(b)
}

func parseFile(b []byte) (map[string]string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	out := make(map[string]string, len(raw))
	var unknown []string
	for key, value := range raw {
		env, ok := fileKeys[key]
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		s, err := fileValueString(key, value)
		if err != nil {
			return nil, err
		}
		out[env] = s
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config file: unknown keys %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func fileValueString(key string, value any) (string, error) {
	if key == "ice_servers" {
		b, err := json.Marshal(value)
		if err != nil {
			return "", fmt.Errorf("config file: %s: %w", key, err)
		}
		return string(b), nil
	}
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool, int, int64, uint64, float64:
		return fmt.Sprint(v), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("config file: %s: list entries must be strings", key)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("config file: %s: unsupported value type %T", key, value)
	}
}
