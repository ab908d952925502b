package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
)

const (
	envVarWebRTCUDPPortMin             = "WEBRTC_CHAT_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_CHAT_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP            = "WEBRTC_CHAT_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_CHAT_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_CHAT_NAT_1TO1_IP_CANDIDATE_TYPE"

	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
)

// recommendedWebRTCUDPPortRangeSize keeps a handful of concurrent peers from
// exhausting a tiny range.
const recommendedWebRTCUDPPortRangeSize = 16

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTC holds the peer connection settings of the chat client.
type WebRTC struct {
	ICEServers []webrtc.ICEServer

	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// OS ephemeral port selection.
	UDPPortRange *UDPPortRange

	// UDPListenIP restricts which local address ICE gathers on. 0.0.0.0 keeps
	// the library default.
	UDPListenIP net.IP

	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType
}

type webrtcFlags struct {
	ice ICESettings

	portMin           uint
	portMax           uint
	listenIP          string
	nat1To1IPs        string
	nat1To1CandidType string
}

func registerWebRTCFlags(fs *pflag.FlagSet, lookup func(string) (string, bool)) (*webrtcFlags, error) {
	f := &webrtcFlags{
		ice: ICESettings{
			ServersJSON:    envOrDefault(lookup, envICEServersJSON, ""),
			STUNURLs:       envOrDefault(lookup, envStunURLs, ""),
			TURNURLs:       envOrDefault(lookup, envTurnURLs, ""),
			TURNUsername:   envOrDefault(lookup, envTurnUsername, ""),
			TURNCredential: envOrDefault(lookup, envTurnCredential, ""),
		},
		listenIP:          envOrDefault(lookup, envVarWebRTCUDPListenIP, net.IPv4zero.String()),
		nat1To1IPs:        envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""),
		nat1To1CandidType: envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost)),
	}
	for _, p := range []struct {
		env string
		dst *uint
	}{
		{envVarWebRTCUDPPortMin, &f.portMin},
		{envVarWebRTCUDPPortMax, &f.portMax},
	} {
		if raw, ok := lookup(p.env); ok && strings.TrimSpace(raw) != "" {
			port, err := parsePortString(raw)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", p.env, err)
			}
			*p.dst = uint(port)
		}
	}

	fs.StringVar(&f.ice.ServersJSON, "ice-servers-json", f.ice.ServersJSON, "ICE servers as a JSON array of RTCIceServer objects (env "+envICEServersJSON+")")
	fs.StringVar(&f.ice.STUNURLs, "stun-urls", f.ice.STUNURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&f.ice.TURNURLs, "turn-urls", f.ice.TURNURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&f.ice.TURNUsername, "turn-username", f.ice.TURNUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&f.ice.TURNCredential, "turn-credential", f.ice.TURNCredential, "TURN credential (env "+envTurnCredential+")")
	fs.UintVar(&f.portMin, flagWebRTCUDPPortMin, f.portMin, "Min UDP port for ICE (env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&f.portMax, flagWebRTCUDPPortMax, f.portMax, "Max UDP port for ICE (env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&f.listenIP, flagWebRTCUDPListenIP, f.listenIP, "Local IP ICE binds to; 0.0.0.0 for all (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&f.nat1To1IPs, flagWebRTCNAT1To1IPs, f.nat1To1IPs, "Comma-separated public IPs to advertise for ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&f.nat1To1CandidType, flagWebRTCNAT1To1IPCandidateType, f.nat1To1CandidType, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")
	return f, nil
}

func (f *webrtcFlags) resolve() (WebRTC, error) {
	iceServers, err := f.ice.Servers()
	if err != nil {
		return WebRTC{}, err
	}

	var portRange *UDPPortRange
	if f.portMin != 0 || f.portMax != 0 {
		if f.portMin == 0 || f.portMax == 0 {
			return WebRTC{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(f.portMin)
		if err != nil {
			return WebRTC{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(f.portMax)
		if err != nil {
			return WebRTC{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return WebRTC{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		if size := int(max) - int(min) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return WebRTC{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d)", size, recommendedWebRTCUDPPortRangeSize)
		}
		portRange = &UDPPortRange{Min: min, Max: max}
	}

	listenIP := net.ParseIP(strings.TrimSpace(f.listenIP))
	if listenIP == nil {
		return WebRTC{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, f.listenIP)
	}

	var natIPs []string
	if strings.TrimSpace(f.nat1To1IPs) != "" {
		ips, err := parseIPList(f.nat1To1IPs)
		if err != nil {
			return WebRTC{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, f.nat1To1IPs, err)
		}
		natIPs = ips
	}
	candidateType, err := parseCandidateType(f.nat1To1CandidType)
	if err != nil {
		return WebRTC{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, f.nat1To1CandidType, err)
	}

	return WebRTC{
		ICEServers:             iceServers,
		UDPPortRange:           portRange,
		UDPListenIP:            listenIP,
		NAT1To1IPs:             natIPs,
		NAT1To1IPCandidateType: candidateType,
	}, nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("expected host or srflx")
	}
}
