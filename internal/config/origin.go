package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeOrigin validates a browser Origin value and returns it as
// scheme://host[:port] with a lowercase scheme and host and default ports
// dropped. "null" is returned as-is.
func NormalizeOrigin(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}
	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}

	if rawPort := u.Port(); rawPort != "" {
		port, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || port == 0 {
			return "", false
		}
		if !(scheme == "http" && port == 80) && !(scheme == "https" && port == 443) {
			host = net.JoinHostPort(hostname, rawPort)
		}
	} else if strings.HasSuffix(u.Host, ":") {
		return "", false
	}
	return scheme + "://" + host, true
}

// parseOriginList splits a comma-separated allow-list. Entries are "*" or
// origins accepted by NormalizeOrigin.
func parseOriginList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == "*" {
			out = append(out, raw)
			continue
		}
		normalized, ok := NormalizeOrigin(raw)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q", raw)
		}
		out = append(out, normalized)
	}
	return out, nil
}
