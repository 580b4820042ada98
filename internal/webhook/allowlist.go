package webhook

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// IPAllowList matches source addresses against exact IPs, CIDR ranges or the
// "*" wildcard
type IPAllowList struct {
	any   bool
	ips   map[string]struct{}
	cidrs []*net.IPNet
}

// NewIPAllowList parses entries. An empty list allows nothing.
func NewIPAllowList(entries []string) (*IPAllowList, error) {
	l := &IPAllowList{ips: make(map[string]struct{})}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case entry == "*":
			l.any = true
		case strings.Contains(entry, "/"):
			_, network, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			l.cidrs = append(l.cidrs, network)
		default:
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP %q", entry)
			}
			l.ips[ip.String()] = struct{}{}
		}
	}
	return l, nil
}

// Allows reports whether ip is on the list
func (l *IPAllowList) Allows(ip string) bool {
	if l == nil {
		return false
	}
	if l.any {
		return true
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	if _, ok := l.ips[parsed.String()]; ok {
		return true
	}
	for _, network := range l.cidrs {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller's address. X-Forwarded-For and X-Real-IP are
// only consulted when trustProxy is set.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
