package security

import (
	"fmt"
	"net"
	"strings"
)

// AllowList holds the CIDR ranges permitted to open connections.
// An empty list allows every address.
type AllowList struct {
	nets []*net.IPNet
}

// ParseAllowList parses CIDRs or bare IPs. Bare IPs become /32 or /128.
func ParseAllowList(entries []string) (*AllowList, error) {
	al := &AllowList{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid address %q", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			al.nets = append(al.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid network %q: %w", e, err)
		}
		al.nets = append(al.nets, n)
	}
	return al, nil
}

// Empty reports whether the list places no restriction.
func (al *AllowList) Empty() bool {
	return al == nil || len(al.nets) == 0
}

// Allows reports whether addr (host:port or bare host) is permitted.
func (al *AllowList) Allows(addr string) bool {
	if al.Empty() {
		return true
	}
	ip := net.ParseIP(ExtractClientIP(addr))
	if ip == nil {
		return false
	}
	for _, n := range al.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
