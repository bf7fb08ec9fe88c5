// Package netguard validates upstream URLs and resolved addresses before any
// outbound dial. Base URLs are checked at admin write time and again on every
// attempt: an upstream edited to point at a private address is rejected at
// request time, not just at creation.
package netguard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	gateway "github.com/tollgatehq/tollgate/internal"
)

// Resolver is the subset of net.Resolver the validator needs. Resolution is
// performed fresh per call; cached answers must not be trusted here.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator rejects URLs whose host is, or resolves to, a blocked address.
type Validator struct {
	resolver Resolver
}

// New returns a Validator. A nil resolver falls back to net.DefaultResolver.
func New(resolver Resolver) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{resolver: resolver}
}

// ValidateURL checks the scheme and host of rawURL. Hostnames are resolved
// (A and AAAA) and every returned address must pass; a single blocked record
// fails the whole host.
func (v *Validator) ValidateURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrInvalidBaseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", gateway.ErrInvalidBaseURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", gateway.ErrInvalidBaseURL)
	}
	return v.validateHost(ctx, host)
}

func (v *Validator) validateHost(ctx context.Context, host string) error {
	if isLocalhostName(host) {
		return fmt.Errorf("%w: %q is a local hostname", gateway.ErrInvalidBaseURL, host)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		if reason := blockedAddr(ip); reason != "" {
			return fmt.Errorf("%w: address %s is %s", gateway.ErrInvalidBaseURL, ip, reason)
		}
		return nil
	}

	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: resolving %q: %v", gateway.ErrInvalidBaseURL, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %q resolved to no addresses", gateway.ErrInvalidBaseURL, host)
	}
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			return fmt.Errorf("%w: %q resolved to unparseable address", gateway.ErrInvalidBaseURL, host)
		}
		// Resolvers hand back A records as 16-byte slices; unmap so v4
		// answers are judged against the v4 ranges. The mapped-form
		// rejection applies only to literal addresses in the URL.
		ip = ip.Unmap()
		if reason := blockedAddr(ip); reason != "" {
			return fmt.Errorf("%w: %q resolves to %s (%s)", gateway.ErrInvalidBaseURL, host, ip, reason)
		}
	}
	return nil
}

// CheckDialAddr guards the transport dialer. address is the host:port handed
// to DialContext after resolution, so host is an IP literal here. This closes
// the window between the per-attempt resolve check and the actual dial.
func (v *Validator) CheckDialAddr(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		// Not an IP literal; the dialer resolves next, and the resolved
		// connection address is checked by the per-attempt URL validation.
		return nil
	}
	if reason := blockedAddr(ip); reason != "" {
		return fmt.Errorf("%w: dial to %s blocked (%s)", gateway.ErrInvalidBaseURL, ip, reason)
	}
	return nil
}

func isLocalhostName(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	return h == "localhost" || strings.HasSuffix(h, ".localhost")
}

// blockedAddr returns a short reason when ip falls in a forbidden range,
// or "" when the address is routable.
func blockedAddr(ip netip.Addr) string {
	// IPv4-mapped (::ffff:a.b.c.d) and IPv4-compatible (::a.b.c.d) forms
	// smuggle v4 addresses past v6 checks; both are rejected outright.
	if ip.Is4In6() {
		return "ipv4-mapped ipv6"
	}
	if ip.Is6() && isV4Compatible(ip) {
		return "ipv4-compatible ipv6"
	}
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate():
		return "private"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsMulticast():
		return "multicast"
	case ip.IsUnspecified():
		return "unspecified"
	}
	return ""
}

// isV4Compatible reports whether ip is in ::/96 excluding :: and ::1.
func isV4Compatible(ip netip.Addr) bool {
	b := ip.As16()
	for _, x := range b[:12] {
		if x != 0 {
			return false
		}
	}
	// ::  and ::1 are caught by IsUnspecified / IsLoopback; anything else
	// with a zero 96-bit prefix embeds an IPv4 address.
	return !ip.IsUnspecified() && !ip.IsLoopback()
}
