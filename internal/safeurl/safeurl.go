// Package safeurl rejects outbound URLs that point at private or link-local
// network space. It is applied before any HTTP request driven by a
// user-supplied URL: router tests, router LLM selection, provider base URLs,
// and media downloads. Hostnames are additionally resolved and checked so a
// DNS name cannot smuggle in a private address (rebinding defence).
package safeurl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrBlocked is wrapped by every rejection so callers can classify.
var ErrBlocked = errors.New("URL points at a blocked network location")

// lookupTimeout bounds the rebinding-defence DNS query. Timeouts are treated
// as non-private so flaky DNS does not produce false rejections.
const lookupTimeout = 3 * time.Second

// Resolver is the DNS dependency, satisfied by *net.Resolver.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Checker validates URLs against the private-network policy.
type Checker struct {
	resolver Resolver
}

// NewChecker returns a Checker using the default system resolver.
func NewChecker() *Checker {
	return &Checker{resolver: net.DefaultResolver}
}

// NewCheckerWithResolver returns a Checker with a custom resolver (tests).
func NewCheckerWithResolver(r Resolver) *Checker {
	return &Checker{resolver: r}
}

// Check parses and validates a raw URL. It returns an error wrapping
// ErrBlocked when the URL must not be fetched.
func (c *Checker) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("scheme %q: %w", u.Scheme, ErrBlocked)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("empty host: %w", ErrBlocked)
	}

	if blockedHostname(host) {
		return fmt.Errorf("host %q: %w", host, ErrBlocked)
	}

	// Literal addresses, including octal/hex dotted encodings, are decided
	// without DNS.
	if ip, ok := parseIPLiteral(host); ok {
		if privateAddr(ip) {
			return fmt.Errorf("address %s: %w", host, ErrBlocked)
		}
		return nil
	}

	// Hostname: resolve and reject if any answer is private.
	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	addrs, err := c.resolver.LookupIPAddr(lookupCtx, host)
	if err != nil {
		// Resolution failure (including timeout) is not evidence of a private
		// target; the subsequent dial will fail on its own if the name is bad.
		return nil
	}
	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		if privateAddr(ip.Unmap()) {
			return fmt.Errorf("host %q resolves to %s: %w", host, a.IP, ErrBlocked)
		}
	}
	return nil
}

// blockedHostname rejects names that are private regardless of resolution.
func blockedHostname(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "0.0.0.0", "::1":
		return true
	}
	return strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal")
}

// parseIPLiteral interprets host as an IP literal. Beyond the standard forms
// it decodes dotted quads with octal (0177) or hex (0x7f) octets and plain
// integer hosts, which some HTTP stacks accept and naive filters miss.
func parseIPLiteral(host string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, true
	}

	// Dotted form with possibly octal/hex octets.
	parts := strings.Split(host, ".")
	if len(parts) == 4 {
		var octets [4]byte
		for i, p := range parts {
			n, ok := parseOctet(p)
			if !ok {
				return netip.Addr{}, false
			}
			octets[i] = n
		}
		return netip.AddrFrom4(octets), true
	}

	// Single-integer host (e.g. 2130706433 for 127.0.0.1).
	if n, err := strconv.ParseUint(host, 0, 32); err == nil {
		var octets [4]byte
		octets[0] = byte(n >> 24)
		octets[1] = byte(n >> 16)
		octets[2] = byte(n >> 8)
		octets[3] = byte(n)
		return netip.AddrFrom4(octets), true
	}

	return netip.Addr{}, false
}

// parseOctet parses one dotted-quad component in decimal, octal (leading 0)
// or hex (leading 0x).
func parseOctet(s string) (byte, bool) {
	if s == "" {
		return 0, false
	}
	var n uint64
	var err error
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		n, err = strconv.ParseUint(s[2:], 16, 16)
	case len(s) > 1 && s[0] == '0':
		n, err = strconv.ParseUint(s[1:], 8, 16)
	default:
		n, err = strconv.ParseUint(s, 10, 16)
	}
	if err != nil || n > 255 {
		return 0, false
	}
	return byte(n), true
}

// Private IPv4 ranges, including carrier-grade NAT, link-local, multicast and
// reserved space. 169.254.169.254 (cloud metadata) falls inside 169.254/16.
var privateV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
}

// privateAddr reports whether ip must not be dialled. IPv6 policy is
// default-reject: only IPv4-mapped addresses that decode to a public IPv4 are
// allowed through.
func privateAddr(ip netip.Addr) bool {
	if ip.Is4In6() {
		return privateAddr(ip.Unmap())
	}
	if ip.Is4() {
		for _, p := range privateV4 {
			if p.Contains(ip) {
				return true
			}
		}
		return false
	}
	// Raw IPv6. Unspecified, loopback, ULA (fc00::/7) and link-local
	// (fe80::/10) are all private; everything else is rejected too because no
	// provider endpoint we call is IPv6-only.
	return true
}
