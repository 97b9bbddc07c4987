package research

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// blockedURLError is returned for URLs the reader refuses to fetch.
type blockedURLError struct {
	URL    string
	Reason string
}

func (e *blockedURLError) Error() string {
	return fmt.Sprintf("blocked url %q: %s", e.URL, e.Reason)
}

var (
	blockedHostSuffixes = []string{".localhost", ".local", ".internal", ".lan", ".home.arpa", ".corp"}

	// Ranges not covered by netip's IsPrivate/IsLoopback family.
	blockedPrefixes = []netip.Prefix{
		netip.MustParsePrefix("0.0.0.0/8"),
		netip.MustParsePrefix("100.64.0.0/10"),
		netip.MustParsePrefix("192.0.0.0/24"),
		netip.MustParsePrefix("198.18.0.0/15"),
		netip.MustParsePrefix("fc00::/7"),
		netip.MustParsePrefix("64:ff9b::/96"),
	}
)

// checkFetchURL accepts public http(s) URLs on the default ports. It does not
// resolve hostnames; the guarded dialer checks resolved addresses.
func checkFetchURL(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, &blockedURLError{URL: trimmed, Reason: "unparseable"}
	}
	switch parsed.Scheme {
	case "http", "https":
	default:
		return nil, &blockedURLError{URL: trimmed, Reason: "scheme " + strconv.Quote(parsed.Scheme)}
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return nil, &blockedURLError{URL: trimmed, Reason: "missing host"}
	}
	if port := parsed.Port(); port != "" && port != "80" && port != "443" {
		return nil, &blockedURLError{URL: trimmed, Reason: "port " + port}
	}
	if reason := blockedHostReason(host); reason != "" {
		return nil, &blockedURLError{URL: trimmed, Reason: reason}
	}
	return parsed, nil
}

// fetchableURL reports whether a search candidate may become a source.
func fetchableURL(rawURL string) bool {
	_, err := checkFetchURL(rawURL)
	return err == nil
}

func blockedHostReason(host string) string {
	if host == "localhost" {
		return "local host"
	}
	for _, suffix := range blockedHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return "non-public suffix " + suffix
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil && !isPublicAddr(addr) {
		return "non-public address"
	}
	return ""
}

func isPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsUnspecified() || addr.IsLoopback() || addr.IsPrivate() {
		return false
	}
	if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return false
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return false
		}
	}
	return true
}

// guardedDialer resolves the target itself and dials only public addresses,
// so a hostname cannot be rebound to an internal address between check and
// connect.
func guardedDialer(base *net.Dialer) func(ctx context.Context, network, address string) (net.Conn, error) {
	if base == nil {
		base = &net.Dialer{}
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(address)
		if err != nil {
			return nil, err
		}
		if reason := blockedHostReason(strings.ToLower(host)); reason != "" {
			return nil, &blockedURLError{URL: address, Reason: reason}
		}

		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, addr := range addrs {
			if !isPublicAddr(addr) {
				return nil, &blockedURLError{URL: address, Reason: "resolves to non-public address"}
			}
		}
		for _, addr := range addrs {
			conn, err := base.DialContext(ctx, network, net.JoinHostPort(addr.Unmap().String(), port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = errors.New("no addresses for " + host)
		}
		return nil, lastErr
	}
}
