package attachments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"syscall"
	"time"
)

// ErrBlockedAddress is returned when an attachment URL points at a private,
// loopback or link-local address.
var ErrBlockedAddress = errors.New("attachment address is not public")

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

var blockedSuffixes = []string{".localhost", ".local", ".internal"}

// 100.64.0.0/10 is carrier-grade NAT; netip has no predicate for it.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// blockedHost reports whether hostname is local by name alone.
func blockedHost(hostname string) bool {
	h := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
	if blockedHostnames[h] {
		return true
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

// blockedIP reports whether addr is not reachable on the public internet.
func blockedIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	return !addr.IsValid() ||
		addr.IsUnspecified() ||
		addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		(addr.Is4() && addr.As4()[0] == 0) ||
		sharedAddressSpace.Contains(addr)
}

// publicDialControl rejects connections to non-public addresses after DNS
// resolution, so rebinding a public name to a private address is caught.
func publicDialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
	}
	if blockedIP(addr) {
		return fmt.Errorf("%w: %s", ErrBlockedAddress, addr)
	}
	return nil
}

// publicHTTPClient only connects to public addresses and refuses to follow
// redirects to blocked host names.
func publicHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: publicDialControl,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err == nil && blockedHost(host) {
			return nil, fmt.Errorf("%w: %s", ErrBlockedAddress, host)
		}
		return dialer.DialContext(ctx, network, addr)
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			if blockedHost(req.URL.Hostname()) {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, req.URL.Hostname())
			}
			return nil
		},
	}
}
