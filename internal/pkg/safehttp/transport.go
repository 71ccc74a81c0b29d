// Package safehttp builds HTTP clients for calls to public third-party APIs.
package safehttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

const dialTimeout = 5 * time.Second

// CheckIP rejects loopback, private and link-local addresses.
func CheckIP(ip net.IP) error {
	if ip == nil {
		return fmt.Errorf("invalid remote address")
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return fmt.Errorf("access to private IP %s is denied", ip)
	}
	return nil
}

// NewTransport returns a transport that refuses to connect to non-public
// addresses. The check runs on the resolved peer, after DNS.
func NewTransport() *http.Transport {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: dialTimeout}
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if err := CheckIP(net.ParseIP(host)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		return conn, nil
	}
	return base
}

// NewClient returns a client over NewTransport.
func NewClient(timeout time.Duration) *http.Client {
	return &http.Client{Transport: NewTransport(), Timeout: timeout}
}
