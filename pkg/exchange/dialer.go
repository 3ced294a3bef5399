package exchange

import (
	"context"
	"crypto/tls"
	"net"
)

// Dialer opens the byte stream to a peer's sketch port.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewTLSDialer returns a Dialer that performs a TLS handshake with cfg on every
// connection. When cfg has no ServerName the dialed host is verified.
func NewTLSDialer(cfg *tls.Config) Dialer {
	return &tls.Dialer{Config: cfg}
}

// PlainDialer dials unencrypted TCP. It exists for tests and loopback tooling; hosts
// exchanging real sketches use NewTLSDialer.
type PlainDialer struct{}

// DialContext implements Dialer.
func (PlainDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}
