// Package exchange pulls sketch bundles from peer hosts and serves the local one.
//
// The client side runs synchronously on the ingest path when an inbound network edge
// is observed: it connects to the peer named by the network vertex's destination host,
// asks for its bundle and folds the result into the local registry. The server side
// answers the same request for peers.
//
// Cycle avoidance:
//
//	A bundle received from host R may carry matrices R collected from other hosts,
//	including the requester's own. Those are dropped before anything is written, so a
//	host never stores its own matrix as remote data. Longer cycles (A → B → C → A) are
//	not detected; they are harmless because sketches only ever grow by union.
//
// Example:
//
//	client := exchange.NewClient(exchange.DefaultConfig(), exchange.NewTLSDialer(tlsCfg),
//		reg, sketch.DefaultParams())
//	entry, err := client.Exchange(ctx, netVertex)
//	if err != nil {
//		return // registry untouched
//	}
//	peerSketch, ok := entry.AncestorsOf(netVertex.Identity())
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/orneryd/lineagesketch/pkg/metrics"
	"github.com/orneryd/lineagesketch/pkg/provenance"
	"github.com/orneryd/lineagesketch/pkg/registry"
	"github.com/orneryd/lineagesketch/pkg/sketch"
	"github.com/orneryd/lineagesketch/pkg/wire"
)

// DefaultPort is the sketch service port.
const DefaultPort = 9099

// DefaultTimeout bounds one exchange end to end.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTransport covers connect, read and write failures.
	ErrTransport = errors.New("sketch transport failure")
	// ErrInvalidVertex is returned for vertices that cannot name a peer.
	ErrInvalidVertex = errors.New("vertex does not identify a remote host")

	// ErrDeserialization is returned for malformed peer payloads.
	ErrDeserialization = wire.ErrDeserialization
	// ErrProtocol is returned when the peer breaks the message sequence.
	ErrProtocol = wire.ErrProtocol
)

// Config configures the client.
type Config struct {
	Port           int
	Timeout        time.Duration
	MaxMessageSize int
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		Timeout:        DefaultTimeout,
		MaxMessageSize: wire.DefaultMaxMessageSize,
	}
}

// Client fetches bundles from peers and stores them in a registry.
type Client struct {
	cfg      Config
	dialer   Dialer
	registry *registry.Registry
	params   sketch.Params
	metrics  *metrics.Metrics
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientMetrics records exchange outcomes on m.
func WithClientMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client. params must be the parameters of the local matrix;
// peers using other parameters are rejected.
func NewClient(cfg Config, dialer Dialer, reg *registry.Registry, params sketch.Params, opts ...ClientOption) *Client {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = wire.DefaultMaxMessageSize
	}
	c := &Client{
		cfg:      cfg,
		dialer:   dialer,
		registry: reg,
		params:   sketch.NewMatrix(params).Params(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exchange refreshes the registry entry for the vertex's destination host and returns
// it. With the freshness policy enabled a fresh entry is returned without any I/O.
// On error the registry is unchanged.
func (c *Client) Exchange(ctx context.Context, v *provenance.Vertex) (*registry.Entry, error) {
	remoteHost := v.DestinationHost()
	localHost := v.SourceHost()
	if remoteHost == "" {
		return nil, ErrInvalidVertex
	}

	if c.registry.Fresh(remoteHost) {
		entry, _ := c.registry.Get(remoteHost)
		c.metrics.ExchangeDone(metrics.OutcomeCacheHit, 0)
		return entry, nil
	}

	start := time.Now()
	bundle, err := c.Fetch(ctx, remoteHost)
	if err != nil {
		c.metrics.ExchangeDone(metrics.OutcomeFailed, time.Since(start))
		return nil, err
	}

	// Drop our own matrix, and the peer's relayed copy of itself in favour of the one
	// it just sent.
	peers := bundle.Without(localHost, remoteHost)
	c.registry.Put(remoteHost, bundle.Matrix, peers)
	c.registry.PutAll(peers, localHost, remoteHost)

	c.metrics.ExchangeDone(metrics.OutcomeOK, time.Since(start))
	c.metrics.SetRegistryHosts(c.registry.Len())

	entry, _ := c.registry.Get(remoteHost)
	return entry, nil
}

// Fetch retrieves host's bundle without touching the registry.
func (c *Client) Fetch(ctx context.Context, host string) (*sketch.Bundle, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(c.cfg.Port))
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
	defer stop()

	bundle, err := c.fetch(wire.NewConn(conn, c.cfg.MaxMessageSize), host)
	if err != nil {
		return nil, classify(addr, err)
	}
	return bundle, nil
}

func (c *Client) fetch(wc *wire.Conn, host string) (*sketch.Bundle, error) {
	if _, err := wc.ClientHandshake(); err != nil {
		return nil, err
	}
	if err := wc.WriteMessage(wire.MsgGiveSketch, nil); err != nil {
		return nil, err
	}

	msg, err := wc.Expect(wire.MsgMatrix)
	if err != nil {
		return nil, err
	}
	matrix, err := wire.DecodeMatrix(msg.Payload, c.params)
	if err != nil {
		return nil, err
	}

	msg, err = wc.Expect(wire.MsgBundle)
	if err != nil {
		return nil, err
	}
	peers, err := wire.DecodeBundle(msg.Payload, c.params)
	if err != nil {
		return nil, err
	}

	// The payload is already in hand, so a failed CLOSE does not void the exchange.
	if err := wc.WriteMessage(wire.MsgClose, nil); err != nil {
		log.Printf("[exchange] close to %s failed: %v", host, err)
	}

	return &sketch.Bundle{Host: host, Matrix: matrix, Peers: peers}, nil
}

// classify keeps protocol and payload errors as they are and files everything else
// under ErrTransport.
func classify(addr string, err error) error {
	if errors.Is(err, ErrDeserialization) || errors.Is(err, ErrProtocol) {
		return fmt.Errorf("exchange with %s: %w", addr, err)
	}
	return fmt.Errorf("%w: exchange with %s: %v", ErrTransport, addr, err)
}
