package exchange

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/lineagesketch/pkg/provenance"
	"github.com/orneryd/lineagesketch/pkg/registry"
	"github.com/orneryd/lineagesketch/pkg/sketch"
	"github.com/orneryd/lineagesketch/pkg/tlsconf"
	"github.com/orneryd/lineagesketch/pkg/tlsconf/tlstest"
	"github.com/orneryd/lineagesketch/pkg/wire"
)

const (
	localHost = "10.0.0.1"
	peerHost  = "127.0.0.1"
)

func inboundVertex() *provenance.Vertex {
	return provenance.NewVertex(map[string]string{
		provenance.KeyNetwork:         "true",
		provenance.KeySourceHost:      localHost,
		provenance.KeySourcePort:      "41234",
		provenance.KeyDestinationHost: peerHost,
		provenance.KeyDestinationPort: "9099",
	})
}

func matrixWith(pairs ...string) *sketch.Matrix {
	m := sketch.NewMatrix(sketch.DefaultParams())
	for i := 0; i+1 < len(pairs); i += 2 {
		m.Add(pairs[i], pairs[i+1])
	}
	return m
}

// startServer serves on a loopback port and returns the port.
func startServer(t *testing.T, srv *Server) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		srv.Close()
		assert.NoError(t, <-done)
	})
	return ln.Addr().(*net.TCPAddr).Port
}

// fakePeer accepts one connection and hands it to fn after the handshake.
func fakePeer(t *testing.T, fn func(wc *wire.Conn)) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		wc := wire.NewConn(conn, 0)
		if _, err := wc.ServerHandshake(); err != nil {
			return
		}
		if _, err := wc.Expect(wire.MsgGiveSketch); err != nil {
			return
		}
		fn(wc)
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func newTestClient(port int, reg *registry.Registry) *Client {
	cfg := DefaultConfig()
	cfg.Port = port
	cfg.Timeout = 2 * time.Second
	return NewClient(cfg, PlainDialer{}, reg, sketch.DefaultParams())
}

type countingDialer struct {
	calls atomic.Int32
	err   error
}

func (d *countingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.calls.Add(1)
	return nil, d.err
}

// =============================================================================
// Client Exchange Tests
// =============================================================================

func TestExchange_Success(t *testing.T) {
	peerRegistry := registry.New(registry.Policy{})
	peerRegistry.Put(localHost, matrixWith("mine", "reflected"), nil)
	peerRegistry.Put("10.0.0.3", matrixWith("third", "t1"), nil)
	peerRegistry.Put(peerHost, matrixWith("n", "stale"), nil)

	srv := NewServer(ServerConfig{}, matrixWith("n", "a1", "n", "a2"), peerRegistry)
	port := startServer(t, srv)

	reg := registry.New(registry.Policy{})
	entry, err := newTestClient(port, reg).Exchange(context.Background(), inboundVertex())
	require.NoError(t, err)

	assert.Equal(t, peerHost, entry.Host)
	s, ok := entry.AncestorsOf("n")
	require.True(t, ok)
	assert.True(t, s.MayContain("a1"))
	assert.True(t, s.MayContain("a2"))

	assert.ElementsMatch(t, []string{"10.0.0.3", peerHost}, reg.Hosts())
	assert.NotContains(t, entry.Peers, localHost)
	assert.NotContains(t, entry.Peers, peerHost)
	third, ok := reg.Get("10.0.0.3")
	require.True(t, ok)
	assert.True(t, third.Matrix.MayBeAncestor("third", "t1"))
}

func TestExchange_NeverStoresLocalHost(t *testing.T) {
	// Every host the peer relays, including us, shows up in its bundle.
	peerRegistry := registry.New(registry.Policy{})
	for _, h := range []string{localHost, "10.0.0.3", "10.0.0.4"} {
		peerRegistry.Put(h, matrixWith("x", h), nil)
	}
	port := startServer(t, NewServer(ServerConfig{}, matrixWith(), peerRegistry))

	reg := registry.New(registry.Policy{})
	client := newTestClient(port, reg)
	for i := 0; i < 3; i++ {
		_, err := client.Exchange(context.Background(), inboundVertex())
		require.NoError(t, err)
		_, ok := reg.Get(localHost)
		assert.False(t, ok, "local host entry must never be stored")
	}
}

func TestExchange_TransportFailureLeavesRegistry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	reg := registry.New(registry.Policy{})
	reg.Put("10.0.0.9", matrixWith("n", "keep"), nil)

	entry, err := newTestClient(port, reg).Exchange(context.Background(), inboundVertex())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Nil(t, entry)
	assert.Equal(t, []string{"10.0.0.9"}, reg.Hosts())
}

func TestExchange_CacheHitSkipsNetwork(t *testing.T) {
	reg := registry.New(registry.Policy{Enabled: true})
	reg.Put(peerHost, matrixWith("n", "cached"), nil)

	dialer := &countingDialer{err: errors.New("must not dial")}
	client := NewClient(DefaultConfig(), dialer, reg, sketch.DefaultParams())

	entry, err := client.Exchange(context.Background(), inboundVertex())
	require.NoError(t, err)
	assert.True(t, entry.Matrix.MayBeAncestor("n", "cached"))
	assert.Equal(t, int32(0), dialer.calls.Load())
}

func TestExchange_CacheDisabledAlwaysDials(t *testing.T) {
	reg := registry.New(registry.Policy{Enabled: false})
	reg.Put(peerHost, matrixWith("n", "cached"), nil)

	dialer := &countingDialer{err: errors.New("refused")}
	client := NewClient(DefaultConfig(), dialer, reg, sketch.DefaultParams())

	_, err := client.Exchange(context.Background(), inboundVertex())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, int32(1), dialer.calls.Load())

	e, _ := reg.Get(peerHost)
	assert.True(t, e.Matrix.MayBeAncestor("n", "cached"), "failed exchange keeps previous entry")
}

func TestExchange_InvalidVertex(t *testing.T) {
	client := NewClient(DefaultConfig(), &countingDialer{}, registry.New(registry.Policy{}), sketch.DefaultParams())
	_, err := client.Exchange(context.Background(), provenance.NewVertex(map[string]string{provenance.KeyNetwork: "true"}))
	assert.ErrorIs(t, err, ErrInvalidVertex)
}

func TestExchange_MalformedPayload(t *testing.T) {
	port := fakePeer(t, func(wc *wire.Conn) {
		wc.WriteMessage(wire.MsgMatrix, []byte("definitely not a sealed payload, but long enough to be checked"))
	})

	reg := registry.New(registry.Policy{})
	_, err := newTestClient(port, reg).Exchange(context.Background(), inboundVertex())
	assert.ErrorIs(t, err, ErrDeserialization)
	assert.Equal(t, 0, reg.Len())
}

func TestExchange_ParameterMismatch(t *testing.T) {
	other := sketch.NewMatrix(sketch.Params{FalsePositiveProbability: 0.01, ExpectedSize: 500})
	other.Add("n", "a")
	port := startServer(t, NewServer(ServerConfig{}, other, registry.New(registry.Policy{})))

	reg := registry.New(registry.Policy{})
	_, err := newTestClient(port, reg).Exchange(context.Background(), inboundVertex())
	assert.ErrorIs(t, err, ErrDeserialization)
	assert.ErrorIs(t, err, sketch.ErrConfigurationMismatch)
	assert.Equal(t, 0, reg.Len())
}

func TestExchange_PeerFailure(t *testing.T) {
	port := fakePeer(t, func(wc *wire.Conn) {
		wc.WriteFailure("not today")
	})

	_, err := newTestClient(port, registry.New(registry.Policy{})).Exchange(context.Background(), inboundVertex())
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "not today")
}

func TestExchange_StalledPeerTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	port := fakePeer(t, func(wc *wire.Conn) {
		<-release
	})

	cfg := DefaultConfig()
	cfg.Port = port
	cfg.Timeout = 200 * time.Millisecond
	reg := registry.New(registry.Policy{})
	client := NewClient(cfg, PlainDialer{}, reg, sketch.DefaultParams())

	start := time.Now()
	_, err := client.Exchange(context.Background(), inboundVertex())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, reg.Len())
}

func TestExchange_ContextCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	port := fakePeer(t, func(wc *wire.Conn) {
		<-release
	})

	cfg := DefaultConfig()
	cfg.Port = port
	cfg.Timeout = 0
	client := NewClient(cfg, PlainDialer{}, registry.New(registry.Policy{}), sketch.DefaultParams())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	_, err := client.Exchange(ctx, inboundVertex())
	assert.ErrorIs(t, err, ErrTransport)
}

// =============================================================================
// Server Tests
// =============================================================================

func TestServer_RejectsUnknownMessage(t *testing.T) {
	port := startServer(t, NewServer(ServerConfig{}, matrixWith(), registry.New(registry.Policy{})))

	conn, err := net.Dial("tcp", loopback(port))
	require.NoError(t, err)
	defer conn.Close()

	wc := wire.NewConn(conn, 0)
	_, err = wc.ClientHandshake()
	require.NoError(t, err)
	require.NoError(t, wc.WriteMessage(0x55, nil))

	msg, err := wc.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, wire.MsgFailure, msg.Type)

	_, err = wc.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServer_RepeatedRequestsOnOneConnection(t *testing.T) {
	port := startServer(t, NewServer(ServerConfig{}, matrixWith("n", "a"), registry.New(registry.Policy{})))

	conn, err := net.Dial("tcp", loopback(port))
	require.NoError(t, err)
	defer conn.Close()

	wc := wire.NewConn(conn, 0)
	_, err = wc.ClientHandshake()
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, wc.WriteMessage(wire.MsgGiveSketch, nil))
		msg, err := wc.Expect(wire.MsgMatrix)
		require.NoError(t, err)
		m, err := wire.DecodeMatrix(msg.Payload, sketch.DefaultParams())
		require.NoError(t, err)
		assert.True(t, m.MayBeAncestor("n", "a"))
		_, err = wc.Expect(wire.MsgBundle)
		require.NoError(t, err)
	}
	require.NoError(t, wc.WriteMessage(wire.MsgClose, nil))
}

func TestServer_MaxConnections(t *testing.T) {
	srv := NewServer(ServerConfig{MaxConnections: 1}, matrixWith(), registry.New(registry.Policy{}))
	port := startServer(t, srv)

	first, err := net.Dial("tcp", loopback(port))
	require.NoError(t, err)
	defer first.Close()
	_, err = wire.NewConn(first, 0).ClientHandshake()
	require.NoError(t, err)

	second, err := net.Dial("tcp", loopback(port))
	require.NoError(t, err)
	defer second.Close()
	second.SetDeadline(time.Now().Add(2 * time.Second))

	_, err = wire.NewConn(second, 0).ClientHandshake()
	assert.Error(t, err, "second connection should be closed by the server")
}

func TestServer_CloseStopsServe(t *testing.T) {
	srv := NewServer(ServerConfig{}, matrixWith(), registry.New(registry.Policy{}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Close())
	assert.True(t, srv.IsClosed())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

// =============================================================================
// TLS Tests
// =============================================================================

func TestExchange_MutualTLS(t *testing.T) {
	pki := tlstest.WritePKI(t, t.TempDir())

	serverTLS, err := tlsconf.LoadServer(pki.ServerCertFile, pki.ServerKeyFile, pki.CAFile)
	require.NoError(t, err)
	clientTLS, err := tlsconf.LoadClient(pki.ClientCertFile, pki.ClientKeyFile, pki.CAFile, "")
	require.NoError(t, err)

	srv := NewServer(ServerConfig{Addr: "127.0.0.1:0", TLS: serverTLS}, matrixWith("n", "secure"), registry.New(registry.Policy{}))
	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe() }()
	t.Cleanup(func() {
		srv.Close()
		<-done
	})
	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 10*time.Millisecond)

	cfg := DefaultConfig()
	cfg.Port = srv.Addr().(*net.TCPAddr).Port
	reg := registry.New(registry.Policy{})
	client := NewClient(cfg, NewTLSDialer(clientTLS), reg, sketch.DefaultParams())

	entry, err := client.Exchange(context.Background(), inboundVertex())
	require.NoError(t, err)
	assert.True(t, entry.Matrix.MayBeAncestor("n", "secure"))

	t.Run("plain client cannot talk to TLS server", func(t *testing.T) {
		plain := NewClient(cfg, PlainDialer{}, registry.New(registry.Policy{}), sketch.DefaultParams())
		_, err := plain.Exchange(context.Background(), inboundVertex())
		assert.Error(t, err)
	})
}

func loopback(port int) string {
	return net.JoinHostPort(peerHost, strconv.Itoa(port))
}
