package ingest

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/lineagesketch/pkg/exchange"
	"github.com/orneryd/lineagesketch/pkg/lineage"
	"github.com/orneryd/lineagesketch/pkg/provenance"
	"github.com/orneryd/lineagesketch/pkg/registry"
	"github.com/orneryd/lineagesketch/pkg/sketch"
	"github.com/orneryd/lineagesketch/pkg/storage"
	"github.com/orneryd/lineagesketch/pkg/worker"
)

type exchangeFunc func(ctx context.Context, v *provenance.Vertex) (*registry.Entry, error)

func (f exchangeFunc) Exchange(ctx context.Context, v *provenance.Vertex) (*registry.Entry, error) {
	return f(ctx, v)
}

type recordingPool struct {
	mu     sync.Mutex
	tasks  []worker.Task
	reject bool
}

func (p *recordingPool) Submit(task worker.Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return false
	}
	p.tasks = append(p.tasks, task)
	return true
}

func (p *recordingPool) Tasks() []worker.Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]worker.Task(nil), p.tasks...)
}

func netVertex(dstHost string) *provenance.Vertex {
	return provenance.NewVertex(map[string]string{
		provenance.KeyNetwork:         "true",
		provenance.KeySourceHost:      "10.0.0.1",
		provenance.KeySourcePort:      "41234",
		provenance.KeyDestinationHost: dstHost,
		provenance.KeyDestinationPort: "9099",
	})
}

func process(pid string) *provenance.Vertex {
	return provenance.NewVertex(map[string]string{"type": "Process", "pid": pid})
}

func noExchange(t *testing.T) Exchanger {
	return exchangeFunc(func(context.Context, *provenance.Vertex) (*registry.Entry, error) {
		t.Error("unexpected exchange")
		return nil, errors.New("unexpected")
	})
}

// =============================================================================
// Classification Tests
// =============================================================================

func TestDispatcher_IgnoresOtherEdges(t *testing.T) {
	pool := &recordingPool{}
	d := New(noExchange(t), pool)

	file := provenance.NewVertex(map[string]string{"type": "Artifact", "path": "/tmp/x"})
	d.OnEdge(context.Background(), provenance.NewEdge("Used", process("1"), file))
	d.OnEdge(context.Background(), provenance.NewEdge("WasGeneratedBy", file, process("1")))
	d.OnEdge(context.Background(), provenance.NewEdge("WasTriggeredBy", process("2"), netVertex("h")))
	// The network side of these edges is on the wrong end.
	d.OnEdge(context.Background(), provenance.NewEdge("Used", netVertex("h"), process("1")))
	d.OnEdge(context.Background(), provenance.NewEdge("WasGeneratedBy", process("1"), netVertex("h")))
	d.OnEdge(context.Background(), nil)
	d.OnVertex(netVertex("h"))

	assert.Empty(t, pool.Tasks())
	stats := d.Stats()
	assert.Equal(t, int64(5), stats.Edges)
	assert.Equal(t, int64(5), stats.Ignored)
	assert.Zero(t, stats.Exchanges)
}

func TestDispatcher_WasGeneratedByDispatchesDirectly(t *testing.T) {
	pool := &recordingPool{}
	d := New(noExchange(t), pool)

	n := netVertex("h")
	d.OnEdge(context.Background(), provenance.NewEdge("WasGeneratedBy", n, process("1")))

	tasks := pool.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, provenance.EdgeWasGeneratedBy, tasks[0].Kind)
	assert.Equal(t, n.Identity(), tasks[0].Vertex.Identity())
	assert.Equal(t, int64(1), d.Stats().Dispatched)
}

func TestDispatcher_UsedExchangesThenDispatches(t *testing.T) {
	n := netVertex("10.0.0.2")
	peer := sketch.NewMatrix(sketch.DefaultParams())
	peer.Add(n.Identity(), "remote-ancestor")

	var exchanged []string
	ex := exchangeFunc(func(_ context.Context, v *provenance.Vertex) (*registry.Entry, error) {
		exchanged = append(exchanged, v.DestinationHost())
		return &registry.Entry{Host: v.DestinationHost(), Matrix: peer}, nil
	})
	pool := &recordingPool{}
	d := New(ex, pool)

	d.OnEdge(context.Background(), provenance.NewEdge("used", process("1"), n))

	assert.Equal(t, []string{"10.0.0.2"}, exchanged)
	tasks := pool.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, provenance.EdgeUsed, tasks[0].Kind)
}

func TestDispatcher_UsedWithoutRemoteSketch(t *testing.T) {
	ex := exchangeFunc(func(_ context.Context, v *provenance.Vertex) (*registry.Entry, error) {
		return &registry.Entry{Host: v.DestinationHost(), Matrix: sketch.NewMatrix(sketch.DefaultParams())}, nil
	})
	pool := &recordingPool{}
	d := New(ex, pool)

	d.OnEdge(context.Background(), provenance.NewEdge("Used", process("1"), netVertex("10.0.0.2")))

	assert.Empty(t, pool.Tasks())
	assert.Equal(t, int64(1), d.Stats().NoRemoteSketch)
}

func TestDispatcher_ExchangeFailure(t *testing.T) {
	// Nothing listens on the port, so the exchange fails in transport.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	reg := registry.New(registry.Policy{})
	cfg := exchange.DefaultConfig()
	cfg.Port = port
	cfg.Timeout = time.Second
	client := exchange.NewClient(cfg, exchange.PlainDialer{}, reg, sketch.DefaultParams())

	pool := &recordingPool{}
	d := New(client, pool)

	assert.NotPanics(t, func() {
		d.OnEdge(context.Background(), provenance.NewEdge("Used", process("1"), netVertex("127.0.0.1")))
	})

	assert.Empty(t, pool.Tasks())
	assert.Zero(t, reg.Len())
	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Exchanges)
	assert.Equal(t, int64(1), stats.ExchangeFailed)
}

func TestDispatcher_FullPool(t *testing.T) {
	pool := &recordingPool{reject: true}
	d := New(noExchange(t), pool)

	d.OnEdge(context.Background(), provenance.NewEdge("WasGeneratedBy", netVertex("h"), process("1")))
	assert.Equal(t, int64(1), d.Stats().DispatchDropped)
	assert.Zero(t, d.Stats().Dispatched)
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	ex := exchangeFunc(func(context.Context, *provenance.Vertex) (*registry.Entry, error) {
		panic("boom")
	})
	d := New(ex, &recordingPool{})
	assert.NotPanics(t, func() {
		d.OnEdge(context.Background(), provenance.NewEdge("Used", process("1"), netVertex("h")))
	})
}

// =============================================================================
// End-to-End Tests
// =============================================================================

func TestDispatcher_UsedEndToEnd(t *testing.T) {
	// n is our view of a connection to a peer on loopback; the peer's matrix holds
	// the ancestry of the data it sent over n.
	n := netVertex("127.0.0.1")
	peerMatrix := sketch.NewMatrix(sketch.DefaultParams())
	peerMatrix.Add(n.Identity(), "net:10.7.7.7:1|10.7.7.8:2")
	peerMatrix.Add(n.Identity(), "v:peer-file")

	srv := exchange.NewServer(exchange.ServerConfig{}, peerMatrix, registry.New(registry.Policy{}))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	defer srv.Close()

	// Locally, a process read n and wrote to another connection.
	store := storage.NewMemoryEngine()
	proc, out := process("1"), netVertex("10.0.0.9")
	_, err = store.PutEdge(provenance.NewEdge("Used", proc, n))
	require.NoError(t, err)
	_, err = store.PutEdge(provenance.NewEdge("WasGeneratedBy", out, proc))
	require.NoError(t, err)

	local := sketch.NewMatrix(sketch.DefaultParams())
	reg := registry.New(registry.Policy{})
	cfg := exchange.DefaultConfig()
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	cfg.Timeout = 2 * time.Second
	client := exchange.NewClient(cfg, exchange.PlainDialer{}, reg, local.Params())

	pool := worker.NewPool(worker.PoolConfig{Workers: 2, QueueSize: 8}, worker.Env{
		Engine:   lineage.NewStorageEngine(store, ""),
		Matrix:   local,
		Registry: reg,
	})
	d := New(client, pool)

	d.OnEdge(context.Background(), provenance.NewEdge("Used", proc, n))
	require.NoError(t, pool.Close(context.Background()))

	assert.Equal(t, int64(1), d.Stats().Dispatched)
	assert.Equal(t, int64(1), pool.Stats().Completed)
	for _, id := range []string{"net:10.7.7.7:1|10.7.7.8:2", "v:peer-file"} {
		assert.True(t, local.MayBeAncestor(n.Identity(), id))
		assert.True(t, local.MayBeAncestor(out.Identity(), id))
	}
}
