// Package ingest routes provenance edges to the sketch pipeline.
//
// The Dispatcher sits on the ingestion path. It classifies every edge:
//
//   - Used with a network-boundary destination: the peer at the destination host
//     is asked for its sketches synchronously, then an update is queued when the
//     peer holds a sketch for the vertex.
//   - WasGeneratedBy with a network-boundary source: an update is queued directly.
//   - anything else is ignored.
//
// Failures are logged and counted; OnEdge never returns an error.
package ingest

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/orneryd/lineagesketch/pkg/metrics"
	"github.com/orneryd/lineagesketch/pkg/provenance"
	"github.com/orneryd/lineagesketch/pkg/registry"
	"github.com/orneryd/lineagesketch/pkg/worker"
)

// Edge classes, as recorded in metrics.
const (
	ClassUsedNetwork      = "used_network"
	ClassGeneratedNetwork = "generated_network"
	ClassIgnored          = "ignored"
)

// Exchanger refreshes the registry entry of a network vertex's remote host.
type Exchanger interface {
	Exchange(ctx context.Context, v *provenance.Vertex) (*registry.Entry, error)
}

// Submitter queues update tasks without blocking.
type Submitter interface {
	Submit(task worker.Task) bool
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Edges           int64
	Ignored         int64
	Exchanges       int64
	ExchangeFailed  int64
	NoRemoteSketch  int64
	Dispatched      int64
	DispatchDropped int64
}

// Dispatcher classifies ingested edges.
type Dispatcher struct {
	exchanger Exchanger
	pool      Submitter
	metrics   *metrics.Metrics

	edges           atomic.Int64
	ignored         atomic.Int64
	exchanges       atomic.Int64
	exchangeFailed  atomic.Int64
	noRemoteSketch  atomic.Int64
	dispatched      atomic.Int64
	dispatchDropped atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records edge classes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a dispatcher.
func New(exchanger Exchanger, pool Submitter, opts ...Option) *Dispatcher {
	d := &Dispatcher{exchanger: exchanger, pool: pool}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnEdge processes one ingested edge.
func (d *Dispatcher) OnEdge(ctx context.Context, e *provenance.Edge) {
	if e == nil {
		return
	}
	d.edges.Add(1)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ingest] panic handling %s edge: %v", e.Type, r)
		}
	}()

	switch {
	case e.Type == provenance.EdgeUsed && e.Destination != nil && e.Destination.IsNetwork():
		d.metrics.EdgeSeen(ClassUsedNetwork)
		d.onUsed(ctx, e.Destination)
	case e.Type == provenance.EdgeWasGeneratedBy && e.Source != nil && e.Source.IsNetwork():
		d.metrics.EdgeSeen(ClassGeneratedNetwork)
		d.submit(worker.Task{Kind: provenance.EdgeWasGeneratedBy, Vertex: e.Source})
	default:
		d.ignored.Add(1)
		d.metrics.EdgeSeen(ClassIgnored)
	}
}

// OnVertex processes a vertex observation. Vertices alone carry no sketch state.
func (d *Dispatcher) OnVertex(*provenance.Vertex) {}

func (d *Dispatcher) onUsed(ctx context.Context, v *provenance.Vertex) {
	d.exchanges.Add(1)
	entry, err := d.exchanger.Exchange(ctx, v)
	if err != nil {
		d.exchangeFailed.Add(1)
		log.Printf("[ingest] sketch exchange with %s failed: %v", v.DestinationHost(), err)
		return
	}

	if _, ok := entry.AncestorsOf(v.Identity()); !ok {
		d.noRemoteSketch.Add(1)
		log.Printf("[ingest] %s holds no sketch for %s", v.DestinationHost(), v.Identity())
		return
	}
	d.submit(worker.Task{Kind: provenance.EdgeUsed, Vertex: v})
}

func (d *Dispatcher) submit(task worker.Task) {
	if d.pool.Submit(task) {
		d.dispatched.Add(1)
	} else {
		d.dispatchDropped.Add(1)
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Edges:           d.edges.Load(),
		Ignored:         d.ignored.Load(),
		Exchanges:       d.exchanges.Load(),
		ExchangeFailed:  d.exchangeFailed.Load(),
		NoRemoteSketch:  d.noRemoteSketch.Load(),
		Dispatched:      d.dispatched.Load(),
		DispatchDropped: d.dispatchDropped.Load(),
	}
}
