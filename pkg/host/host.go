// Package host wires the sketch pipeline of one host together.
//
// A Host owns exactly one local sketch matrix and one registry of remote bundles
// for its lifetime, and shares them between the exchange client and server, the
// update workers and lookup callers. Construct it once at startup with New, Start
// it, feed it edges with Ingest and Stop it at shutdown.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	backend, err := host.OpenBackend(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	h, err := host.New(cfg, backend.Engine)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := h.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer h.Stop(context.Background())
//
//	h.Ingest(ctx, edge)
//	if h.MayBeAncestor(netVertex, suspect) { ... }
package host

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orneryd/lineagesketch/pkg/config"
	"github.com/orneryd/lineagesketch/pkg/exchange"
	"github.com/orneryd/lineagesketch/pkg/ingest"
	"github.com/orneryd/lineagesketch/pkg/lineage"
	"github.com/orneryd/lineagesketch/pkg/metrics"
	"github.com/orneryd/lineagesketch/pkg/provenance"
	"github.com/orneryd/lineagesketch/pkg/registry"
	"github.com/orneryd/lineagesketch/pkg/sketch"
	"github.com/orneryd/lineagesketch/pkg/tlsconf"
	"github.com/orneryd/lineagesketch/pkg/worker"
)

var (
	ErrAlreadyStarted = errors.New("host already started")
	ErrNotStarted     = errors.New("host not started")
)

// Host is the set of process-wide sketch services.
type Host struct {
	cfg    *config.Config
	engine lineage.Engine

	matrix     *sketch.Matrix
	registry   *registry.Registry
	metrics    *metrics.Metrics
	pool       *worker.Pool
	client     *exchange.Client
	server     *exchange.Server
	dispatcher *ingest.Dispatcher
	serverTLS  *tls.Config

	listener net.Listener

	mu       sync.Mutex
	started  bool
	stopped  bool
	serveErr chan error
}

type options struct {
	registerer prometheus.Registerer
	dialer     exchange.Dialer
	listener   net.Listener
	regOpts    []registry.Option
}

// Option configures a Host.
type Option func(*options)

// WithRegisterer registers the host's metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithDialer replaces the dialer derived from the TLS configuration.
func WithDialer(d exchange.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithListener makes Start serve on ln instead of listening on the configured
// address. TLS, when enabled, is layered on top of ln.
func WithListener(ln net.Listener) Option {
	return func(o *options) { o.listener = ln }
}

// WithRegistryOptions passes options to the remote registry.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(o *options) { o.regOpts = append(o.regOpts, opts...) }
}

// New builds a host from a validated configuration and a lineage engine.
func New(cfg *config.Config, engine lineage.Engine, opts ...Option) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if engine == nil {
		return nil, errors.New("lineage engine is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	params := sketch.Params{
		FalsePositiveProbability: cfg.Sketch.FalsePositiveProbability,
		ExpectedSize:             cfg.Sketch.ExpectedSize,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	h := &Host{
		cfg:      cfg,
		engine:   engine,
		matrix:   sketch.NewMatrix(params),
		registry: registry.New(registry.Policy{Enabled: cfg.Exchange.CacheEnabled, TTL: cfg.Exchange.CacheTTL}, o.regOpts...),
		metrics:  metrics.New(o.registerer),
		listener: o.listener,
	}

	dialer := o.dialer
	if cfg.TLS.Enabled {
		serverTLS, err := tlsconf.LoadServer(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		h.serverTLS = serverTLS
		if dialer == nil {
			clientTLS, err := tlsconf.LoadClient(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile, cfg.TLS.ServerName)
			if err != nil {
				return nil, err
			}
			dialer = exchange.NewTLSDialer(clientTLS)
		}
	}
	if dialer == nil {
		log.Printf("[host] ⚠️  TLS disabled, sketches are exchanged in plain text")
		dialer = exchange.PlainDialer{}
	}

	h.pool = worker.NewPool(
		worker.PoolConfig{Workers: cfg.Workers.Count, QueueSize: cfg.Workers.QueueSize},
		worker.Env{
			Engine:       engine,
			Matrix:       h.matrix,
			Registry:     h.registry,
			MaxDepth:     cfg.Lineage.MaxDepth,
			StorageIDKey: cfg.Lineage.StorageIDKey,
		},
		worker.WithMetrics(h.metrics),
	)
	h.client = exchange.NewClient(
		exchange.Config{Port: cfg.Exchange.Port, Timeout: cfg.Exchange.Timeout},
		dialer, h.registry, params,
		exchange.WithClientMetrics(h.metrics),
	)
	h.server = exchange.NewServer(
		exchange.ServerConfig{
			Addr:           cfg.Exchange.ListenAddr(),
			MaxConnections: cfg.Exchange.MaxConnections,
			IdleTimeout:    cfg.Exchange.Timeout,
			TLS:            h.serverTLS,
		},
		h.matrix, h.registry,
		exchange.WithServerMetrics(h.metrics),
	)
	h.dispatcher = ingest.New(h.client, h.pool, ingest.WithMetrics(h.metrics))
	return h, nil
}

// Start begins serving sketch requests.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return ErrAlreadyStarted
	}

	ln := h.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", h.cfg.Exchange.ListenAddr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", h.cfg.Exchange.ListenAddr(), err)
		}
	}
	if h.serverTLS != nil {
		ln = tls.NewListener(ln, h.serverTLS)
	}
	h.listener = ln

	h.serveErr = make(chan error, 1)
	go func() { h.serveErr <- h.server.Serve(ln) }()
	h.started = true

	log.Printf("[host] sketch service listening on %s (tls=%v)", ln.Addr(), h.serverTLS != nil)
	return nil
}

// Stop closes the sketch service and drains the update workers until ctx ends.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	started := h.started
	h.mu.Unlock()

	var errs []error
	if started {
		if err := h.server.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := <-h.serveErr; err != nil {
			errs = append(errs, err)
		}
	}
	if err := h.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("draining workers: %w", err))
	}
	return errors.Join(errs...)
}

// Addr returns the sketch service address once started.
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return nil
	}
	return h.listener.Addr()
}

// Ingest hands an observed edge to the sketch pipeline. It blocks for the sketch
// exchange of Used edges and never fails.
func (h *Host) Ingest(ctx context.Context, e *provenance.Edge) {
	h.dispatcher.OnEdge(ctx, e)
	h.metrics.SetMatrixEntries(h.matrix.Len())
}

// IngestVertex hands an observed vertex to the sketch pipeline.
func (h *Host) IngestVertex(v *provenance.Vertex) {
	h.dispatcher.OnVertex(v)
}

// MayBeAncestor reports whether ancestor may be an ancestor of the network vertex
// according to the local matrix.
func (h *Host) MayBeAncestor(vertex, ancestor *provenance.Vertex) bool {
	return h.matrix.MayBeAncestor(vertex.Identity(), ancestor.Identity())
}

// RemoteMayBeAncestor answers MayBeAncestor from the last matrix received from
// remoteHost, without contacting it. known is false when nothing was received
// from remoteHost.
func (h *Host) RemoteMayBeAncestor(remoteHost string, vertex, ancestor *provenance.Vertex) (maybe, known bool) {
	entry, ok := h.registry.Get(remoteHost)
	if !ok {
		return false, false
	}
	return entry.Matrix.MayBeAncestor(vertex.Identity(), ancestor.Identity()), true
}

// Matrix returns the local matrix.
func (h *Host) Matrix() *sketch.Matrix { return h.matrix }

// Registry returns the remote registry.
func (h *Host) Registry() *registry.Registry { return h.registry }

// Client returns the exchange client.
func (h *Host) Client() *exchange.Client { return h.client }

// Stats is a snapshot of the host's counters.
type Stats struct {
	MatrixEntries int
	Registry      registry.Stats
	Workers       worker.PoolStats
	Ingest        ingest.Stats
}

// Stats returns a snapshot of the host's counters.
func (h *Host) Stats() Stats {
	return Stats{
		MatrixEntries: h.matrix.Len(),
		Registry:      h.registry.Stats(),
		Workers:       h.pool.Stats(),
		Ingest:        h.dispatcher.Stats(),
	}
}
