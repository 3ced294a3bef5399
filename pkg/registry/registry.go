// Package registry holds the sketch matrices received from remote hosts.
//
// The registry maps a host identifier to the last bundle received from that host: the
// host's own matrix plus the matrices it had collected from others. Entries are created
// or overwritten by successful exchanges and are never evicted. A failed exchange never
// touches the registry.
//
// Features:
//   - Thread-safe Put/Get for concurrent exchanges and update workers
//   - Optional freshness policy that lets the exchange client skip the network
//   - Hit/miss statistics for the freshness check
//
// Usage:
//
//	reg := registry.New(registry.Policy{Enabled: true, TTL: time.Minute})
//
//	if !reg.Fresh("10.0.0.2") {
//		matrix, peers := fetchFromPeer("10.0.0.2")
//		reg.Put("10.0.0.2", matrix, peers)
//		reg.PutAll(peers, localHost)
//	}
//	entry, _ := reg.Get("10.0.0.2")
package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/lineagesketch/pkg/sketch"
)

// Policy controls when an existing entry is considered fresh enough to skip an
// exchange.
//
// A disabled policy never reports an entry as fresh. An enabled policy with a zero TTL
// treats any entry as fresh for the lifetime of the process.
type Policy struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// Entry is the last bundle received from one host.
type Entry struct {
	Host       string
	Matrix     *sketch.Matrix
	Peers      map[string]*sketch.Matrix
	ReceivedAt time.Time
}

// AncestorsOf returns the sketch the entry's host holds for vertex id.
func (e *Entry) AncestorsOf(id string) (*sketch.AncestrySketch, bool) {
	if e == nil || e.Matrix == nil {
		return nil, false
	}
	return e.Matrix.Get(id)
}

// Registry is the process-wide map of remote host → last received bundle.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	policy  Policy
	now     func() time.Time

	// Statistics
	hits   uint64
	misses uint64
	puts   uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry.
func New(policy Policy, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		policy:  policy,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the freshness policy.
func (r *Registry) Policy() Policy {
	return r.policy
}

// Put stores the bundle received from host, replacing any previous entry.
// A nil matrix is ignored.
func (r *Registry) Put(host string, matrix *sketch.Matrix, peers map[string]*sketch.Matrix) {
	if host == "" || matrix == nil {
		return
	}

	copied := make(map[string]*sketch.Matrix, len(peers))
	for h, m := range peers {
		if m != nil {
			copied[h] = m
		}
	}

	r.mu.Lock()
	r.entries[host] = &Entry{
		Host:       host,
		Matrix:     matrix,
		Peers:      copied,
		ReceivedAt: r.now(),
	}
	r.mu.Unlock()
	atomic.AddUint64(&r.puts, 1)
}

// PutAll stores each relayed matrix as that host's entry, skipping the hosts in
// exclude. Relayed entries carry no peers of their own.
func (r *Registry) PutAll(peers map[string]*sketch.Matrix, exclude ...string) {
	skip := make(map[string]struct{}, len(exclude))
	for _, h := range exclude {
		skip[h] = struct{}{}
	}
	for h, m := range peers {
		if _, ok := skip[h]; ok {
			continue
		}
		r.Put(h, m, nil)
	}
}

// Get returns the entry for host.
func (r *Registry) Get(host string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[host]
	return e, ok
}

// Fresh reports whether the policy allows reusing the entry for host instead of
// exchanging again. Each call counts as a hit or a miss.
func (r *Registry) Fresh(host string) bool {
	if !r.policy.Enabled {
		atomic.AddUint64(&r.misses, 1)
		return false
	}

	r.mu.RLock()
	e, ok := r.entries[host]
	r.mu.RUnlock()

	if !ok || (r.policy.TTL > 0 && r.now().Sub(e.ReceivedAt) > r.policy.TTL) {
		atomic.AddUint64(&r.misses, 1)
		return false
	}

	atomic.AddUint64(&r.hits, 1)
	return true
}

// Hosts returns the known hosts in sorted order.
func (r *Registry) Hosts() []string {
	r.mu.RLock()
	hosts := make([]string, 0, len(r.entries))
	for h := range r.entries {
		hosts = append(hosts, h)
	}
	r.mu.RUnlock()
	sort.Strings(hosts)
	return hosts
}

// Matrices returns host → matrix for every entry. This is the peer map a host hands
// out when asked for its bundle.
func (r *Registry) Matrices() map[string]*sketch.Matrix {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*sketch.Matrix, len(r.entries))
	for h, e := range r.entries {
		out[h] = e.Matrix
	}
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Stats returns registry statistics.
func (r *Registry) Stats() Stats {
	hits := atomic.LoadUint64(&r.hits)
	misses := atomic.LoadUint64(&r.misses)

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Hosts:   r.Len(),
		Puts:    atomic.LoadUint64(&r.puts),
		Hits:    hits,
		Misses:  misses,
		HitRate: hitRate,
	}
}

// Stats holds registry statistics.
type Stats struct {
	Hosts   int     // Number of hosts with an entry
	Puts    uint64  // Number of entries written
	Hits    uint64  // Freshness checks that skipped an exchange
	Misses  uint64  // Freshness checks that required an exchange
	HitRate float64 // Hit rate percentage (0-100)
}
