// Package worker applies lineage updates to the local sketch matrix.
//
// One UpdateWorker runs per qualifying edge. It resolves the storage identifier of
// the edge's network vertex, runs a bounded lineage query from it and applies the
// result to the matrix:
//
//   - Used: the peer's sketch for the vertex is merged into every network-boundary
//     descendant, which inherit the remote ancestry of what was consumed.
//   - WasGeneratedBy: every network-boundary ancestor is added as an ancestor of
//     the vertex that carried the output.
//
// Workers run on a bounded Pool. Failures are logged and end the worker; no
// partial update is applied since each matrix call is a complete update.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/orneryd/lineagesketch/pkg/lineage"
	"github.com/orneryd/lineagesketch/pkg/provenance"
	"github.com/orneryd/lineagesketch/pkg/registry"
	"github.com/orneryd/lineagesketch/pkg/sketch"
)

var (
	// ErrIdentityResolution is returned when the network vertex has no unique
	// storage identifier.
	ErrIdentityResolution = errors.New("identity resolution failed")
	// ErrLineageQuery is returned when the lineage query fails.
	ErrLineageQuery = errors.New("lineage query failed")
	// ErrNoRemoteSketch is returned by a Used task whose peer sketch is gone.
	ErrNoRemoteSketch = errors.New("no remote sketch")
	// ErrInvalidTask is returned for tasks without a network vertex or known kind.
	ErrInvalidTask = errors.New("invalid task")
)

// State is a step of the worker state machine.
type State int

const (
	StateStart State = iota
	StateResolveIdentity
	StateRunLineageQuery
	StateApplyUpdate
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateResolveIdentity:
		return "resolve_identity"
	case StateRunLineageQuery:
		return "run_lineage_query"
	case StateApplyUpdate:
		return "apply_update"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Task describes one update.
type Task struct {
	// ID correlates log lines of one task.
	ID   string
	Kind provenance.EdgeType
	// Vertex is the network-boundary vertex of the triggering edge.
	Vertex *provenance.Vertex
}

// Env is what a worker runs against. It is shared by all workers of a pool.
type Env struct {
	Engine   lineage.Engine
	Matrix   *sketch.Matrix
	Registry *registry.Registry
	// MaxDepth bounds lineage queries. Zero uses lineage.DefaultMaxDepth.
	MaxDepth int
	// StorageIDKey is the annotation holding storage identifiers. Empty uses
	// lineage.DefaultStorageIDKey.
	StorageIDKey string
}

func (e Env) withDefaults() Env {
	if e.MaxDepth <= 0 {
		e.MaxDepth = lineage.DefaultMaxDepth
	}
	if e.StorageIDKey == "" {
		e.StorageIDKey = lineage.DefaultStorageIDKey
	}
	return e
}

// UpdateWorker runs one Task.
type UpdateWorker struct {
	task Task
	env  Env

	mu      sync.Mutex
	state   State
	err     error
	applied int
}

// NewUpdateWorker creates a worker in StateStart.
func NewUpdateWorker(task Task, env Env) *UpdateWorker {
	return &UpdateWorker{task: task, env: env.withDefaults(), state: StateStart}
}

// State returns the current state.
func (w *UpdateWorker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the failure of a worker in StateFailed.
func (w *UpdateWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Applied returns the number of matrix updates applied.
func (w *UpdateWorker) Applied() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.applied
}

func (w *UpdateWorker) enter(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *UpdateWorker) fail(err error) error {
	w.mu.Lock()
	w.state = StateFailed
	w.err = err
	w.mu.Unlock()
	log.Printf("[worker] task %s (%s) failed: %v", w.task.ID, w.task.Kind, err)
	return err
}

// Run drives the worker to StateDone or StateFailed and returns the failure.
func (w *UpdateWorker) Run(ctx context.Context) error {
	if w.task.Vertex == nil || !w.task.Vertex.IsNetwork() {
		return w.fail(fmt.Errorf("%w: missing network vertex", ErrInvalidTask))
	}
	var dir lineage.Direction
	switch w.task.Kind {
	case provenance.EdgeUsed:
		dir = lineage.Descendants
	case provenance.EdgeWasGeneratedBy:
		dir = lineage.Ancestors
	default:
		return w.fail(fmt.Errorf("%w: kind %q", ErrInvalidTask, w.task.Kind))
	}

	w.enter(StateResolveIdentity)
	storageID, err := w.resolveIdentity(ctx)
	if err != nil {
		return w.fail(err)
	}

	w.enter(StateRunLineageQuery)
	g, err := w.env.Engine.Execute(ctx, lineage.LineageQuery(storageID, w.env.MaxDepth, dir))
	if err != nil {
		return w.fail(fmt.Errorf("%w: %w", ErrLineageQuery, err))
	}

	w.enter(StateApplyUpdate)
	var n int
	if w.task.Kind == provenance.EdgeUsed {
		n, err = w.applyUsed(g)
	} else {
		n, err = w.applyGenerated(g)
	}
	w.mu.Lock()
	w.applied = n
	w.mu.Unlock()
	if err != nil {
		return w.fail(err)
	}

	w.enter(StateDone)
	return nil
}

// resolveIdentity looks the network vertex up by its connection tuple and returns
// the storage identifier of the first match.
func (w *UpdateWorker) resolveIdentity(ctx context.Context) (string, error) {
	tuple := w.task.Vertex.Connection()
	g, err := w.env.Engine.Execute(ctx, lineage.MatchQuery(tuple))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIdentityResolution, err)
	}

	matches := g.Vertices()
	if len(matches) == 0 {
		return "", fmt.Errorf("%w: no vertex matches %s", ErrIdentityResolution, tuple.Canonical())
	}
	if len(matches) > 1 {
		log.Printf("[worker] task %s: %d vertices match %s, using the first", w.task.ID, len(matches), tuple.Canonical())
	}

	id := matches[0].StorageID(w.env.StorageIDKey)
	if id == "" {
		return "", fmt.Errorf("%w: match has no %q annotation", ErrIdentityResolution, w.env.StorageIDKey)
	}
	return id, nil
}

func (w *UpdateWorker) applyUsed(g *lineage.Graph) (int, error) {
	remoteHost := w.task.Vertex.DestinationHost()
	entry, ok := w.env.Registry.Get(remoteHost)
	if !ok {
		return 0, fmt.Errorf("%w: no entry for %s", ErrNoRemoteSketch, remoteHost)
	}
	remote, ok := entry.AncestorsOf(w.task.Vertex.Identity())
	if !ok {
		return 0, fmt.Errorf("%w: %s holds none for %s", ErrNoRemoteSketch, remoteHost, w.task.Vertex.Identity())
	}

	n := 0
	for _, d := range g.NetworkVertices() {
		if err := w.env.Matrix.MergeAncestors(d.Identity(), remote); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// applyGenerated adds every network ancestor to the vertex's row. The lineage result
// starts at the vertex itself, so a connection is always listed among its own
// ancestors and peers receiving it find an entry even with no upstream connections.
func (w *UpdateWorker) applyGenerated(g *lineage.Graph) (int, error) {
	self := w.task.Vertex.Identity()
	n := 0
	for _, a := range g.NetworkVertices() {
		w.env.Matrix.Add(self, a.Identity())
		n++
	}
	return n, nil
}
