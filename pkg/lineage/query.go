// Package lineage is the boundary to the graph query engine that answers lineage
// questions about the local provenance graph.
//
// Two kinds of query are supported:
//
//   - Lineage: every vertex reachable from a start vertex within MaxDepth hops,
//     walking towards ancestors or descendants.
//   - Match: every network vertex carrying exactly a connection tuple.
//
// Queries have a textual form accepted by ParseQuery and produced by Query.String:
//
//	lineage <storage id> <depth> <a|d> null
//	vertices source\ host:10.0.0.1 AND source\ port:41234 AND destination\ host:10.0.0.2 AND destination\ port:443
//
// Engines return a Graph whose vertices carry the engine's storage identifier under
// the configured annotation key, so a Match result can seed a Lineage query.
package lineage

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/orneryd/lineagesketch/pkg/provenance"
)

// DefaultMaxDepth bounds lineage traversals when no depth is configured.
const DefaultMaxDepth = 20

// DefaultStorageIDKey is the annotation carrying a vertex's storage identifier.
const DefaultStorageIDKey = "storageId"

var (
	// ErrLineageQuery wraps every failure of a graph query engine.
	ErrLineageQuery = errors.New("lineage query failed")
	// ErrInvalidQuery is returned for malformed queries and expressions.
	ErrInvalidQuery = errors.New("invalid lineage query")
)

// Kind selects the query type.
type Kind int

const (
	KindLineage Kind = iota
	KindMatch
)

// Direction selects which side of a lineage walk to follow.
type Direction int

const (
	Ancestors Direction = iota
	Descendants
)

func (d Direction) String() string {
	if d == Descendants {
		return "descendants"
	}
	return "ancestors"
}

// symbol is the one-letter form used in textual queries.
func (d Direction) symbol() string {
	if d == Descendants {
		return "d"
	}
	return "a"
}

// Query is one request to an Engine.
type Query struct {
	Kind Kind

	// Lineage fields.
	StorageID string
	MaxDepth  int
	Direction Direction

	// Match fields.
	Match provenance.ConnectionTuple
}

// LineageQuery builds a lineage query. A depth <= 0 uses DefaultMaxDepth.
func LineageQuery(storageID string, depth int, dir Direction) Query {
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	return Query{Kind: KindLineage, StorageID: storageID, MaxDepth: depth, Direction: dir}
}

// MatchQuery builds a query for the network vertices carrying tuple.
func MatchQuery(tuple provenance.ConnectionTuple) Query {
	return Query{Kind: KindMatch, Match: tuple}
}

// Validate checks that the query can be executed.
func (q Query) Validate() error {
	switch q.Kind {
	case KindLineage:
		if q.StorageID == "" {
			return fmt.Errorf("%w: empty storage id", ErrInvalidQuery)
		}
		if q.MaxDepth < 0 {
			return fmt.Errorf("%w: negative depth %d", ErrInvalidQuery, q.MaxDepth)
		}
		if q.Direction != Ancestors && q.Direction != Descendants {
			return fmt.Errorf("%w: unknown direction %d", ErrInvalidQuery, q.Direction)
		}
	case KindMatch:
		if !q.Match.Complete() {
			return fmt.Errorf("%w: incomplete connection tuple", ErrInvalidQuery)
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidQuery, q.Kind)
	}
	return nil
}

// matchTerms lists the annotation keys of a Match query in rendering order.
var matchTerms = []string{
	provenance.KeySourceHost,
	provenance.KeySourcePort,
	provenance.KeyDestinationHost,
	provenance.KeyDestinationPort,
}

func (q Query) String() string {
	if q.Kind == KindMatch {
		values := []string{q.Match.SourceHost, q.Match.SourcePort, q.Match.DestinationHost, q.Match.DestinationPort}
		parts := make([]string, len(matchTerms))
		for i, key := range matchTerms {
			parts[i] = strings.ReplaceAll(key, " ", `\ `) + ":" + values[i]
		}
		return "vertices " + strings.Join(parts, " AND ")
	}
	return fmt.Sprintf("lineage %s %d %s null", q.StorageID, q.MaxDepth, q.Direction.symbol())
}

// ParseQuery parses the textual form of a query.
func ParseQuery(expr string) (Query, error) {
	expr = strings.TrimSpace(expr)
	verb, rest, _ := strings.Cut(expr, " ")
	switch strings.ToLower(verb) {
	case "lineage":
		return parseLineage(rest)
	case "vertices":
		return parseMatch(rest)
	default:
		return Query{}, fmt.Errorf("%w: unknown verb %q", ErrInvalidQuery, verb)
	}
}

func parseLineage(rest string) (Query, error) {
	fields := strings.Fields(rest)
	if len(fields) < 3 || len(fields) > 4 {
		return Query{}, fmt.Errorf("%w: expected 'lineage <id> <depth> <a|d> [terminal]'", ErrInvalidQuery)
	}

	depth, err := strconv.Atoi(fields[1])
	if err != nil {
		return Query{}, fmt.Errorf("%w: depth %q: %w", ErrInvalidQuery, fields[1], err)
	}

	var dir Direction
	switch strings.ToLower(fields[2]) {
	case "a", "ancestors":
		dir = Ancestors
	case "d", "descendants":
		dir = Descendants
	default:
		return Query{}, fmt.Errorf("%w: direction %q", ErrInvalidQuery, fields[2])
	}

	if len(fields) == 4 && fields[3] != "null" {
		return Query{}, fmt.Errorf("%w: terminal expressions are not supported", ErrInvalidQuery)
	}

	q := Query{Kind: KindLineage, StorageID: fields[0], MaxDepth: depth, Direction: dir}
	return q, q.Validate()
}

func parseMatch(rest string) (Query, error) {
	values := make(map[string]string, len(matchTerms))
	for _, term := range strings.Split(rest, " AND ") {
		term = strings.TrimSpace(term)
		key, value, ok := strings.Cut(term, ":")
		if !ok {
			return Query{}, fmt.Errorf("%w: term %q", ErrInvalidQuery, term)
		}
		values[strings.ReplaceAll(key, `\ `, " ")] = value
	}

	q := MatchQuery(provenance.ConnectionTuple{
		SourceHost:      values[provenance.KeySourceHost],
		SourcePort:      values[provenance.KeySourcePort],
		DestinationHost: values[provenance.KeyDestinationHost],
		DestinationPort: values[provenance.KeyDestinationPort],
	})
	return q, q.Validate()
}
