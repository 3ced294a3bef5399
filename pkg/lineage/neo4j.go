package lineage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/orneryd/lineagesketch/pkg/provenance"
)

// ErrStartNotFound is returned when a lineage query names an unknown storage id.
var ErrStartNotFound = errors.New("start vertex not found")

// Neo4jConfig holds the connection settings of a Neo4j-backed engine.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// Label is the node label provenance vertices are stored under.
	Label string `yaml:"label"`
	// StorageIDKey is the node property holding the storage identifier. Nodes
	// without it are identified by their element id.
	StorageIDKey string `yaml:"storage_id_key"`
}

// Neo4jEngine answers queries with Cypher against a Neo4j database whose nodes
// carry the vertex annotations as properties and whose relationships follow the
// effect-to-cause direction.
type Neo4jEngine struct {
	driver neo4j.DriverWithContext
	cfg    Neo4jConfig
}

// NewNeo4jEngine connects to Neo4j and verifies connectivity.
func NewNeo4jEngine(ctx context.Context, cfg Neo4jConfig) (*Neo4jEngine, error) {
	if cfg.Label == "" {
		cfg.Label = "Vertex"
	}
	if cfg.StorageIDKey == "" {
		cfg.StorageIDKey = DefaultStorageIDKey
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to verify Neo4j connectivity: %w", err)
	}

	log.Printf("[lineage] connected to Neo4j at %s", cfg.URI)
	return &Neo4jEngine{driver: driver, cfg: cfg}, nil
}

// Execute implements Engine.
func (e *Neo4jEngine) Execute(ctx context.Context, q Query) (*Graph, error) {
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLineageQuery, err)
	}

	cypher, params := buildCypher(q, e.cfg.Label, e.cfg.StorageIDKey)

	session := e.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: e.cfg.Database,
	})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrLineageQuery, q, err)
	}

	records := result.([]*neo4j.Record)
	g := NewGraph()
	for _, rec := range records {
		raw, ok := rec.Get("n")
		if !ok {
			continue
		}
		node, ok := raw.(neo4j.Node)
		if !ok {
			continue
		}
		id, v := vertexFromNode(node, e.cfg.StorageIDKey)
		g.Add(id, v)
	}

	if q.Kind == KindLineage && g.Len() == 0 {
		return nil, fmt.Errorf("%w: %s: %w", ErrLineageQuery, q, ErrStartNotFound)
	}
	return g, nil
}

// Close releases the driver.
func (e *Neo4jEngine) Close(ctx context.Context) error {
	return e.driver.Close(ctx)
}

// buildCypher renders a query. Depth bounds cannot be parameters in Cypher and
// are formatted into the pattern.
func buildCypher(q Query, label, idKey string) (string, map[string]any) {
	if q.Kind == KindMatch {
		cypher := fmt.Sprintf("MATCH (n:%s)\n"+
			"WHERE n.`%s` = $sourceHost AND n.`%s` = $sourcePort\n"+
			"  AND n.`%s` = $destinationHost AND n.`%s` = $destinationPort\n"+
			"RETURN n",
			quoteLabel(label),
			provenance.KeySourceHost, provenance.KeySourcePort,
			provenance.KeyDestinationHost, provenance.KeyDestinationPort)
		return cypher, map[string]any{
			"sourceHost":      q.Match.SourceHost,
			"sourcePort":      q.Match.SourcePort,
			"destinationHost": q.Match.DestinationHost,
			"destinationPort": q.Match.DestinationPort,
		}
	}

	pattern := "(s)-[*0..%d]->(n:%s)"
	if q.Direction == Descendants {
		pattern = "(s)<-[*0..%d]-(n:%s)"
	}
	cypher := fmt.Sprintf("MATCH (s:%s)\n"+
		"WHERE s[$idKey] = $id OR elementId(s) = $id\n"+
		"MATCH "+pattern+"\n"+
		"RETURN DISTINCT n",
		quoteLabel(label), q.MaxDepth, quoteLabel(label))
	return cypher, map[string]any{"idKey": idKey, "id": q.StorageID}
}

func quoteLabel(label string) string {
	return "`" + strings.ReplaceAll(label, "`", "``") + "`"
}

// vertexFromNode converts a node into a vertex carrying its storage id under idKey.
func vertexFromNode(node neo4j.Node, idKey string) (string, *provenance.Vertex) {
	annotations := make(map[string]string, len(node.Props)+1)
	for k, v := range node.Props {
		if s, ok := v.(string); ok {
			annotations[k] = s
		} else {
			annotations[k] = fmt.Sprint(v)
		}
	}
	id := annotations[idKey]
	if id == "" {
		id = node.ElementId
		annotations[idKey] = id
	}
	return id, provenance.NewVertex(annotations)
}
