package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/lineagesketch/pkg/provenance"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixVertex          = byte(0x01) // vertex:vertexID -> annotations
	prefixEdge            = byte(0x02) // edge:edgeID -> EdgeRecord
	prefixConnectionIndex = byte(0x03) // conn:tuple:vertexID -> []byte{}
	prefixOutgoingIndex   = byte(0x04) // outgoing:vertexID:edgeID -> []byte{}
	prefixIncomingIndex   = byte(0x05) // incoming:vertexID:edgeID -> []byte{}
)

// BadgerEngine provides persistent storage using BadgerDB.
//
// Key Structure:
//   - Vertices: 0x01 + vertexID -> JSON(annotations)
//   - Edges: 0x02 + edgeID -> JSON(EdgeRecord)
//   - Connection Index: 0x03 + tuple + 0x00 + vertexID -> empty
//   - Outgoing Index: 0x04 + vertexID + 0x00 + edgeID -> empty
//   - Incoming Index: 0x05 + vertexID + 0x00 + edgeID -> empty
//
// Example:
//
//	engine, err := storage.NewBadgerEngine("/var/lib/sketchd/graph")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
type BadgerEngine struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB engine.
type BadgerOptions struct {
	// DataDir is the directory for storing data files. Required unless InMemory.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. Useful for testing.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger for BadgerDB internal logging. Nil silences it.
	Logger badger.Logger
}

// NewBadgerEngine opens (or creates) a persistent engine in dataDir.
func NewBadgerEngine(dataDir string) (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerEngineInMemory creates an in-memory BadgerDB for testing.
func NewBadgerEngineInMemory() (*BadgerEngine, error) {
	return NewBadgerEngineWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerEngineWithOptions creates a BadgerEngine with custom configuration.
func NewBadgerEngineWithOptions(opts BadgerOptions) (*BadgerEngine, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	// Provenance graphs are many small values; keep the footprint small.
	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerEngine{db: db}, nil
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func vertexKey(id string) []byte {
	return append([]byte{prefixVertex}, []byte(id)...)
}

func edgeKey(id string) []byte {
	return append([]byte{prefixEdge}, []byte(id)...)
}

// indexKey builds prefix + owner + 0x00 + member.
func indexKey(prefix byte, owner, member string) []byte {
	key := make([]byte, 0, 1+len(owner)+1+len(member))
	key = append(key, prefix)
	key = append(key, []byte(owner)...)
	key = append(key, 0x00)
	key = append(key, []byte(member)...)
	return key
}

// indexPrefix builds prefix + owner + 0x00 for scanning.
func indexPrefix(prefix byte, owner string) []byte {
	key := make([]byte, 0, 1+len(owner)+1)
	key = append(key, prefix)
	key = append(key, []byte(owner)...)
	key = append(key, 0x00)
	return key
}

// memberFromIndexKey extracts the member from an index key.
func memberFromIndexKey(key []byte, prefixLen int) string {
	if prefixLen >= len(key) {
		return ""
	}
	return string(key[prefixLen:])
}

// ============================================================================
// Serialization helpers
// ============================================================================

func encodeVertex(v *provenance.Vertex) ([]byte, error) {
	return json.Marshal(v)
}

func decodeVertex(data []byte) (*provenance.Vertex, error) {
	v := &provenance.Vertex{}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// ============================================================================
// Writes
// ============================================================================

func (b *BadgerEngine) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// PutVertex implements Engine.
func (b *BadgerEngine) PutVertex(v *provenance.Vertex) (string, error) {
	if v == nil {
		return "", ErrInvalidData
	}
	if err := b.checkOpen(); err != nil {
		return "", err
	}

	var id string
	err := b.db.Update(func(txn *badger.Txn) error {
		var err error
		id, err = putVertexTxn(txn, v)
		return err
	})
	return id, err
}

func putVertexTxn(txn *badger.Txn, v *provenance.Vertex) (string, error) {
	id := v.Identity()
	key := vertexKey(id)

	_, err := txn.Get(key)
	if err == nil {
		return id, nil
	}
	if err != badger.ErrKeyNotFound {
		return "", err
	}

	data, err := encodeVertex(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode vertex: %w", err)
	}
	if err := txn.Set(key, data); err != nil {
		return "", err
	}
	if v.IsNetwork() {
		connKey := indexKey(prefixConnectionIndex, connectionKey(v.Connection()), id)
		if err := txn.Set(connKey, []byte{}); err != nil {
			return "", err
		}
	}
	return id, nil
}

// PutEdge implements Engine.
func (b *BadgerEngine) PutEdge(e *provenance.Edge) (string, error) {
	if err := validEdge(e); err != nil {
		return "", err
	}
	if err := b.checkOpen(); err != nil {
		return "", err
	}
	rec := edgeRecord(e)

	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := putVertexTxn(txn, e.Source); err != nil {
			return err
		}
		if _, err := putVertexTxn(txn, e.Destination); err != nil {
			return err
		}

		key := edgeKey(rec.ID)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode edge: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set(indexKey(prefixOutgoingIndex, rec.Source, rec.ID), []byte{}); err != nil {
			return err
		}
		return txn.Set(indexKey(prefixIncomingIndex, rec.Destination, rec.ID), []byte{})
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// ============================================================================
// Reads
// ============================================================================

// GetVertex implements Engine.
func (b *BadgerEngine) GetVertex(id string) (*provenance.Vertex, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var v *provenance.Vertex
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vertexKey(id))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decodeErr error
			v, decodeErr = decodeVertex(val)
			return decodeErr
		})
	})
	return v, err
}

// Outgoing implements Engine.
func (b *BadgerEngine) Outgoing(id string) ([]EdgeRecord, error) {
	return b.adjacent(prefixOutgoingIndex, id)
}

// Incoming implements Engine.
func (b *BadgerEngine) Incoming(id string) ([]EdgeRecord, error) {
	return b.adjacent(prefixIncomingIndex, id)
}

func (b *BadgerEngine) adjacent(prefixByte byte, id string) ([]EdgeRecord, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var edges []EdgeRecord
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := indexPrefix(prefixByte, id)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			edgeID := memberFromIndexKey(it.Item().Key(), len(prefix))
			if edgeID == "" {
				continue
			}

			item, err := txn.Get(edgeKey(edgeID))
			if err != nil {
				continue
			}

			var rec EdgeRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			edges = append(edges, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// FindByConnection implements Engine.
func (b *BadgerEngine) FindByConnection(tuple provenance.ConnectionTuple) ([]Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var out []Record
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := indexPrefix(prefixConnectionIndex, connectionKey(tuple))
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := memberFromIndexKey(it.Item().Key(), len(prefix))
			if id == "" {
				continue
			}
			item, err := txn.Get(vertexKey(id))
			if err != nil {
				continue
			}
			var v *provenance.Vertex
			if err := item.Value(func(val []byte) error {
				var decodeErr error
				v, decodeErr = decodeVertex(val)
				return decodeErr
			}); err != nil {
				continue
			}
			out = append(out, Record{ID: id, Vertex: v})
		}
		return nil
	})
	return out, err
}

// FindVertices implements Engine. It scans every stored vertex.
func (b *BadgerEngine) FindVertices(match func(*provenance.Vertex) bool) ([]Record, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var out []Record
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixVertex}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := string(item.Key()[1:])
			var v *provenance.Vertex
			if err := item.Value(func(val []byte) error {
				var decodeErr error
				v, decodeErr = decodeVertex(val)
				return decodeErr
			}); err != nil {
				return fmt.Errorf("decoding vertex %s: %w", id, err)
			}
			if match == nil || match(v) {
				out = append(out, Record{ID: id, Vertex: v})
			}
		}
		return nil
	})
	return out, err
}

// VertexCount implements Engine.
func (b *BadgerEngine) VertexCount() (int64, error) {
	return b.count(prefixVertex)
}

// EdgeCount implements Engine.
func (b *BadgerEngine) EdgeCount() (int64, error) {
	return b.count(prefixEdge)
}

func (b *BadgerEngine) count(prefixByte byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := []byte{prefixByte}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the BadgerDB database.
func (b *BadgerEngine) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// RunGC runs BadgerDB value log garbage collection until nothing is reclaimed.
func (b *BadgerEngine) RunGC() error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	for {
		if err := b.db.RunValueLogGC(0.5); err != nil {
			if err == badger.ErrNoRewrite {
				return nil
			}
			return err
		}
	}
}
