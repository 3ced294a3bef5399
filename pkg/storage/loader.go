package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/orneryd/lineagesketch/pkg/provenance"
)

// ReadEdges decodes a stream of JSON edge objects and calls fn for each, in order.
// The stream is one object per line as written by the provenance recorders:
//
//	{"type":"Used","source":{"type":"Process","pid":"42"},"destination":{"network":"true",...}}
//
// Any whitespace between objects is accepted. fn returning an error stops the read.
func ReadEdges(r io.Reader, fn func(*provenance.Edge) error) error {
	dec := json.NewDecoder(r)
	for n := 1; ; n++ {
		var e provenance.Edge
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding edge %d: %w", n, err)
		}
		if validEdge(&e) != nil {
			return fmt.Errorf("edge %d: %w: missing source or destination", n, ErrInvalidData)
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
}

// LoadEdgesFile stores every edge of a JSON edge stream file into engine and returns
// the number of edges read.
func LoadEdgesFile(engine Engine, path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening file: %w", err)
	}
	defer file.Close()

	count := 0
	err = ReadEdges(file, func(e *provenance.Edge) error {
		if _, err := engine.PutEdge(e); err != nil {
			return fmt.Errorf("storing edge %d: %w", count+1, err)
		}
		count++
		return nil
	})
	return count, err
}
