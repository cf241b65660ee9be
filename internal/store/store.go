// Package store persists monitoring records. Writes happen off the request
// path: the Flusher periodically drains the aggregator's pending changes.
package store

import (
	"context"
	"fmt"

	"github.com/dj-oyu/exam-proctor/monitor-server/internal/alert"
)

// Store is a durable map of username to monitoring record.
type Store interface {
	// Load returns every stored record.
	Load(ctx context.Context) (map[string]alert.Record, error)
	// Save upserts the given records.
	Save(ctx context.Context, records map[string]alert.Record) error
	// Delete removes the given users. Unknown users are ignored.
	Delete(ctx context.Context, users ...string) error
	Close() error
}

// Backend types
const (
	TypeJSON   = "json"
	TypeSQLite = "sqlite"
)

// Open opens the store of the given type at path.
func Open(ctx context.Context, typ, path string) (Store, error) {
	switch typ {
	case TypeJSON, "":
		return OpenJSONFile(path)
	case TypeSQLite:
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("unknown store type %q", typ)
	}
}
