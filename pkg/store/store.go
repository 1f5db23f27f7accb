package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned by FindOne when no document matches.
var ErrNotFound = errors.New("store: document not found")

// DuplicateKeyError is returned by InsertMany when one or more ids already
// exist in the collection. IDs enumerates the conflicts when the backend can
// recover them.
type DuplicateKeyError struct {
	Collection string
	IDs        []string
}

func (e *DuplicateKeyError) Error() string {
	ids := append([]string(nil), e.IDs...)
	sort.Strings(ids)
	return fmt.Sprintf("store: duplicate ids in %s: [%s]", e.Collection, strings.Join(ids, ", "))
}

// IsDuplicateKey reports whether err is a DuplicateKeyError.
func IsDuplicateKey(err error) bool {
	var dup *DuplicateKeyError
	return errors.As(err, &dup)
}

// In matches documents whose field value is any of the given strings.
type In []string

// Prefix matches documents whose string field value starts with the given
// prefix. Cascade scoping uses it to select everything under a composite id.
type Prefix string

// Filter is a conjunction of field predicates. Values are compared for
// equality unless they are In or Prefix. The field "id" addresses the
// document key.
type Filter map[string]interface{}

// FindOptions bound and page a find. Zero values mean no limit and no skip.
// Results are always ordered by id so paging is stable.
type FindOptions struct {
	Limit int
	Skip  int
}

// Doc pairs a document key with its JSON encoding for bulk insertion.
type Doc struct {
	ID   string
	Data []byte
}

// Store is the persistence interface the engine is built against.
type Store interface {
	// Find returns the JSON documents matching the filter, ordered by id.
	Find(ctx context.Context, coll string, f Filter, opts FindOptions) ([][]byte, error)

	// FindOne returns a single matching document or ErrNotFound.
	FindOne(ctx context.Context, coll string, f Filter) ([]byte, error)

	// InsertMany inserts all documents or none. An existing id fails the
	// whole call with a DuplicateKeyError.
	InsertMany(ctx context.Context, coll string, docs []Doc) error

	// ReplaceOne replaces the document with the given id, which must exist.
	ReplaceOne(ctx context.Context, coll string, id string, data []byte) error

	// UpdateMany shallow-merges the given top-level fields into every
	// matching document and returns the number of documents touched.
	UpdateMany(ctx context.Context, coll string, f Filter, fields map[string]interface{}) (int64, error)

	// DeleteMany removes every matching document and returns the count.
	DeleteMany(ctx context.Context, coll string, f Filter) (int64, error)

	// Count returns the number of matching documents.
	Count(ctx context.Context, coll string, f Filter) (int64, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
