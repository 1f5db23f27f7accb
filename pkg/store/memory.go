package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Store used by tests and single-node development. It
// is safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	colls map[string]map[string][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{colls: make(map[string]map[string][]byte)}
}

func (m *Memory) coll(name string) map[string][]byte {
	c, ok := m.colls[name]
	if !ok {
		c = make(map[string][]byte)
		m.colls[name] = c
	}
	return c
}

// matches evaluates the filter against one document.
func matches(id string, data []byte, f Filter) bool {
	if len(f) == 0 {
		return true
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	for field, want := range f {
		var have interface{}
		if field == "id" {
			have = id
		} else {
			have = doc[field]
		}
		if !valueMatches(have, want) {
			return false
		}
	}
	return true
}

func valueMatches(have, want interface{}) bool {
	switch w := want.(type) {
	case In:
		s, ok := have.(string)
		if !ok {
			return false
		}
		for _, v := range w {
			if v == s {
				return true
			}
		}
		return false
	case Prefix:
		s, ok := have.(string)
		return ok && strings.HasPrefix(s, string(w))
	case nil:
		return have == nil
	default:
		if have == nil {
			return false
		}
		// JSON numbers decode as float64; normalize both sides through
		// their string form so int filters match stored numbers.
		return fmt.Sprintf("%v", have) == fmt.Sprintf("%v", normalizeNumber(w))
	}
}

func normalizeNumber(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return v
	}
}

func (m *Memory) matchingIDs(coll string, f Filter) []string {
	c := m.colls[coll]
	matched := make([]string, 0, len(c))
	for id, data := range c {
		if matches(id, data, f) {
			matched = append(matched, id)
		}
	}
	sort.Strings(matched)
	return matched
}

// Find returns matching documents ordered by id.
func (m *Memory) Find(ctx context.Context, coll string, f Filter, opts FindOptions) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.matchingIDs(coll, f)
	if opts.Skip > 0 {
		if opts.Skip >= len(ids) {
			return nil, nil
		}
		ids = ids[opts.Skip:]
	}
	if opts.Limit > 0 && opts.Limit < len(ids) {
		ids = ids[:opts.Limit]
	}
	out := make([][]byte, 0, len(ids))
	for _, id := range ids {
		out = append(out, append([]byte(nil), m.colls[coll][id]...))
	}
	return out, nil
}

// FindOne returns a single matching document or ErrNotFound.
func (m *Memory) FindOne(ctx context.Context, coll string, f Filter) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.matchingIDs(coll, f)
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.colls[coll][ids[0]]...), nil
}

// InsertMany inserts all documents or none.
func (m *Memory) InsertMany(ctx context.Context, coll string, docs []Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.coll(coll)
	var dups []string
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		if _, exists := c[d.ID]; exists || seen[d.ID] {
			dups = append(dups, d.ID)
		}
		seen[d.ID] = true
	}
	if len(dups) > 0 {
		return &DuplicateKeyError{Collection: coll, IDs: dups}
	}
	for _, d := range docs {
		c[d.ID] = append([]byte(nil), d.Data...)
	}
	return nil
}

// ReplaceOne replaces an existing document.
func (m *Memory) ReplaceOne(ctx context.Context, coll string, id string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.coll(coll)
	if _, ok := c[id]; !ok {
		return ErrNotFound
	}
	c[id] = append([]byte(nil), data...)
	return nil
}

// UpdateMany shallow-merges fields into every matching document.
func (m *Memory) UpdateMany(ctx context.Context, coll string, f Filter, fields map[string]interface{}) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.coll(coll)
	var n int64
	for _, id := range m.matchingIDs(coll, f) {
		var doc map[string]interface{}
		if err := json.Unmarshal(c[id], &doc); err != nil {
			return n, err
		}
		for k, v := range fields {
			doc[k] = v
		}
		data, err := json.Marshal(doc)
		if err != nil {
			return n, err
		}
		c[id] = data
		n++
	}
	return n, nil
}

// DeleteMany removes every matching document.
func (m *Memory) DeleteMany(ctx context.Context, coll string, f Filter) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.colls[coll]
	var n int64
	for _, id := range m.matchingIDs(coll, f) {
		delete(c, id)
		n++
	}
	return n, nil
}

// Count returns the number of matching documents.
func (m *Memory) Count(ctx context.Context, coll string, f Filter) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.matchingIDs(coll, f))), nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close releases nothing for the in-memory store.
func (m *Memory) Close() error { return nil }
