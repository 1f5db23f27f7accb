// Package store provides the containment store: an abstract document store
// holding the entities of the containment tree keyed by composite ids.
//
// The interface is deliberately small: find with equality / in-set / prefix
// predicates, bulk insert with duplicate detection, replace and field-patch
// updates, bulk delete and count. Two backends ship with Trellis: an
// in-memory store used by tests and single-node development, and a PostgreSQL
// store that keeps each document as a JSONB row.
//
// Uniqueness is enforced by the backend. A concurrent create racing past the
// engine's bulk existence pre-check is resolved here, and surfaces as a
// DuplicateKeyError that the engine treats exactly like a pre-check conflict.
package store
