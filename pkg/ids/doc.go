// Package ids builds and parses the composite ids that encode an entity's
// containment path (org:project:branch:element). Every create/find/update
// path uses it to derive composite keys, and permission checks use it to
// recover the ancestor chain from a leaf id without a store round-trip.
package ids
