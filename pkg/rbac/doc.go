// Package rbac computes effective access rights over the containment tree.
//
// The checks are stateless predicates over the requesting user and the
// resolved ancestor chain: one function per (resource-type, action) pair.
// Denial is always an explicit error carrying the resource id and the
// attempted action, never a silent boolean, so the batch engine can
// short-circuit without extra branching and errors read the same across
// entity types.
//
// Policy invariants preserved from the original system:
//
//   - A global admin satisfies every check unconditionally.
//   - Deleting an organization, project, branch or element is global-admin
//     only; delete is never delegable to resource-level admins for these
//     types. Deleting an org is intentionally stricter than updating it.
//   - Internal-visibility projects are readable by anyone holding org-level
//     read; private projects require an entry in the project's own map.
//
// A Resolver adds a two-level decision cache (in-process LRU in front of
// redis) for allow decisions, invalidated whenever a permissions map changes.
package rbac
