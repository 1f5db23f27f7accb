// Package engine implements the batch CRUD engine over the containment tree:
// a single generalized find/create/update/remove algorithm specialized per
// entity type (organizations, projects, branches, elements, webhooks,
// artifacts, users).
//
// Every operation takes the requesting user, a single-object-or-array input
// and an options struct. Input is classified, duplicate ids are detected up
// front, ancestors are resolved and authorized, composite ids are derived
// through the id codec, element references are resolved against the in-batch
// index before the store, and the persistence operation is issued so that a
// create or update batch is all-or-nothing within one call.
//
// Deletes cascade: removing an org, project, branch or element removes
// everything beneath it in fixed-size id pages, and returns the documents
// that existed before deletion. Archived entities block mutation of
// themselves and their descendants until explicitly unarchived.
package engine
