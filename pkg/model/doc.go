// Package model defines the persisted document types of the Trellis
// containment tree: users, organizations, projects, branches, elements,
// webhooks and artifacts.
//
// Every entity below the organization level is keyed by a composite id that
// encodes its containment path (org:project:branch:element). Organizations
// and projects carry a permissions map from username to held roles; all
// entities carry audit metadata and an archived flag. Per-entity allow-lists
// declare which fields the batch update path may touch and which fields are
// immutable once set.
package model
