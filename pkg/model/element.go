package model

import (
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
)

// Element is a leaf of the containment tree, keyed org:project:branch:element.
// Parent references another element in the same branch (or the sentinel
// "model" root), forming a tree. Source and target, used by relationship-type
// elements, must both be present or both absent and must resolve in the same
// project and branch.
type Element struct {
	ID            string                 `json:"id"`
	Org           string                 `json:"org"`
	Project       string                 `json:"project"`
	Branch        string                 `json:"branch"`
	Name          string                 `json:"name,omitempty"`
	Type          string                 `json:"type,omitempty"`
	Documentation string                 `json:"documentation,omitempty"`
	Parent        string                 `json:"parent,omitempty"`
	Source        string                 `json:"source,omitempty"`
	Target        string                 `json:"target,omitempty"`
	Custom        map[string]interface{} `json:"custom,omitempty"`
	Metadata

	// Populated holds reference fields resolved to embedded documents when a
	// find asks for population. It is never persisted.
	Populated map[string]interface{} `json:"-"`
}

// ElementUpdatableFields lists the fields the batch update path may change.
var ElementUpdatableFields = []string{"name", "type", "documentation", "custom", "archived", "source", "target"}

// ElementImmutableFields are rejected with a conflict even when unchanged.
var ElementImmutableFields = []string{"id", "org", "project", "branch", "parent"}

// BranchScope returns the composite org:project:branch prefix of the element.
func (e *Element) BranchScope() string {
	return ids.Scope(e.ID, 3)
}

// IsRoot reports whether the element is the sentinel model root of its branch.
func (e *Element) IsRoot() bool {
	return ids.Leaf(e.ID) == RootElementID
}

// Validate checks a new element document before insertion. Reference
// resolution against the store and the in-batch index happens in the engine;
// this only checks shape and scope.
func (e *Element) Validate() error {
	if e.ID == "" {
		return errs.NewValidation("id", "element id is required")
	}
	segments := ids.Parse(e.ID)
	if len(segments) != 4 {
		return errs.NewValidation("id", "element id [%s] must have the form org:project:branch:element", e.ID)
	}
	for _, s := range segments {
		if err := ids.ValidateSegment(s); err != nil {
			return err
		}
	}
	scope := ids.Build(segments[:3]...)
	if e.Org != segments[0] || e.Project != ids.Build(segments[0], segments[1]) || e.Branch != scope {
		return errs.NewValidation("id", "element [%s] ancestry fields do not match its id", e.ID)
	}
	if (e.Source == "") != (e.Target == "") {
		return errs.NewValidation("source", "element [%s] must set source and target together", e.ID)
	}
	for field, ref := range map[string]string{"parent": e.Parent, "source": e.Source, "target": e.Target} {
		if ref == "" {
			continue
		}
		if ids.Scope(ref, 3) != scope || len(ids.Parse(ref)) != 4 {
			return errs.NewValidation(field, "element [%s] %s [%s] is outside branch [%s]", e.ID, field, ref, scope)
		}
	}
	return nil
}
