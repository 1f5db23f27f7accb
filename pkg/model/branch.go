package model

import (
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
)

// Branch belongs to exactly one project. Its id is the composite
// org:project:branch. Source, when set, is the composite id of the branch it
// was forked from and must resolve within the same project.
type Branch struct {
	ID      string                 `json:"id"`
	Org     string                 `json:"org"`
	Project string                 `json:"project"`
	Name    string                 `json:"name"`
	Source  string                 `json:"source,omitempty"`
	Custom  map[string]interface{} `json:"custom,omitempty"`
	Metadata

	// Populated holds reference fields resolved to embedded documents when a
	// find asks for population. It is never persisted.
	Populated map[string]interface{} `json:"-"`
}

// BranchUpdatableFields lists the fields the batch update path may change.
var BranchUpdatableFields = []string{"name", "custom", "archived"}

// BranchImmutableFields are rejected with a conflict even when unchanged.
var BranchImmutableFields = []string{"id", "org", "project", "source"}

// Validate checks a new branch document before insertion.
func (b *Branch) Validate() error {
	if b.ID == "" {
		return errs.NewValidation("id", "branch id is required")
	}
	segments := ids.Parse(b.ID)
	if len(segments) != 3 {
		return errs.NewValidation("id", "branch id [%s] must have the form org:project:branch", b.ID)
	}
	for _, s := range segments {
		if err := ids.ValidateSegment(s); err != nil {
			return err
		}
	}
	if b.Org != segments[0] || b.Project != ids.Build(segments[0], segments[1]) {
		return errs.NewValidation("id", "branch [%s] ancestry fields do not match its id", b.ID)
	}
	if b.Source != "" {
		src := ids.Parse(b.Source)
		if len(src) != 3 || ids.Build(src[0], src[1]) != b.Project {
			return errs.NewValidation("source", "branch source [%s] must be a branch of project [%s]", b.Source, b.Project)
		}
	}
	return nil
}
