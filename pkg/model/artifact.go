package model

import (
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
)

// Artifact is the metadata document for a blob attached to a branch, keyed
// org:project:branch:artifact. Content is held in the blob store addressed by
// its SHA-256 hash; this document records where it lives and what it is
// called.
type Artifact struct {
	ID       string                 `json:"id"`
	Org      string                 `json:"org"`
	Project  string                 `json:"project"`
	Branch   string                 `json:"branch"`
	Filename string                 `json:"filename"`
	Location string                 `json:"location"`
	Hash     string                 `json:"hash,omitempty"`
	Size     int64                  `json:"size,omitempty"`
	Custom   map[string]interface{} `json:"custom,omitempty"`
	Metadata
}

// ArtifactUpdatableFields lists the fields the batch update path may change.
var ArtifactUpdatableFields = []string{"filename", "location", "custom", "archived", "hash", "size"}

// ArtifactImmutableFields are rejected with a conflict even when unchanged.
var ArtifactImmutableFields = []string{"id", "org", "project", "branch"}

// Validate checks a new artifact document before insertion.
func (a *Artifact) Validate() error {
	if a.ID == "" {
		return errs.NewValidation("id", "artifact id is required")
	}
	segments := ids.Parse(a.ID)
	if len(segments) != 4 {
		return errs.NewValidation("id", "artifact id [%s] must have the form org:project:branch:artifact", a.ID)
	}
	for _, s := range segments {
		if err := ids.ValidateSegment(s); err != nil {
			return err
		}
	}
	if a.Org != segments[0] || a.Project != ids.Build(segments[0], segments[1]) || a.Branch != ids.Build(segments[:3]...) {
		return errs.NewValidation("id", "artifact [%s] ancestry fields do not match its id", a.ID)
	}
	if a.Filename == "" {
		return errs.NewValidation("filename", "artifact [%s] requires a filename", a.ID)
	}
	if a.Location == "" {
		return errs.NewValidation("location", "artifact [%s] requires a location", a.ID)
	}
	return nil
}
