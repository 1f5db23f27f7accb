package model

import (
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
)

// Visibility governs whether org-level read suffices to read a project.
type Visibility string

const (
	// VisibilityInternal lets any holder of org-level read see the project.
	VisibilityInternal Visibility = "internal"
	// VisibilityPrivate requires the user to appear in the project's own
	// permissions map.
	VisibilityPrivate Visibility = "private"
)

// Project belongs to exactly one organization. Its id is the composite
// org:project.
type Project struct {
	ID          string                 `json:"id"`
	Org         string                 `json:"org"`
	Name        string                 `json:"name"`
	Visibility  Visibility             `json:"visibility"`
	Permissions PermissionMap          `json:"permissions"`
	Custom      map[string]interface{} `json:"custom,omitempty"`
	Metadata

	// Populated holds reference fields resolved to embedded documents when a
	// find asks for population. It is never persisted.
	Populated map[string]interface{} `json:"-"`
}

// ProjectUpdatableFields lists the fields the batch update path may change.
var ProjectUpdatableFields = []string{"name", "custom", "archived", "permissions", "visibility"}

// ProjectImmutableFields are rejected with a conflict even when unchanged.
var ProjectImmutableFields = []string{"id", "org"}

// Validate checks a new project document before insertion.
func (p *Project) Validate() error {
	if p.ID == "" {
		return errs.NewValidation("id", "project id is required")
	}
	segments := ids.Parse(p.ID)
	if len(segments) != 2 {
		return errs.NewValidation("id", "project id [%s] must have the form org:project", p.ID)
	}
	for _, s := range segments {
		if err := ids.ValidateSegment(s); err != nil {
			return err
		}
	}
	if p.Org == "" || p.Org != segments[0] {
		return errs.NewValidation("org", "project [%s] org field [%s] does not match its id", p.ID, p.Org)
	}
	if p.Name == "" {
		return errs.NewValidation("name", "project name is required")
	}
	switch p.Visibility {
	case VisibilityInternal, VisibilityPrivate:
	case "":
		p.Visibility = VisibilityPrivate
	default:
		return errs.NewValidation("visibility", "unknown visibility [%s]", p.Visibility)
	}
	return nil
}
