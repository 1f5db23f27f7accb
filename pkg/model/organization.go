package model

import (
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
)

// Organization is the root of the containment tree.
type Organization struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Permissions PermissionMap          `json:"permissions"`
	Custom      map[string]interface{} `json:"custom,omitempty"`
	Metadata
}

// OrgUpdatableFields lists the fields the batch update path may change on an
// organization.
var OrgUpdatableFields = []string{"name", "custom", "archived", "permissions"}

// OrgImmutableFields lists fields that are rejected with a conflict even when
// present unchanged in an update.
var OrgImmutableFields = []string{"id"}

// Validate checks a new organization document before insertion.
func (o *Organization) Validate() error {
	if o.ID == "" {
		return errs.NewValidation("id", "organization id is required")
	}
	if err := ids.ValidateSegment(o.ID); err != nil {
		return err
	}
	if o.Name == "" {
		return errs.NewValidation("name", "organization name is required")
	}
	return nil
}
