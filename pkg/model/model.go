package model

import (
	"time"

	"github.com/trellis-mbe/trellis/pkg/auth"
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
)

// Collection names used by the containment store.
const (
	CollUsers         = "users"
	CollOrganizations = "organizations"
	CollProjects      = "projects"
	CollBranches      = "branches"
	CollElements      = "elements"
	CollWebhooks      = "webhooks"
	CollArtifacts     = "artifacts"
)

// Well-known ids in the containment tree.
const (
	// DefaultOrgID is the fallback id of the protected default organization.
	// The configured default org can never be archived or deleted.
	DefaultOrgID = "default"

	// DefaultBranchID is the branch every project starts with. It can never
	// be deleted.
	DefaultBranchID = "master"

	// RootElementID is the sentinel parent of top-level elements in a branch.
	RootElementID = "model"
)

// Metadata carries the audit fields shared by every entity.
type Metadata struct {
	CreatedOn  time.Time  `json:"createdOn"`
	CreatedBy  string     `json:"createdBy"`
	UpdatedOn  time.Time  `json:"updatedOn"`
	UpdatedBy  string     `json:"updatedBy,omitempty"`
	Archived   bool       `json:"archived"`
	ArchivedOn *time.Time `json:"archivedOn,omitempty"`
	ArchivedBy string     `json:"archivedBy,omitempty"`
}

// Stamp fills creation audit fields.
func (m *Metadata) Stamp(by string, now time.Time) {
	m.CreatedOn = now
	m.CreatedBy = by
	m.UpdatedOn = now
	m.UpdatedBy = by
}

// Touch updates the modification audit fields.
func (m *Metadata) Touch(by string, now time.Time) {
	m.UpdatedOn = now
	m.UpdatedBy = by
}

// SetArchived transitions the archived flag, stamping or clearing the archive
// audit fields. Archiving an already-archived entity is a no-op so that
// ArchivedOn is not overwritten once set.
func (m *Metadata) SetArchived(archived bool, by string, now time.Time) {
	if archived == m.Archived {
		return
	}
	m.Archived = archived
	if archived {
		t := now
		m.ArchivedOn = &t
		m.ArchivedBy = by
	} else {
		m.ArchivedOn = nil
		m.ArchivedBy = ""
	}
}

// PermissionMap maps a username to the roles held on a resource. Roles are
// stored expanded: granting admin records read, write and admin.
type PermissionMap map[string][]auth.Role

// Grant replaces the user's entry with the expanded set implied by r.
func (p PermissionMap) Grant(user string, r auth.Role) {
	p[user] = auth.Expand(r)
}

// Revoke removes the user's entry entirely.
func (p PermissionMap) Revoke(user string) {
	delete(p, user)
}

// Has reports whether the user holds the given role.
func (p PermissionMap) Has(user string, r auth.Role) bool {
	return auth.Includes(p[user], r)
}

// HasAny reports whether the user appears in the map at all.
func (p PermissionMap) HasAny(user string) bool {
	return len(p[user]) > 0
}

// User represents an authenticated principal and its stored account document.
// The password is stored hashed; the plaintext never reaches this type.
type User struct {
	Username string                 `json:"username"`
	Password string                 `json:"password,omitempty"`
	Email    string                 `json:"email,omitempty"`
	Admin    bool                   `json:"admin"`
	Custom   map[string]interface{} `json:"custom,omitempty"`
	Metadata
}

// UserUpdatableFields lists the fields the batch update path may change.
var UserUpdatableFields = []string{"password", "email", "custom", "archived", "admin"}

// UserImmutableFields are rejected with a conflict even when unchanged.
var UserImmutableFields = []string{"username"}

// Validate checks a new user document before insertion.
func (u *User) Validate() error {
	if u.Username == "" {
		return errs.NewValidation("username", "username is required")
	}
	return ids.ValidateSegment(u.Username)
}
