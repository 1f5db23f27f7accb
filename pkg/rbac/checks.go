package rbac

import (
	"github.com/trellis-mbe/trellis/pkg/auth"
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
	"github.com/trellis-mbe/trellis/pkg/model"
)

// requirePrincipal guards against a malformed or unauthenticated principal
// reaching any check.
func requirePrincipal(u *model.User) error {
	if u == nil || u.Username == "" {
		return errs.NewValidation("user", "requesting user is missing an identity")
	}
	return nil
}

// CreateOrg checks whether the user may create organizations.
func CreateOrg(u *model.User) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin {
		return nil
	}
	return errs.NewPermission(u.Username, "create", "organizations")
}

// ReadOrg checks read access on an organization: the user must appear in the
// org's permissions map.
func ReadOrg(u *model.User, org *model.Organization) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin || org.Permissions.HasAny(u.Username) {
		return nil
	}
	return errs.NewPermission(u.Username, "read", org.ID)
}

// UpdateOrg checks update access on an organization: org-level admin.
func UpdateOrg(u *model.User, org *model.Organization) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin || org.Permissions.Has(u.Username, auth.RoleAdmin) {
		return nil
	}
	return errs.NewPermission(u.Username, "update", org.ID)
}

// DeleteOrg checks delete access on an organization. Stricter than update:
// only a global admin may delete.
func DeleteOrg(u *model.User, org *model.Organization) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin {
		return nil
	}
	return errs.NewPermission(u.Username, "delete", org.ID)
}

// CreateProject checks whether the user may create a project under the org:
// org-level write.
func CreateProject(u *model.User, org *model.Organization) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin || org.Permissions.Has(u.Username, auth.RoleWrite) {
		return nil
	}
	return errs.NewPermission(u.Username, "create projects in", org.ID)
}

// ReadProject checks read access on a project. Internal projects are readable
// with org-level read; private projects require project-level read.
func ReadProject(u *model.User, org *model.Organization, p *model.Project) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin || p.Permissions.Has(u.Username, auth.RoleRead) {
		return nil
	}
	if p.Visibility == model.VisibilityInternal && org.Permissions.Has(u.Username, auth.RoleRead) {
		return nil
	}
	return errs.NewPermission(u.Username, "read", p.ID)
}

// UpdateProject checks update access on a project: project-level admin.
func UpdateProject(u *model.User, p *model.Project) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin || p.Permissions.Has(u.Username, auth.RoleAdmin) {
		return nil
	}
	return errs.NewPermission(u.Username, "update", p.ID)
}

// DeleteProject checks delete access on a project: global admin only.
func DeleteProject(u *model.User, p *model.Project) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin {
		return nil
	}
	return errs.NewPermission(u.Username, "delete", p.ID)
}

// CreateBranch checks branch creation under a project: project-level write.
func CreateBranch(u *model.User, p *model.Project) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin || p.Permissions.Has(u.Username, auth.RoleWrite) {
		return nil
	}
	return errs.NewPermission(u.Username, "create branches in", p.ID)
}

// ReadBranch checks read access on a branch, which follows project read.
func ReadBranch(u *model.User, org *model.Organization, p *model.Project) error {
	return ReadProject(u, org, p)
}

// UpdateBranch checks update access on a branch: project-level write.
func UpdateBranch(u *model.User, p *model.Project, b *model.Branch) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin || p.Permissions.Has(u.Username, auth.RoleWrite) {
		return nil
	}
	return errs.NewPermission(u.Username, "update", b.ID)
}

// DeleteBranch checks delete access on a branch: global admin only.
func DeleteBranch(u *model.User, b *model.Branch) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin {
		return nil
	}
	return errs.NewPermission(u.Username, "delete", b.ID)
}

// CreateElement checks element creation under a branch: project-level write.
func CreateElement(u *model.User, p *model.Project, branchID string) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin || p.Permissions.Has(u.Username, auth.RoleWrite) {
		return nil
	}
	return errs.NewPermission(u.Username, "create elements in", branchID)
}

// ReadElement checks read access on elements, which follows project read.
func ReadElement(u *model.User, org *model.Organization, p *model.Project) error {
	return ReadProject(u, org, p)
}

// UpdateElement checks element update: project-level write.
func UpdateElement(u *model.User, p *model.Project, elementID string) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin || p.Permissions.Has(u.Username, auth.RoleWrite) {
		return nil
	}
	return errs.NewPermission(u.Username, "update", elementID)
}

// DeleteElement checks element deletion: global admin only.
func DeleteElement(u *model.User, elementID string) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin {
		return nil
	}
	return errs.NewPermission(u.Username, "delete", elementID)
}

// CreateWebhook checks webhook creation at a reference scope: admin on the
// org (for org scope) or project (for project and branch scopes).
func CreateWebhook(u *model.User, org *model.Organization, p *model.Project, reference string) error {
	return webhookAdmin(u, org, p, "create webhooks at", reference)
}

// ReadWebhook checks webhook read at a reference scope.
func ReadWebhook(u *model.User, org *model.Organization, p *model.Project, reference string) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin {
		return nil
	}
	if p != nil {
		if p.Permissions.Has(u.Username, auth.RoleRead) {
			return nil
		}
		if p.Visibility == model.VisibilityInternal && org.Permissions.Has(u.Username, auth.RoleRead) {
			return nil
		}
	} else if org.Permissions.Has(u.Username, auth.RoleRead) {
		return nil
	}
	return errs.NewPermission(u.Username, "read webhooks at", reference)
}

// UpdateWebhook checks webhook update at a reference scope: scope admin.
func UpdateWebhook(u *model.User, org *model.Organization, p *model.Project, reference string) error {
	return webhookAdmin(u, org, p, "update webhooks at", reference)
}

// DeleteWebhook checks webhook deletion at a reference scope: scope admin.
func DeleteWebhook(u *model.User, org *model.Organization, p *model.Project, reference string) error {
	return webhookAdmin(u, org, p, "delete webhooks at", reference)
}

func webhookAdmin(u *model.User, org *model.Organization, p *model.Project, action, reference string) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin {
		return nil
	}
	if p != nil {
		if p.Permissions.Has(u.Username, auth.RoleAdmin) {
			return nil
		}
	} else if org != nil && org.Permissions.Has(u.Username, auth.RoleAdmin) {
		return nil
	}
	return errs.NewPermission(u.Username, action, reference)
}

// CreateArtifact checks artifact creation under a branch: project-level write.
func CreateArtifact(u *model.User, p *model.Project, branchID string) error {
	return CreateElement(u, p, branchID)
}

// ReadArtifact checks artifact read, which follows project read.
func ReadArtifact(u *model.User, org *model.Organization, p *model.Project) error {
	return ReadProject(u, org, p)
}

// UpdateArtifact checks artifact update: project-level write.
func UpdateArtifact(u *model.User, p *model.Project, artifactID string) error {
	return UpdateElement(u, p, artifactID)
}

// DeleteArtifact checks artifact deletion: global admin only, matching the
// policy for the other tree types.
func DeleteArtifact(u *model.User, artifactID string) error {
	return DeleteElement(u, artifactID)
}

// CreateUser checks account creation: global admin only.
func CreateUser(u *model.User) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin {
		return nil
	}
	return errs.NewPermission(u.Username, "create", "users")
}

// ReadUser checks whether the user may read another user's account: self or
// global admin.
func ReadUser(u *model.User, username string) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin || u.Username == username {
		return nil
	}
	return errs.NewPermission(u.Username, "read", username)
}

// UpdateUser checks account updates: self or global admin. Only a global
// admin may change the admin flag.
func UpdateUser(u *model.User, username string, patchesAdmin bool) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if u.Admin {
		return nil
	}
	if u.Username == username && !patchesAdmin {
		return nil
	}
	return errs.NewPermission(u.Username, "update", username)
}

// DeleteUser checks account deletion: global admin, and never self.
func DeleteUser(u *model.User, username string) error {
	if err := requirePrincipal(u); err != nil {
		return err
	}
	if !u.Admin {
		return errs.NewPermission(u.Username, "delete", username)
	}
	if u.Username == username {
		return errs.Conflictf("user [%s] cannot delete their own account", username)
	}
	return nil
}

// OrgScope extracts the org id from any composite id for permission lookups.
func OrgScope(id string) string {
	return ids.Scope(id, 1)
}
