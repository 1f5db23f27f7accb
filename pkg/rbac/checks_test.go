package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trellis-mbe/trellis/pkg/auth"
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/model"
)

var (
	globalAdmin = &model.User{Username: "root", Admin: true}
	orgAdmin    = &model.User{Username: "olwen"}
	orgWriter   = &model.User{Username: "wyatt"}
	orgReader   = &model.User{Username: "rhea"}
	projAdmin   = &model.User{Username: "paula"}
	projWriter  = &model.User{Username: "warren"}
	projReader  = &model.User{Username: "ranulf"}
	outsider    = &model.User{Username: "olaf"}
)

func fixtureOrg() *model.Organization {
	org := &model.Organization{ID: "acme", Name: "Acme", Permissions: model.PermissionMap{}}
	org.Permissions.Grant(orgAdmin.Username, auth.RoleAdmin)
	org.Permissions.Grant(orgWriter.Username, auth.RoleWrite)
	org.Permissions.Grant(orgReader.Username, auth.RoleRead)
	return org
}

func fixtureProject(vis model.Visibility) *model.Project {
	p := &model.Project{
		ID: "acme:rover", Org: "acme", Name: "Rover",
		Visibility: vis, Permissions: model.PermissionMap{},
	}
	p.Permissions.Grant(projAdmin.Username, auth.RoleAdmin)
	p.Permissions.Grant(projWriter.Username, auth.RoleWrite)
	p.Permissions.Grant(projReader.Username, auth.RoleRead)
	return p
}

func TestRequirePrincipal(t *testing.T) {
	assert.True(t, errs.IsValidation(CreateOrg(nil)))
	assert.True(t, errs.IsValidation(CreateOrg(&model.User{})))
}

func TestOrgChecks(t *testing.T) {
	org := fixtureOrg()

	t.Run("create is global admin only", func(t *testing.T) {
		assert.NoError(t, CreateOrg(globalAdmin))
		assert.True(t, errs.IsPermission(CreateOrg(orgAdmin)))
	})

	t.Run("read requires any entry", func(t *testing.T) {
		assert.NoError(t, ReadOrg(globalAdmin, org))
		assert.NoError(t, ReadOrg(orgReader, org))
		assert.True(t, errs.IsPermission(ReadOrg(outsider, org)))
	})

	t.Run("update requires org admin", func(t *testing.T) {
		assert.NoError(t, UpdateOrg(globalAdmin, org))
		assert.NoError(t, UpdateOrg(orgAdmin, org))
		assert.True(t, errs.IsPermission(UpdateOrg(orgWriter, org)))
	})

	t.Run("delete is stricter than update", func(t *testing.T) {
		assert.NoError(t, DeleteOrg(globalAdmin, org))
		assert.True(t, errs.IsPermission(DeleteOrg(orgAdmin, org)))
	})
}

func TestProjectChecks(t *testing.T) {
	org := fixtureOrg()

	t.Run("create requires org write", func(t *testing.T) {
		assert.NoError(t, CreateProject(globalAdmin, org))
		assert.NoError(t, CreateProject(orgWriter, org))
		assert.NoError(t, CreateProject(orgAdmin, org))
		assert.True(t, errs.IsPermission(CreateProject(orgReader, org)))
	})

	t.Run("private project read requires project read", func(t *testing.T) {
		p := fixtureProject(model.VisibilityPrivate)
		assert.NoError(t, ReadProject(globalAdmin, org, p))
		assert.NoError(t, ReadProject(projReader, org, p))
		assert.True(t, errs.IsPermission(ReadProject(orgReader, org, p)))
	})

	t.Run("internal project read accepts org read", func(t *testing.T) {
		p := fixtureProject(model.VisibilityInternal)
		assert.NoError(t, ReadProject(orgReader, org, p))
		assert.NoError(t, ReadProject(projReader, org, p))
		assert.True(t, errs.IsPermission(ReadProject(outsider, org, p)))
	})

	t.Run("update requires project admin", func(t *testing.T) {
		p := fixtureProject(model.VisibilityPrivate)
		assert.NoError(t, UpdateProject(projAdmin, p))
		assert.True(t, errs.IsPermission(UpdateProject(projWriter, p)))
	})

	t.Run("delete is global admin only", func(t *testing.T) {
		p := fixtureProject(model.VisibilityPrivate)
		assert.NoError(t, DeleteProject(globalAdmin, p))
		assert.True(t, errs.IsPermission(DeleteProject(projAdmin, p)))
	})
}

func TestBranchAndElementChecks(t *testing.T) {
	p := fixtureProject(model.VisibilityPrivate)
	b := &model.Branch{ID: "acme:rover:dev", Org: "acme", Project: "acme:rover"}

	t.Run("mutation requires project write", func(t *testing.T) {
		assert.NoError(t, CreateBranch(projWriter, p))
		assert.NoError(t, UpdateBranch(projWriter, p, b))
		assert.NoError(t, CreateElement(projWriter, p, b.ID))
		assert.NoError(t, UpdateElement(projWriter, p, "acme:rover:dev:wheel"))

		assert.True(t, errs.IsPermission(CreateBranch(projReader, p)))
		assert.True(t, errs.IsPermission(UpdateElement(projReader, p, "acme:rover:dev:wheel")))
	})

	t.Run("deletion is global admin only", func(t *testing.T) {
		assert.NoError(t, DeleteBranch(globalAdmin, b))
		assert.NoError(t, DeleteElement(globalAdmin, "acme:rover:dev:wheel"))
		assert.True(t, errs.IsPermission(DeleteBranch(projAdmin, b)))
		assert.True(t, errs.IsPermission(DeleteElement(projAdmin, "acme:rover:dev:wheel")))
	})
}

func TestWebhookChecks(t *testing.T) {
	org := fixtureOrg()

	t.Run("org scope requires org admin", func(t *testing.T) {
		assert.NoError(t, CreateWebhook(orgAdmin, org, nil, "acme"))
		assert.NoError(t, UpdateWebhook(globalAdmin, org, nil, "acme"))
		assert.True(t, errs.IsPermission(CreateWebhook(orgWriter, org, nil, "acme")))
	})

	t.Run("project scope requires project admin", func(t *testing.T) {
		p := fixtureProject(model.VisibilityPrivate)
		assert.NoError(t, CreateWebhook(projAdmin, org, p, "acme:rover"))
		assert.NoError(t, DeleteWebhook(projAdmin, org, p, "acme:rover:master"))
		assert.True(t, errs.IsPermission(CreateWebhook(orgAdmin, org, p, "acme:rover")))
		assert.True(t, errs.IsPermission(DeleteWebhook(projWriter, org, p, "acme:rover")))
	})

	t.Run("read follows scope read", func(t *testing.T) {
		p := fixtureProject(model.VisibilityInternal)
		assert.NoError(t, ReadWebhook(orgReader, org, nil, "acme"))
		assert.NoError(t, ReadWebhook(orgReader, org, p, "acme:rover"))
		assert.NoError(t, ReadWebhook(projReader, org, p, "acme:rover"))
		assert.True(t, errs.IsPermission(ReadWebhook(outsider, org, p, "acme:rover")))
	})
}

func TestArtifactChecks(t *testing.T) {
	org := fixtureOrg()
	p := fixtureProject(model.VisibilityPrivate)

	assert.NoError(t, CreateArtifact(projWriter, p, "acme:rover:master"))
	assert.NoError(t, ReadArtifact(projReader, org, p))
	assert.NoError(t, UpdateArtifact(projWriter, p, "acme:rover:master:specs"))
	assert.True(t, errs.IsPermission(DeleteArtifact(projAdmin, "acme:rover:master:specs")))
	assert.NoError(t, DeleteArtifact(globalAdmin, "acme:rover:master:specs"))
}

func TestUserChecks(t *testing.T) {
	t.Run("create requires global admin", func(t *testing.T) {
		assert.NoError(t, CreateUser(globalAdmin))
		assert.True(t, errs.IsPermission(CreateUser(outsider)))
	})

	t.Run("read is self or admin", func(t *testing.T) {
		assert.NoError(t, ReadUser(outsider, "olaf"))
		assert.NoError(t, ReadUser(globalAdmin, "olaf"))
		assert.True(t, errs.IsPermission(ReadUser(outsider, "rhea")))
	})

	t.Run("self update cannot touch admin flag", func(t *testing.T) {
		assert.NoError(t, UpdateUser(outsider, "olaf", false))
		assert.True(t, errs.IsPermission(UpdateUser(outsider, "olaf", true)))
		assert.NoError(t, UpdateUser(globalAdmin, "olaf", true))
	})

	t.Run("delete is admin and never self", func(t *testing.T) {
		assert.NoError(t, DeleteUser(globalAdmin, "olaf"))
		assert.True(t, errs.IsPermission(DeleteUser(outsider, "rhea")))
		assert.True(t, errs.IsConflict(DeleteUser(globalAdmin, "root")))
	})
}

func TestOrgScope(t *testing.T) {
	assert.Equal(t, "acme", OrgScope("acme:rover:master:wheel"))
	assert.Equal(t, "acme", OrgScope("acme"))
}
