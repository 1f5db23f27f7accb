package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-mbe/trellis/pkg/auth"
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/store"
)

var testNow = time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC)

// Shared principals. wilma holds org write on the fixture org, rita org
// read, oscar nothing.
var (
	admin   = &model.User{Username: "root", Admin: true}
	writer  = &model.User{Username: "wilma"}
	reader  = &model.User{Username: "rita"}
	nobody  = &model.User{Username: "oscar"}
	testCtx = context.Background()
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return New(store.NewMemory(), WithClock(func() time.Time { return testNow }))
}

// seedOrg creates the fixture org "acme" as the global admin, with wilma as
// org writer and rita as org reader.
func seedOrg(t *testing.T, e *Engine) *model.Organization {
	t.Helper()
	perms := model.PermissionMap{}
	perms.Grant(writer.Username, auth.RoleWrite)
	perms.Grant(reader.Username, auth.RoleRead)
	orgs, err := e.CreateOrgs(testCtx, admin, &model.Organization{
		ID: "acme", Name: "Acme", Permissions: perms,
	}, Options{})
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	return orgs[0]
}

// seedProject creates "acme:widgets" under the fixture org as wilma, who
// becomes project admin via the creator grant.
func seedProject(t *testing.T, e *Engine) *model.Project {
	t.Helper()
	projects, err := e.CreateProjects(testCtx, writer, "acme", &model.Project{
		ID: "widgets", Name: "Widgets",
	}, Options{})
	require.NoError(t, err)
	require.Len(t, projects, 1)
	return projects[0]
}

// seedTree builds org, project and returns the seeded master branch id.
func seedTree(t *testing.T, e *Engine) string {
	t.Helper()
	seedOrg(t, e)
	seedProject(t, e)
	return "acme:widgets:master"
}

func TestClassifyIDs(t *testing.T) {
	ids, all, err := classifyIDs(nil)
	require.NoError(t, err)
	assert.True(t, all)
	assert.Empty(t, ids)

	ids, all, err = classifyIDs("acme")
	require.NoError(t, err)
	assert.False(t, all)
	assert.Equal(t, []string{"acme"}, ids)

	ids, _, err = classifyIDs([]string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	ids, _, err = classifyIDs([]interface{}{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	_, _, err = classifyIDs([]interface{}{"a", 7})
	assert.True(t, errs.IsValidation(err))
	_, _, err = classifyIDs(42)
	assert.True(t, errs.IsValidation(err))
}

func TestClassifyObjects(t *testing.T) {
	objs, err := classifyObjects(map[string]interface{}{"id": "x"})
	require.NoError(t, err)
	require.Len(t, objs, 1)

	objs, err = classifyObjects([]map[string]interface{}{{"id": "x"}, {"id": "y"}})
	require.NoError(t, err)
	assert.Len(t, objs, 2)

	// Typed documents round-trip through JSON.
	objs, err = classifyObjects(&model.Organization{ID: "acme", Name: "Acme"})
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "acme", objs[0]["id"])

	objs, err = classifyObjects([]*model.Organization{{ID: "a", Name: "A"}, {ID: "b", Name: "B"}})
	require.NoError(t, err)
	assert.Len(t, objs, 2)

	_, err = classifyObjects(nil)
	assert.True(t, errs.IsValidation(err))
	_, err = classifyObjects("acme")
	assert.True(t, errs.IsValidation(err))
}

func TestBuildIndex(t *testing.T) {
	index, ordered, err := buildIndex([]map[string]interface{}{
		{"id": "b"}, {"id": "a"},
	}, "id")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ordered, "input order is preserved")
	assert.Len(t, index, 2)
	assert.NotContains(t, index["b"], "id", "addressing key is not part of the patch body")

	_, _, err = buildIndex([]map[string]interface{}{{"name": "x"}}, "id")
	assert.True(t, errs.IsValidation(err))

	_, _, err = buildIndex([]map[string]interface{}{{"id": "a"}, {"id": "a"}}, "id")
	require.True(t, errs.IsConflict(err))
	assert.Contains(t, err.Error(), "a")
}

func TestNormalizeID(t *testing.T) {
	id, err := normalizeID("acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, "acme:widgets", id)

	id, err = normalizeID("acme", "acme:widgets")
	require.NoError(t, err)
	assert.Equal(t, "acme:widgets", id)

	_, err = normalizeID("acme", "other:widgets")
	assert.True(t, errs.IsValidation(err))
}

func TestCheckPatchKeys(t *testing.T) {
	updatable := []string{"name", "custom"}
	immutable := []string{"id"}

	require.NoError(t, checkPatchKeys("thing", map[string]interface{}{"name": "x"}, updatable, immutable))

	err := checkPatchKeys("thing", map[string]interface{}{"id": "same"}, updatable, immutable)
	assert.True(t, errs.IsConflict(err), "immutable fields conflict even when unchanged")

	err = checkPatchKeys("thing", map[string]interface{}{"bogus": 1}, updatable, immutable)
	assert.True(t, errs.IsValidation(err))
}

func TestMergeCustom(t *testing.T) {
	existing := map[string]interface{}{"keep": "old", "drop": "x", "replace": 1}
	merged, err := mergeCustom(existing, map[string]interface{}{
		"drop":    nil,
		"replace": 2,
		"add":     "new",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"keep": "old", "replace": 2, "add": "new"}, merged)
	assert.Equal(t, "x", existing["drop"], "the input map is not mutated")

	_, err = mergeCustom(nil, "not an object")
	assert.True(t, errs.IsValidation(err))
}

func TestApplyPermissions(t *testing.T) {
	existing := model.PermissionMap{}
	existing.Grant("fry", auth.RoleWrite)
	existing.Grant("bender", auth.RoleRead)

	merged, err := applyPermissions(existing, map[string]interface{}{
		"leela":  "admin",
		"bender": "remove_all",
	})
	require.NoError(t, err)
	assert.True(t, merged.Has("leela", auth.RoleAdmin))
	assert.True(t, merged.Has("fry", auth.RoleWrite))
	assert.False(t, merged.HasAny("bender"))

	// nil and "" also revoke.
	merged, err = applyPermissions(existing, map[string]interface{}{"fry": nil})
	require.NoError(t, err)
	assert.False(t, merged.HasAny("fry"))
	merged, err = applyPermissions(existing, map[string]interface{}{"fry": ""})
	require.NoError(t, err)
	assert.False(t, merged.HasAny("fry"))

	_, err = applyPermissions(existing, map[string]interface{}{"fry": "superuser"})
	assert.True(t, errs.IsValidation(err))
	_, err = applyPermissions(existing, map[string]interface{}{"fry": 3})
	assert.True(t, errs.IsValidation(err))
	_, err = applyPermissions(existing, []interface{}{"fry"})
	assert.True(t, errs.IsValidation(err))
}
