package engine

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/rbac"
	"github.com/trellis-mbe/trellis/pkg/store"
)

func seedUsers(t *testing.T, e *Engine) {
	t.Helper()
	_, err := e.CreateUsers(testCtx, admin, []*model.User{
		{Username: "wilma", Password: "hashed-pw", Email: "wilma@example.com"},
		{Username: "rita", Password: "hashed-pw"},
	}, Options{})
	require.NoError(t, err)
}

func TestCreateUsers(t *testing.T) {
	e := testEngine(t)

	users, err := e.CreateUsers(testCtx, admin, &model.User{
		Username: "fry", Password: "hashed", Email: "fry@example.com",
	}, Options{})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "fry", users[0].Username)
	assert.Equal(t, admin.Username, users[0].CreatedBy)

	// Account creation is global-admin only.
	_, err = e.CreateUsers(testCtx, writer, &model.User{Username: "leela"}, Options{})
	assert.True(t, errs.IsPermission(err))

	// Usernames follow the id segment rules.
	_, err = e.CreateUsers(testCtx, admin, &model.User{Username: "no spaces"}, Options{})
	assert.True(t, errs.IsValidation(err))
	_, err = e.CreateUsers(testCtx, admin, &model.User{Username: "x"}, Options{})
	assert.True(t, errs.IsValidation(err), "single-character usernames are too short")

	// An existing username rejects the whole batch.
	_, err = e.CreateUsers(testCtx, admin, []*model.User{
		{Username: "bender"}, {Username: "fry"},
	}, Options{})
	require.True(t, errs.IsConflict(err))
	_, err = e.FindUsers(testCtx, admin, "bender", Options{})
	assert.True(t, errs.IsNotFound(err))
}

func TestFindUsers(t *testing.T) {
	e := testEngine(t)
	seedUsers(t, e)

	// Admin sees everyone, passwords stripped.
	users, err := e.FindUsers(testCtx, admin, nil, Options{})
	require.NoError(t, err)
	require.Len(t, users, 2)
	for _, account := range users {
		assert.Empty(t, account.Password)
	}

	// A non-admin asking for everything gets only themselves.
	users, err = e.FindUsers(testCtx, writer, nil, Options{})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "wilma", users[0].Username)

	// Another user's account reads as not found.
	_, err = e.FindUsers(testCtx, writer, "rita", Options{})
	assert.True(t, errs.IsNotFound(err))

	_, err = e.FindUsers(testCtx, admin, "ghost", Options{})
	assert.True(t, errs.IsNotFound(err))
}

func TestUpdateUsers(t *testing.T) {
	e := testEngine(t)
	seedUsers(t, e)

	// Self-service update.
	users, err := e.UpdateUsers(testCtx, writer, map[string]interface{}{
		"username": "wilma",
		"email":    "w@example.com",
		"password": "new-hash",
	}, Options{})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "w@example.com", users[0].Email)
	assert.Empty(t, users[0].Password, "results never carry the password")

	// The stored password did change.
	raw, err := e.store.FindOne(testCtx, model.CollUsers, store.Filter{"id": "wilma"})
	require.NoError(t, err)
	stored, err := decodeDoc[model.User](raw)
	require.NoError(t, err)
	assert.Equal(t, "new-hash", stored.Password)

	// Only a global admin may touch the admin flag.
	_, err = e.UpdateUsers(testCtx, writer, map[string]interface{}{
		"username": "wilma", "admin": true,
	}, Options{})
	assert.True(t, errs.IsPermission(err))
	users, err = e.UpdateUsers(testCtx, admin, map[string]interface{}{
		"username": "wilma", "admin": true,
	}, Options{})
	require.NoError(t, err)
	assert.True(t, users[0].Admin)

	// Users cannot update each other.
	_, err = e.UpdateUsers(testCtx, reader, map[string]interface{}{
		"username": "wilma", "email": "x@example.com",
	}, Options{})
	assert.True(t, errs.IsPermission(err))

	// username is immutable; a blank password is rejected.
	_, err = e.UpdateUsers(testCtx, admin, map[string]interface{}{
		"username": "wilma", "password": "",
	}, Options{})
	assert.True(t, errs.IsValidation(err))
}

func TestUpdateUsersAdminRevocationDropsCache(t *testing.T) {
	resolver, err := rbac.NewResolver(nil, time.Minute, 64, nil)
	require.NoError(t, err)
	e := New(store.NewMemory(),
		WithClock(func() time.Time { return testNow }),
		WithResolver(resolver))
	seedOrg(t, e)

	// zed's org update rides the global-admin bypass and gets cached.
	_, err = e.CreateUsers(testCtx, admin, &model.User{
		Username: "zed", Password: "hashed", Admin: true,
	}, Options{})
	require.NoError(t, err)
	zed := &model.User{Username: "zed", Admin: true}
	_, err = e.UpdateOrgs(testCtx, zed, map[string]interface{}{"id": "acme", "name": "Acme One"}, Options{})
	require.NoError(t, err)

	// Revoking the flag drops the cached allow; the next attempt re-evaluates
	// and is denied.
	_, err = e.UpdateUsers(testCtx, admin, map[string]interface{}{
		"username": "zed", "admin": false,
	}, Options{})
	require.NoError(t, err)
	demoted := &model.User{Username: "zed"}
	_, err = e.UpdateOrgs(testCtx, demoted, map[string]interface{}{"id": "acme", "name": "Acme Two"}, Options{})
	assert.True(t, errs.IsPermission(err))
}

func TestRemoveUsersSoftDropsCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	resolver, err := rbac.NewResolver(rdb, time.Minute, 64, nil)
	require.NoError(t, err)
	e := New(store.NewMemory(),
		WithClock(func() time.Time { return testNow }),
		WithResolver(resolver))
	branchID := seedTree(t, e)
	_, err = e.CreateUsers(testCtx, admin, &model.User{
		Username: writer.Username, Password: "hashed-pw",
	}, Options{})
	require.NoError(t, err)

	_, err = e.CreateElements(testCtx, writer, branchID, &model.Element{ID: "x1"}, Options{})
	require.NoError(t, err)
	require.True(t, mr.Exists("perm:"+branchID+":"+writer.Username+":create"))

	// Archiving the account drops its cached decisions everywhere.
	_, err = e.RemoveUsers(testCtx, admin, writer.Username, Options{Soft: true})
	require.NoError(t, err)
	assert.False(t, mr.Exists("perm:"+branchID+":"+writer.Username+":create"))
}

func TestUpdateUsersArchived(t *testing.T) {
	e := testEngine(t)
	seedUsers(t, e)

	_, err := e.UpdateUsers(testCtx, admin, map[string]interface{}{
		"username": "rita", "archived": true,
	}, Options{})
	require.NoError(t, err)

	_, err = e.UpdateUsers(testCtx, admin, map[string]interface{}{
		"username": "rita", "email": "r@example.com",
	}, Options{})
	assert.True(t, errs.IsArchived(err))

	users, err := e.UpdateUsers(testCtx, admin, map[string]interface{}{
		"username": "rita", "archived": false,
	}, Options{})
	require.NoError(t, err)
	assert.False(t, users[0].Archived)
}

func TestRemoveUsers(t *testing.T) {
	e := testEngine(t)
	seedUsers(t, e)
	_, err := e.CreateUsers(testCtx, admin, &model.User{
		Username: admin.Username, Password: "hashed-pw", Admin: true,
	}, Options{})
	require.NoError(t, err)

	// Deletion is global-admin only, and never self.
	_, err = e.RemoveUsers(testCtx, writer, "rita", Options{})
	assert.True(t, errs.IsPermission(err))
	_, err = e.RemoveUsers(testCtx, admin, admin.Username, Options{})
	assert.True(t, errs.IsConflict(err))

	users, err := e.RemoveUsers(testCtx, admin, "rita", Options{})
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "rita", users[0].Username)

	_, err = e.FindUsers(testCtx, admin, "rita", Options{})
	assert.True(t, errs.IsNotFound(err))
}

func TestRemoveUsersHoldingPermissions(t *testing.T) {
	e := testEngine(t)
	seedOrg(t, e)
	seedUsers(t, e)

	// wilma still appears in the org's permissions map; hard deletion is
	// refused until the grants are revoked.
	_, err := e.RemoveUsers(testCtx, admin, "wilma", Options{})
	require.True(t, errs.IsConflict(err))
	assert.Contains(t, err.Error(), "wilma")

	// Soft removal archives regardless.
	users, err := e.RemoveUsers(testCtx, admin, "wilma", Options{Soft: true})
	require.NoError(t, err)
	assert.True(t, users[0].Archived)

	// After revoking the grant, hard deletion goes through.
	_, err = e.UpdateOrgs(testCtx, admin, map[string]interface{}{
		"id":          "acme",
		"permissions": map[string]interface{}{"wilma": "remove_all"},
	}, Options{})
	require.NoError(t, err)
	_, err = e.RemoveUsers(testCtx, admin, "wilma", Options{})
	require.NoError(t, err)
}
