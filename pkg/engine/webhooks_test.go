package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/model"
)

func outgoingHook(name string) *model.Webhook {
	return &model.Webhook{
		Name:     name,
		Type:     model.WebhookOutgoing,
		Triggers: []string{"element.created"},
		Responses: []model.WebhookResponse{
			{URL: "https://hooks.example.com/trellis", Method: "POST"},
		},
	}
}

func incomingHook(name string) *model.Webhook {
	return &model.Webhook{
		Name:          name,
		Type:          model.WebhookIncoming,
		Triggers:      []string{"artifact.uploaded"},
		Token:         "s3cret",
		TokenLocation: "X-Trellis-Token",
	}
}

func TestCreateWebhooks(t *testing.T) {
	e := testEngine(t)
	seedTree(t, e)

	// wilma is project admin via the creator grant; project scope works.
	hooks, err := e.CreateWebhooks(testCtx, writer, "acme:widgets", outgoingHook("notify"), Options{})
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, "acme:widgets", hooks[0].Reference)
	_, err = uuid.Parse(hooks[0].ID)
	assert.NoError(t, err, "ids are server-assigned UUIDs")

	// Branch scope works too.
	hooks, err = e.CreateWebhooks(testCtx, writer, "acme:widgets:master", incomingHook("receive"), Options{})
	require.NoError(t, err)
	assert.Equal(t, "acme:widgets:master", hooks[0].Reference)

	// Org scope requires org admin; wilma only holds org write.
	_, err = e.CreateWebhooks(testCtx, writer, "acme", outgoingHook("org-hook"), Options{})
	assert.True(t, errs.IsPermission(err))
	_, err = e.CreateWebhooks(testCtx, admin, "acme", outgoingHook("org-hook"), Options{})
	require.NoError(t, err)
}

func TestCreateWebhooksValidation(t *testing.T) {
	e := testEngine(t)
	seedTree(t, e)

	// A supplied reference must match the scope argument.
	w := outgoingHook("bad")
	w.Reference = "acme"
	_, err := e.CreateWebhooks(testCtx, writer, "acme:widgets", w, Options{})
	assert.True(t, errs.IsValidation(err))

	// Variant rules hold at creation.
	w = outgoingHook("no-triggers")
	w.Triggers = nil
	_, err = e.CreateWebhooks(testCtx, writer, "acme:widgets", w, Options{})
	assert.True(t, errs.IsValidation(err))

	w = incomingHook("with-responses")
	w.Responses = []model.WebhookResponse{{URL: "https://x"}}
	_, err = e.CreateWebhooks(testCtx, writer, "acme:widgets", w, Options{})
	assert.True(t, errs.IsValidation(err))

	w = outgoingHook("with-token")
	w.Token = "nope"
	_, err = e.CreateWebhooks(testCtx, writer, "acme:widgets", w, Options{})
	assert.True(t, errs.IsValidation(err))

	_, err = e.CreateWebhooks(testCtx, writer, "ghost:scope", outgoingHook("x"), Options{})
	assert.True(t, errs.IsNotFound(err))
}

func TestFindWebhooks(t *testing.T) {
	e := testEngine(t)
	seedTree(t, e)
	created, err := e.CreateWebhooks(testCtx, writer, "acme:widgets", outgoingHook("notify"), Options{})
	require.NoError(t, err)
	_, err = e.CreateWebhooks(testCtx, admin, "acme", outgoingHook("org-hook"), Options{})
	require.NoError(t, err)

	// Finds are scoped to the reference; the org hook does not bleed in.
	hooks, err := e.FindWebhooks(testCtx, writer, "acme:widgets", nil, Options{})
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, created[0].ID, hooks[0].ID)

	hooks, err = e.FindWebhooks(testCtx, admin, "acme", nil, Options{})
	require.NoError(t, err)
	assert.Len(t, hooks, 1)

	// Project read gates webhook reads; denial reads as not found.
	_, err = e.FindWebhooks(testCtx, nobody, "acme:widgets", nil, Options{})
	assert.True(t, errs.IsNotFound(err))

	_, err = e.FindWebhooks(testCtx, writer, "acme:widgets", "no-such-id", Options{})
	assert.True(t, errs.IsNotFound(err))
}

func TestUpdateWebhooks(t *testing.T) {
	e := testEngine(t)
	seedTree(t, e)
	created, err := e.CreateWebhooks(testCtx, writer, "acme:widgets", outgoingHook("notify"), Options{})
	require.NoError(t, err)
	id := created[0].ID

	hooks, err := e.UpdateWebhooks(testCtx, writer, "acme:widgets", map[string]interface{}{
		"id":          id,
		"name":        "renamed",
		"description": "fires on element changes",
		"triggers":    []interface{}{"element.created", "element.updated"},
		"responses": []interface{}{
			map[string]interface{}{"url": "https://hooks.example.com/v2", "method": "PUT"},
		},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, "renamed", hooks[0].Name)
	assert.Equal(t, []string{"element.created", "element.updated"}, hooks[0].Triggers)
	require.Len(t, hooks[0].Responses, 1)
	assert.Equal(t, "https://hooks.example.com/v2", hooks[0].Responses[0].URL)

	// The merged document is revalidated: an outgoing hook cannot gain a
	// token, nor lose all its responses or triggers.
	_, err = e.UpdateWebhooks(testCtx, writer, "acme:widgets", map[string]interface{}{
		"id": id, "token": "nope",
	}, Options{})
	assert.True(t, errs.IsValidation(err))
	_, err = e.UpdateWebhooks(testCtx, writer, "acme:widgets", map[string]interface{}{
		"id": id, "responses": []interface{}{},
	}, Options{})
	assert.True(t, errs.IsValidation(err))
	_, err = e.UpdateWebhooks(testCtx, writer, "acme:widgets", map[string]interface{}{
		"id": id, "triggers": []interface{}{},
	}, Options{})
	assert.True(t, errs.IsValidation(err))

	// type and reference are immutable.
	_, err = e.UpdateWebhooks(testCtx, writer, "acme:widgets", map[string]interface{}{
		"id": id, "type": "Incoming",
	}, Options{})
	assert.True(t, errs.IsConflict(err))

	// Scope admin is required; rita cannot update.
	_, err = e.UpdateWebhooks(testCtx, reader, "acme:widgets", map[string]interface{}{
		"id": id, "name": "x",
	}, Options{})
	assert.True(t, errs.IsPermission(err))
}

func TestUpdateWebhooksWrongScope(t *testing.T) {
	e := testEngine(t)
	seedTree(t, e)
	created, err := e.CreateWebhooks(testCtx, admin, "acme", outgoingHook("org-hook"), Options{})
	require.NoError(t, err)

	// A webhook is only addressable through its own reference.
	_, err = e.UpdateWebhooks(testCtx, admin, "acme:widgets", map[string]interface{}{
		"id": created[0].ID, "name": "x",
	}, Options{})
	assert.True(t, errs.IsNotFound(err))
}

func TestWebhooksArchivedScope(t *testing.T) {
	e := testEngine(t)
	seedTree(t, e)
	orgHook, err := e.CreateWebhooks(testCtx, admin, "acme", outgoingHook("org-hook"), Options{})
	require.NoError(t, err)
	branchHook, err := e.CreateWebhooks(testCtx, writer, "acme:widgets:master", outgoingHook("branch-hook"), Options{})
	require.NoError(t, err)

	// An archived branch freezes webhook writes at that reference.
	_, err = e.UpdateBranches(testCtx, writer, "acme:widgets", map[string]interface{}{
		"id": "acme:widgets:master", "archived": true,
	}, Options{})
	require.NoError(t, err)
	_, err = e.CreateWebhooks(testCtx, writer, "acme:widgets:master", outgoingHook("late"), Options{})
	require.True(t, errs.IsArchived(err))
	assert.Contains(t, err.Error(), "acme:widgets:master")
	_, err = e.UpdateWebhooks(testCtx, writer, "acme:widgets:master", map[string]interface{}{
		"id": branchHook[0].ID, "name": "renamed",
	}, Options{})
	require.True(t, errs.IsArchived(err))
	assert.Contains(t, err.Error(), "acme:widgets:master")

	// An archived org freezes every scope beneath it, naming the org.
	_, err = e.UpdateOrgs(testCtx, admin, map[string]interface{}{"id": "acme", "archived": true}, Options{})
	require.NoError(t, err)
	_, err = e.UpdateWebhooks(testCtx, admin, "acme", map[string]interface{}{
		"id": orgHook[0].ID, "name": "renamed",
	}, Options{})
	require.True(t, errs.IsArchived(err))
	assert.Contains(t, err.Error(), "acme")
	_, err = e.CreateWebhooks(testCtx, writer, "acme:widgets", outgoingHook("late"), Options{})
	assert.True(t, errs.IsArchived(err))

	// Unarchiving the org thaws the org scope again.
	_, err = e.UpdateOrgs(testCtx, admin, map[string]interface{}{"id": "acme", "archived": false}, Options{})
	require.NoError(t, err)
	hooks, err := e.UpdateWebhooks(testCtx, admin, "acme", map[string]interface{}{
		"id": orgHook[0].ID, "name": "renamed",
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "renamed", hooks[0].Name)
}

func TestRemoveWebhooks(t *testing.T) {
	e := testEngine(t)
	seedTree(t, e)
	created, err := e.CreateWebhooks(testCtx, writer, "acme:widgets", []*model.Webhook{
		outgoingHook("one"), incomingHook("two"),
	}, Options{})
	require.NoError(t, err)

	_, err = e.RemoveWebhooks(testCtx, reader, "acme:widgets", created[0].ID, Options{})
	assert.True(t, errs.IsPermission(err))

	hooks, err := e.RemoveWebhooks(testCtx, writer, "acme:widgets", created[0].ID, Options{})
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, created[0].ID, hooks[0].ID)

	remaining, err := e.FindWebhooks(testCtx, writer, "acme:widgets", nil, Options{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, created[1].ID, remaining[0].ID)
}

func TestRemoveWebhooksSoft(t *testing.T) {
	e := testEngine(t)
	seedTree(t, e)
	created, err := e.CreateWebhooks(testCtx, writer, "acme:widgets", outgoingHook("one"), Options{})
	require.NoError(t, err)

	hooks, err := e.RemoveWebhooks(testCtx, writer, "acme:widgets", created[0].ID, Options{Soft: true})
	require.NoError(t, err)
	assert.True(t, hooks[0].Archived)

	found, err := e.FindWebhooks(testCtx, writer, "acme:widgets", nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, found)
	found, err = e.FindWebhooks(testCtx, writer, "acme:widgets", created[0].ID, Options{Archived: true})
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestWebhooksRemovedWithScope(t *testing.T) {
	e := testEngine(t)
	seedTree(t, e)
	_, err := e.CreateWebhooks(testCtx, writer, "acme:widgets", outgoingHook("proj-hook"), Options{})
	require.NoError(t, err)
	_, err = e.CreateWebhooks(testCtx, writer, "acme:widgets:master", incomingHook("branch-hook"), Options{})
	require.NoError(t, err)

	_, err = e.RemoveProjects(testCtx, admin, "acme", "widgets", Options{})
	require.NoError(t, err)

	// Both scopes died with the project, taking their webhooks along.
	_, err = e.FindWebhooks(testCtx, admin, "acme:widgets", nil, Options{})
	assert.True(t, errs.IsNotFound(err), "the scope itself is gone")
}
