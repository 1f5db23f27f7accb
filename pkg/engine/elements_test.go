package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/store"
)

func TestCreateElements(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)

	elements, err := e.CreateElements(testCtx, writer, branchID, &model.Element{
		ID: "block-1", Name: "Block 1", Type: "Block",
	}, Options{})
	require.NoError(t, err)
	require.Len(t, elements, 1)

	el := elements[0]
	assert.Equal(t, "acme:widgets:master:block-1", el.ID)
	assert.Equal(t, "acme", el.Org)
	assert.Equal(t, "acme:widgets", el.Project)
	assert.Equal(t, branchID, el.Branch)
	assert.Equal(t, "acme:widgets:master:model", el.Parent, "parent defaults to the branch root")
}

func TestCreateElementsInBatchRefs(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)

	// child names its parent later in the same batch; forward references
	// resolve against the batch before the store.
	elements, err := e.CreateElements(testCtx, writer, branchID, []*model.Element{
		{ID: "child", Parent: "parent"},
		{ID: "parent"},
	}, Options{})
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Equal(t, "acme:widgets:master:parent", elements[0].Parent)
}

func TestCreateElementsUnresolvedRef(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)

	_, err := e.CreateElements(testCtx, writer, branchID, &model.Element{
		ID: "orphan", Parent: "ghost",
	}, Options{})
	require.True(t, errs.IsNotFound(err))
	assert.Contains(t, err.Error(), "ghost")

	// Nothing from the batch was persisted.
	_, err = e.FindElements(testCtx, writer, branchID, "orphan", Options{})
	assert.True(t, errs.IsNotFound(err))
}

func TestCreateElementsArchivedParent(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)
	_, err := e.CreateElements(testCtx, writer, branchID, &model.Element{ID: "p1"}, Options{})
	require.NoError(t, err)
	_, err = e.RemoveElements(testCtx, admin, branchID, "p1", Options{Soft: true})
	require.NoError(t, err)

	// An archived parent cannot take new children.
	_, err = e.CreateElements(testCtx, writer, branchID, &model.Element{
		ID: "c1", Parent: "p1",
	}, Options{})
	require.True(t, errs.IsArchived(err))
	assert.Contains(t, err.Error(), "acme:widgets:master:p1")
	_, err = e.FindElements(testCtx, writer, branchID, "c1", Options{})
	assert.True(t, errs.IsNotFound(err), "nothing from the batch was persisted")

	// Relationship endpoints may still reference the archived element.
	rels, err := e.CreateElements(testCtx, writer, branchID, &model.Element{
		ID: "rel", Source: "p1", Target: "model",
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "acme:widgets:master:p1", rels[0].Source)

	// Unarchiving the parent lifts the block.
	_, err = e.UpdateElements(testCtx, writer, branchID, map[string]interface{}{
		"id": "p1", "archived": false,
	}, Options{})
	require.NoError(t, err)
	_, err = e.CreateElements(testCtx, writer, branchID, &model.Element{
		ID: "c1", Parent: "p1",
	}, Options{})
	assert.NoError(t, err)
}

func TestCreateElementsSourceTarget(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)

	_, err := e.CreateElements(testCtx, writer, branchID, []*model.Element{
		{ID: "el-a"}, {ID: "el-b"},
	}, Options{})
	require.NoError(t, err)

	elements, err := e.CreateElements(testCtx, writer, branchID, &model.Element{
		ID: "edge", Source: "el-a", Target: "el-b",
	}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "acme:widgets:master:el-a", elements[0].Source)
	assert.Equal(t, "acme:widgets:master:el-b", elements[0].Target)

	// A source without a target is rejected.
	_, err = e.CreateElements(testCtx, writer, branchID, &model.Element{
		ID: "half-edge", Source: "el-a",
	}, Options{})
	assert.True(t, errs.IsValidation(err))
}

func TestCreateElementsPermissions(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)

	_, err := e.CreateElements(testCtx, reader, branchID, &model.Element{ID: "x"}, Options{})
	assert.True(t, errs.IsPermission(err))
	_, err = e.CreateElements(testCtx, writer, "acme:widgets:ghost", &model.Element{ID: "x"}, Options{})
	assert.True(t, errs.IsNotFound(err))
}

func TestFindElements(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)
	_, err := e.CreateElements(testCtx, writer, branchID, []*model.Element{
		{ID: "el-a"}, {ID: "el-b", Parent: "el-a"},
	}, Options{})
	require.NoError(t, err)

	elements, err := e.FindElements(testCtx, writer, branchID, nil, Options{})
	require.NoError(t, err)
	assert.Len(t, elements, 3, "root plus the two created")

	elements, err = e.FindElements(testCtx, reader, branchID, "el-b", Options{})
	assert.True(t, errs.IsNotFound(err), "private project elements are hidden from org readers")
	assert.Nil(t, elements)

	// rita can read once the project is internal.
	_, err = e.UpdateProjects(testCtx, writer, "acme", map[string]interface{}{
		"id": "widgets", "visibility": "internal",
	}, Options{})
	require.NoError(t, err)
	elements, err = e.FindElements(testCtx, reader, branchID, "el-b", Options{})
	require.NoError(t, err)
	assert.Len(t, elements, 1)
}

func TestFindElementsPopulate(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)
	_, err := e.CreateElements(testCtx, writer, branchID, []*model.Element{
		{ID: "el-a"}, {ID: "el-b"}, {ID: "edge", Source: "el-a", Target: "el-b"},
	}, Options{})
	require.NoError(t, err)

	elements, err := e.FindElements(testCtx, writer, branchID, "edge", Options{Populate: true})
	require.NoError(t, err)
	require.Len(t, elements, 1)

	pop := elements[0].Populated
	require.NotNil(t, pop)
	parent, ok := pop["parent"].(*model.Element)
	require.True(t, ok)
	assert.True(t, parent.IsRoot())
	source, ok := pop["source"].(*model.Element)
	require.True(t, ok)
	assert.Equal(t, "acme:widgets:master:el-a", source.ID)
	target, ok := pop["target"].(*model.Element)
	require.True(t, ok)
	assert.Equal(t, "acme:widgets:master:el-b", target.ID)
}

func TestUpdateElements(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)
	_, err := e.CreateElements(testCtx, writer, branchID, []*model.Element{
		{ID: "el-a"}, {ID: "el-b"}, {ID: "edge", Source: "el-a", Target: "el-b"},
	}, Options{})
	require.NoError(t, err)

	elements, err := e.UpdateElements(testCtx, writer, branchID, map[string]interface{}{
		"id":            "el-a",
		"name":          "Alpha",
		"type":          "Block",
		"documentation": "the first block",
	}, Options{})
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Equal(t, "Alpha", elements[0].Name)
	assert.Equal(t, "Block", elements[0].Type)
	assert.Equal(t, "the first block", elements[0].Documentation)

	// parent is immutable.
	_, err = e.UpdateElements(testCtx, writer, branchID, map[string]interface{}{
		"id": "el-b", "parent": "el-a",
	}, Options{})
	assert.True(t, errs.IsConflict(err))

	// Clearing one endpoint of an edge must clear the pair rule too.
	_, err = e.UpdateElements(testCtx, writer, branchID, map[string]interface{}{
		"id": "edge", "source": nil,
	}, Options{})
	assert.True(t, errs.IsValidation(err))

	elements, err = e.UpdateElements(testCtx, writer, branchID, map[string]interface{}{
		"id": "edge", "source": nil, "target": nil,
	}, Options{})
	require.NoError(t, err)
	assert.Empty(t, elements[0].Source)
	assert.Empty(t, elements[0].Target)

	// Retargeting to a missing element fails the batch.
	_, err = e.UpdateElements(testCtx, writer, branchID, map[string]interface{}{
		"id": "edge", "source": "el-a", "target": "ghost",
	}, Options{})
	assert.True(t, errs.IsNotFound(err))
}

func TestUpdateElementsArchived(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)
	_, err := e.CreateElements(testCtx, writer, branchID, &model.Element{ID: "el-a"}, Options{})
	require.NoError(t, err)

	_, err = e.UpdateElements(testCtx, writer, branchID, map[string]interface{}{
		"id": "el-a", "archived": true,
	}, Options{})
	require.NoError(t, err)

	_, err = e.UpdateElements(testCtx, writer, branchID, map[string]interface{}{
		"id": "el-a", "name": "X",
	}, Options{})
	assert.True(t, errs.IsArchived(err))

	elements, err := e.UpdateElements(testCtx, writer, branchID, map[string]interface{}{
		"id": "el-a", "archived": false, "name": "Back",
	}, Options{})
	require.NoError(t, err)
	assert.False(t, elements[0].Archived)
	assert.Equal(t, "Back", elements[0].Name)
}

func TestRemoveElementsSubtree(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)

	// root -> a -> b -> c, plus a sibling d under root.
	_, err := e.CreateElements(testCtx, writer, branchID, []*model.Element{
		{ID: "el-a"},
		{ID: "el-b", Parent: "el-a"},
		{ID: "el-c", Parent: "el-b"},
		{ID: "el-d"},
	}, Options{})
	require.NoError(t, err)

	elements, err := e.RemoveElements(testCtx, admin, branchID, "el-a", Options{})
	require.NoError(t, err)
	require.Len(t, elements, 1, "only the requested target is returned")
	assert.Equal(t, "acme:widgets:master:el-a", elements[0].ID)

	// The whole subtree is gone; the sibling survives.
	remaining, err := e.FindElements(testCtx, admin, branchID, nil, Options{})
	require.NoError(t, err)
	ids := make([]string, 0, len(remaining))
	for _, el := range remaining {
		ids = append(ids, el.ID)
	}
	assert.ElementsMatch(t, []string{
		"acme:widgets:master:model",
		"acme:widgets:master:el-d",
	}, ids)
}

func TestRemoveElementsRootProtected(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)

	_, err := e.RemoveElements(testCtx, admin, branchID, "model", Options{})
	assert.True(t, errs.IsConflict(err))
	_, err = e.RemoveElements(testCtx, admin, branchID, "model", Options{Soft: true})
	assert.True(t, errs.IsConflict(err))
}

func TestRemoveElementsPermissions(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)
	_, err := e.CreateElements(testCtx, writer, branchID, &model.Element{ID: "el-a"}, Options{})
	require.NoError(t, err)

	// Even the project admin cannot hard-delete.
	_, err = e.RemoveElements(testCtx, writer, branchID, "el-a", Options{})
	assert.True(t, errs.IsPermission(err))
}

func TestRemoveElementsSoft(t *testing.T) {
	e := testEngine(t)
	branchID := seedTree(t, e)
	_, err := e.CreateElements(testCtx, writer, branchID, []*model.Element{
		{ID: "el-a"}, {ID: "el-b", Parent: "el-a"},
	}, Options{})
	require.NoError(t, err)

	elements, err := e.RemoveElements(testCtx, admin, branchID, "el-a", Options{Soft: true})
	require.NoError(t, err)
	assert.True(t, elements[0].Archived)

	// Soft removal archives only the named targets, not the subtree.
	remaining, err := e.FindElements(testCtx, admin, branchID, nil, Options{})
	require.NoError(t, err)
	assert.Len(t, remaining, 2, "root and b stay live")
}

func TestCascadePaging(t *testing.T) {
	// A small page size forces the subtree walk and the delete to chunk.
	e := New(store.NewMemory(), WithClock(func() time.Time { return testNow }), WithPageSize(2))
	seedTree(t, e)
	branchID := "acme:widgets:master"

	batch := make([]*model.Element, 0, 7)
	batch = append(batch, &model.Element{ID: "trunk"})
	for i := 0; i < 6; i++ {
		batch = append(batch, &model.Element{ID: fmt.Sprintf("leaf-%d", i), Parent: "trunk"})
	}
	_, err := e.CreateElements(testCtx, writer, branchID, batch, Options{})
	require.NoError(t, err)

	_, err = e.RemoveElements(testCtx, admin, branchID, "trunk", Options{})
	require.NoError(t, err)

	remaining, err := e.FindElements(testCtx, admin, branchID, nil, Options{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.True(t, remaining[0].IsRoot())
}
