package engine

import (
	"context"

	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/rbac"
	"github.com/trellis-mbe/trellis/pkg/store"
)

// FindElements returns elements under a branch. Reading elements requires
// project read; a denied project is reported as not found.
func (e *Engine) FindElements(ctx context.Context, u *model.User, branchID string, query interface{}, opts Options) ([]*model.Element, error) {
	done := e.observe("element", "find", 0)
	elements, err := e.findElements(ctx, u, branchID, query, opts)
	done(err)
	return elements, err
}

func (e *Engine) findElements(ctx context.Context, u *model.User, branchID string, query interface{}, opts Options) ([]*model.Element, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(query)
	if err != nil {
		return nil, err
	}
	var org *model.Organization
	var proj *model.Project
	if opts.Archived {
		org, proj, _, err = e.resolveBranchScope(ctx, branchID)
	} else {
		org, proj, _, err = e.requireLiveBranchScope(ctx, branchID)
	}
	if err != nil {
		return nil, err
	}
	if rbac.ReadElement(u, org, proj) != nil {
		return nil, errs.NewNotFound("project", proj.ID)
	}
	filter := baseFilter(opts)
	if all {
		filter["branch"] = branchID
	} else {
		if requested, err = normalizeIDs(branchID, requested); err != nil {
			return nil, err
		}
		filter["id"] = store.In(requested)
	}
	raw, err := e.store.Find(ctx, model.CollElements, filter, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find elements", err)
	}
	elements, err := decodeDocs[model.Element](raw)
	if err != nil {
		return nil, err
	}
	if !all {
		found := make(map[string]bool, len(elements))
		for _, el := range elements {
			found[el.ID] = true
		}
		if missing := missingFrom(requested, found); len(missing) > 0 {
			return nil, errs.NewNotFound("elements", missing...)
		}
	}
	if opts.Populate {
		if err := e.populateElements(ctx, elements); err != nil {
			return nil, err
		}
	}
	return elements, nil
}

// populateElements embeds the parent, source and target documents of each
// element that references them. All referenced ids are fetched in one query.
func (e *Engine) populateElements(ctx context.Context, elements []*model.Element) error {
	want := make(map[string]bool)
	for _, el := range elements {
		for _, ref := range []string{el.Parent, el.Source, el.Target} {
			if ref != "" {
				want[ref] = true
			}
		}
	}
	if len(want) == 0 {
		return nil
	}
	refIDs := make([]string, 0, len(want))
	for id := range want {
		refIDs = append(refIDs, id)
	}
	raw, err := e.store.Find(ctx, model.CollElements, store.Filter{"id": store.In(refIDs)}, store.FindOptions{})
	if err != nil {
		return errs.NewStore("find referenced elements", err)
	}
	docs, err := decodeDocs[model.Element](raw)
	if err != nil {
		return err
	}
	byID := make(map[string]*model.Element, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	for _, el := range elements {
		populated := make(map[string]interface{})
		for field, ref := range map[string]string{"parent": el.Parent, "source": el.Source, "target": el.Target} {
			if d, ok := byID[ref]; ok {
				populated[field] = d
			}
		}
		if len(populated) > 0 {
			el.Populated = populated
		}
	}
	return nil
}

// CreateElements creates elements under a branch for a user with project
// write. Parents default to the branch root. Parent, source and target
// references resolve against the batch itself first, then the store; an
// unresolved reference fails the whole batch.
func (e *Engine) CreateElements(ctx context.Context, u *model.User, branchID string, input interface{}, opts Options) ([]*model.Element, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("element", "create", len(objs))
	elements, err := e.createElements(ctx, u, branchID, objs)
	done(err)
	return elements, err
}

func (e *Engine) createElements(ctx context.Context, u *model.User, branchID string, objs []map[string]interface{}) ([]*model.Element, error) {
	_, proj, _, err := e.requireLiveBranchScope(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if err := e.allowed(ctx, u, "element", "create", branchID, func() error {
		return rbac.CreateElement(u, proj, branchID)
	}); err != nil {
		return nil, err
	}
	if _, _, err := buildIndex(objs, "id"); err != nil {
		return nil, err
	}
	now := e.now()
	rootID := ids.Build(branchID, model.RootElementID)
	elements := make([]*model.Element, 0, len(objs))
	composite := make([]string, 0, len(objs))
	inBatch := make(map[string]bool, len(objs))
	var dups []string
	for _, obj := range objs {
		el, err := fromMap[model.Element](obj)
		if err != nil {
			return nil, err
		}
		el.ID, err = normalizeID(branchID, el.ID)
		if err != nil {
			return nil, err
		}
		el.Org = ids.Scope(branchID, 1)
		el.Project = ids.Scope(branchID, 2)
		el.Branch = branchID
		if el.Parent == "" && !el.IsRoot() {
			el.Parent = rootID
		}
		for _, ref := range []*string{&el.Parent, &el.Source, &el.Target} {
			if *ref == "" {
				continue
			}
			if *ref, err = normalizeID(branchID, *ref); err != nil {
				return nil, err
			}
		}
		el.Stamp(u.Username, now)
		if err := el.Validate(); err != nil {
			return nil, err
		}
		if inBatch[el.ID] {
			dups = append(dups, el.ID)
		}
		inBatch[el.ID] = true
		elements = append(elements, el)
		composite = append(composite, el.ID)
	}
	if len(dups) > 0 {
		return nil, errs.NewConflict("batch ids", dups...)
	}
	if err := e.resolveElementRefs(ctx, elements, inBatch); err != nil {
		return nil, err
	}
	if err := e.rejectExisting(ctx, model.CollElements, "elements", composite); err != nil {
		return nil, err
	}
	docs := make([]store.Doc, 0, len(elements))
	for _, el := range elements {
		data, err := marshalDoc(el)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Doc{ID: el.ID, Data: data})
	}
	if err := e.store.InsertMany(ctx, model.CollElements, docs); err != nil {
		return nil, translateInsertErr("elements", err)
	}
	e.log.WithField("user", u.Username).Infof("created %d elements under [%s]", len(elements), branchID)
	return elements, nil
}

// resolveElementRefs checks that every parent, source and target named by the
// batch resolves either inside the batch or in the store. A resolved parent
// must not be archived; relationship endpoints may reference archived
// elements. Store lookups go in pageSize chunks.
func (e *Engine) resolveElementRefs(ctx context.Context, elements []*model.Element, inBatch map[string]bool) error {
	unresolved := make(map[string]bool)
	parents := make(map[string]bool)
	for _, el := range elements {
		if el.Parent != "" {
			parents[el.Parent] = true
		}
		for _, ref := range []string{el.Parent, el.Source, el.Target} {
			if ref == "" || inBatch[ref] {
				continue
			}
			unresolved[ref] = true
		}
	}
	if len(unresolved) == 0 {
		return nil
	}
	refIDs := make([]string, 0, len(unresolved))
	for id := range unresolved {
		refIDs = append(refIDs, id)
	}
	type refDoc struct {
		ID       string `json:"id"`
		Archived bool   `json:"archived"`
	}
	for start := 0; start < len(refIDs); start += e.pageSize {
		end := start + e.pageSize
		if end > len(refIDs) {
			end = len(refIDs)
		}
		raw, err := e.store.Find(ctx, model.CollElements, store.Filter{"id": store.In(refIDs[start:end])}, store.FindOptions{})
		if err != nil {
			return errs.NewStore("find referenced elements", err)
		}
		for _, data := range raw {
			doc, err := decodeDoc[refDoc](data)
			if err != nil {
				return err
			}
			if doc.Archived && parents[doc.ID] {
				return errs.NewArchived("element", doc.ID)
			}
			delete(unresolved, doc.ID)
		}
	}
	if len(unresolved) > 0 {
		missing := make([]string, 0, len(unresolved))
		for id := range unresolved {
			missing = append(missing, id)
		}
		return errs.NewNotFound("referenced elements", missing...)
	}
	return nil
}

// UpdateElements applies update objects keyed by id to elements under a
// branch. Project write is required per target. Source and target edits are
// revalidated as a pair against the merged document.
func (e *Engine) UpdateElements(ctx context.Context, u *model.User, branchID string, input interface{}, opts Options) ([]*model.Element, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("element", "update", len(objs))
	elements, err := e.updateElements(ctx, u, branchID, objs)
	done(err)
	return elements, err
}

func (e *Engine) updateElements(ctx context.Context, u *model.User, branchID string, objs []map[string]interface{}) ([]*model.Element, error) {
	_, proj, _, err := e.requireLiveBranchScope(ctx, branchID)
	if err != nil {
		return nil, err
	}
	index, ordered, err := buildIndex(objs, "id")
	if err != nil {
		return nil, err
	}
	normalized := make([]string, 0, len(ordered))
	patchFor := make(map[string]map[string]interface{}, len(ordered))
	for _, id := range ordered {
		n, err := normalizeID(branchID, id)
		if err != nil {
			return nil, err
		}
		if _, dup := patchFor[n]; dup {
			return nil, errs.NewConflict("batch ids", n)
		}
		normalized = append(normalized, n)
		patchFor[n] = index[id]
	}
	raw, err := e.store.Find(ctx, model.CollElements, store.Filter{"id": store.In(normalized)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find elements", err)
	}
	existing, err := decodeDocs[model.Element](raw)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Element, len(existing))
	found := make(map[string]bool, len(existing))
	for _, el := range existing {
		byID[el.ID] = el
		found[el.ID] = true
	}
	if missing := missingFrom(normalized, found); len(missing) > 0 {
		return nil, errs.NewNotFound("elements", missing...)
	}

	changed := make([]*model.Element, 0, len(normalized))
	now := e.now()
	for _, id := range normalized {
		el := byID[id]
		patch := patchFor[id]
		if err := e.allowed(ctx, u, "element", "update", el.ID, func() error {
			return rbac.UpdateElement(u, proj, el.ID)
		}); err != nil {
			return nil, err
		}
		if el.Archived && !explicitUnarchive(patch) && !reArchive(patch) {
			return nil, errs.NewArchived("element", el.ID)
		}
		if err := checkPatchKeys("element", patch, model.ElementUpdatableFields, model.ElementImmutableFields); err != nil {
			return nil, err
		}
		refsTouched := false
		for key, value := range patch {
			switch key {
			case "name":
				name, err := patchString(value, "name")
				if err != nil {
					return nil, err
				}
				el.Name = name
			case "type":
				t, err := patchString(value, "type")
				if err != nil {
					return nil, err
				}
				el.Type = t
			case "documentation":
				doc, err := patchString(value, "documentation")
				if err != nil {
					return nil, err
				}
				el.Documentation = doc
			case "custom":
				merged, err := mergeCustom(el.Custom, value)
				if err != nil {
					return nil, err
				}
				el.Custom = merged
			case "source":
				ref, err := patchRef(value, branchID, "source")
				if err != nil {
					return nil, err
				}
				el.Source = ref
				refsTouched = true
			case "target":
				ref, err := patchRef(value, branchID, "target")
				if err != nil {
					return nil, err
				}
				el.Target = ref
				refsTouched = true
			case "archived":
				archived, err := patchBool(value, "archived")
				if err != nil {
					return nil, err
				}
				el.SetArchived(archived, u.Username, now)
			}
		}
		if refsTouched {
			if err := el.Validate(); err != nil {
				return nil, err
			}
		}
		el.Touch(u.Username, now)
		changed = append(changed, el)
	}
	if err := e.resolveElementRefs(ctx, changed, found); err != nil {
		return nil, err
	}

	out := make([]*model.Element, 0, len(changed))
	for _, el := range changed {
		data, err := marshalDoc(el)
		if err != nil {
			return nil, err
		}
		if err := e.store.ReplaceOne(ctx, model.CollElements, el.ID, data); err != nil {
			return nil, errs.NewStore("replace element", err)
		}
		out = append(out, el)
	}
	return out, nil
}

// patchRef reads a reference patch value: a string scoped to the branch, or
// nil to clear the reference.
func patchRef(v interface{}, branchID, field string) (string, error) {
	if v == nil {
		return "", nil
	}
	s, err := patchString(v, field)
	if err != nil {
		return "", err
	}
	if s == "" {
		return "", nil
	}
	return normalizeID(branchID, s)
}

// RemoveElements deletes (or archives, with Soft) elements and, on hard
// delete, their entire subtrees. Hard deletion is global-admin only. The
// branch root can never be removed. Pre-delete documents of the requested
// targets are returned.
func (e *Engine) RemoveElements(ctx context.Context, u *model.User, branchID string, targets interface{}, opts Options) ([]*model.Element, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(targets)
	if err != nil {
		return nil, err
	}
	if all {
		return nil, errs.NewValidation("input", "removing all elements is not supported; name the targets")
	}
	done := e.observe("element", "remove", len(requested))
	elements, err := e.removeElements(ctx, u, branchID, requested, opts)
	done(err)
	return elements, err
}

func (e *Engine) removeElements(ctx context.Context, u *model.User, branchID string, requested []string, opts Options) ([]*model.Element, error) {
	if _, _, _, err := e.resolveBranchScope(ctx, branchID); err != nil {
		return nil, err
	}
	normalized, err := normalizeIDs(branchID, requested)
	if err != nil {
		return nil, err
	}
	raw, err := e.store.Find(ctx, model.CollElements, store.Filter{"id": store.In(normalized)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find elements", err)
	}
	elements, err := decodeDocs[model.Element](raw)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(elements))
	for _, el := range elements {
		found[el.ID] = true
	}
	if missing := missingFrom(normalized, found); len(missing) > 0 {
		return nil, errs.NewNotFound("elements", missing...)
	}
	for _, el := range elements {
		if el.IsRoot() {
			return nil, errs.Conflictf("the root element of branch [%s] cannot be removed", branchID)
		}
		if err := e.allowed(ctx, u, "element", "delete", el.ID, func() error {
			return rbac.DeleteElement(u, el.ID)
		}); err != nil {
			return nil, err
		}
	}

	if opts.Soft {
		now := e.now()
		for _, el := range elements {
			el.SetArchived(true, u.Username, now)
			el.Touch(u.Username, now)
			data, err := marshalDoc(el)
			if err != nil {
				return nil, err
			}
			if err := e.store.ReplaceOne(ctx, model.CollElements, el.ID, data); err != nil {
				return nil, errs.NewStore("replace element", err)
			}
		}
		return elements, nil
	}

	subtree, err := e.collectElementSubtree(ctx, normalized)
	if err != nil {
		return nil, err
	}
	deleted, err := e.deleteElementIDs(ctx, subtree)
	if err != nil {
		return nil, err
	}
	e.log.WithField("user", u.Username).Infof("deleted %d elements under [%s]", deleted, branchID)
	return elements, nil
}
