package engine

import (
	"context"

	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/rbac"
	"github.com/trellis-mbe/trellis/pkg/store"
)

// FindBranches returns branches under a project. Reading branches requires
// project read; a denied project is reported as not found.
func (e *Engine) FindBranches(ctx context.Context, u *model.User, projectID string, query interface{}, opts Options) ([]*model.Branch, error) {
	done := e.observe("branch", "find", 0)
	branches, err := e.findBranches(ctx, u, projectID, query, opts)
	done(err)
	return branches, err
}

func (e *Engine) findBranches(ctx context.Context, u *model.User, projectID string, query interface{}, opts Options) ([]*model.Branch, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(query)
	if err != nil {
		return nil, err
	}
	org, proj, err := e.projectScope(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !opts.Archived {
		if err := notArchived("organization", org.ID, org.Archived); err != nil {
			return nil, err
		}
		if err := notArchived("project", proj.ID, proj.Archived); err != nil {
			return nil, err
		}
	}
	if rbac.ReadProject(u, org, proj) != nil {
		return nil, errs.NewNotFound("project", projectID)
	}
	filter := baseFilter(opts)
	if all {
		filter["project"] = projectID
	} else {
		if requested, err = normalizeIDs(projectID, requested); err != nil {
			return nil, err
		}
		filter["id"] = store.In(requested)
	}
	raw, err := e.store.Find(ctx, model.CollBranches, filter, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find branches", err)
	}
	branches, err := decodeDocs[model.Branch](raw)
	if err != nil {
		return nil, err
	}
	if !all {
		found := make(map[string]bool, len(branches))
		for _, b := range branches {
			found[b.ID] = true
		}
		if missing := missingFrom(requested, found); len(missing) > 0 {
			return nil, errs.NewNotFound("branches", missing...)
		}
	}
	if opts.Populate {
		if err := e.populateBranches(ctx, org, proj, branches); err != nil {
			return nil, err
		}
	}
	return branches, nil
}

// populateBranches embeds the project and, where set, the source branch
// document on each branch.
func (e *Engine) populateBranches(ctx context.Context, org *model.Organization, proj *model.Project, branches []*model.Branch) error {
	var sourceIDs []string
	for _, b := range branches {
		if b.Source != "" {
			sourceIDs = append(sourceIDs, b.Source)
		}
	}
	sources := make(map[string]*model.Branch, len(sourceIDs))
	if len(sourceIDs) > 0 {
		raw, err := e.store.Find(ctx, model.CollBranches, store.Filter{"id": store.In(sourceIDs)}, store.FindOptions{})
		if err != nil {
			return errs.NewStore("find source branches", err)
		}
		docs, err := decodeDocs[model.Branch](raw)
		if err != nil {
			return err
		}
		for _, s := range docs {
			sources[s.ID] = s
		}
	}
	for _, b := range branches {
		b.Populated = map[string]interface{}{"org": org, "project": proj}
		if s, ok := sources[b.Source]; ok {
			b.Populated["source"] = s
		}
	}
	return nil
}

// projectScope resolves a composite project id into its org and project.
func (e *Engine) projectScope(ctx context.Context, projectID string) (*model.Organization, *model.Project, error) {
	segments := ids.Parse(projectID)
	if len(segments) != 2 {
		return nil, nil, errs.NewValidation("project", "project id [%s] must have the form org:project", projectID)
	}
	org, err := e.getOrg(ctx, segments[0])
	if err != nil {
		return nil, nil, err
	}
	proj, err := e.getProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	return org, proj, nil
}

// CreateBranches creates branches under a project for a user with project
// write. A source, when given, must name an existing branch of the same
// project. Each new branch gets its root element.
func (e *Engine) CreateBranches(ctx context.Context, u *model.User, projectID string, input interface{}, opts Options) ([]*model.Branch, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("branch", "create", len(objs))
	branches, err := e.createBranches(ctx, u, projectID, objs)
	done(err)
	return branches, err
}

func (e *Engine) createBranches(ctx context.Context, u *model.User, projectID string, objs []map[string]interface{}) ([]*model.Branch, error) {
	org, proj, err := e.projectScope(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := notArchived("organization", org.ID, org.Archived); err != nil {
		return nil, err
	}
	if err := notArchived("project", proj.ID, proj.Archived); err != nil {
		return nil, err
	}
	if err := e.allowed(ctx, u, "branch", "create", proj.ID, func() error {
		return rbac.CreateBranch(u, proj)
	}); err != nil {
		return nil, err
	}
	if _, _, err := buildIndex(objs, "id"); err != nil {
		return nil, err
	}
	now := e.now()
	branches := make([]*model.Branch, 0, len(objs))
	composite := make([]string, 0, len(objs))
	seen := make(map[string]bool, len(objs))
	var dups []string
	var sourceIDs []string
	for _, obj := range objs {
		b, err := fromMap[model.Branch](obj)
		if err != nil {
			return nil, err
		}
		b.ID, err = normalizeID(projectID, b.ID)
		if err != nil {
			return nil, err
		}
		b.Org = org.ID
		b.Project = projectID
		if b.Name == "" {
			b.Name = ids.Leaf(b.ID)
		}
		if b.Source != "" {
			if b.Source, err = normalizeID(projectID, b.Source); err != nil {
				return nil, err
			}
			sourceIDs = append(sourceIDs, b.Source)
		}
		b.Stamp(u.Username, now)
		if err := b.Validate(); err != nil {
			return nil, err
		}
		if seen[b.ID] {
			dups = append(dups, b.ID)
		}
		seen[b.ID] = true
		branches = append(branches, b)
		composite = append(composite, b.ID)
	}
	if len(dups) > 0 {
		return nil, errs.NewConflict("batch ids", dups...)
	}
	if err := e.requireBranchesExist(ctx, sourceIDs); err != nil {
		return nil, err
	}
	if err := e.rejectExisting(ctx, model.CollBranches, "branches", composite); err != nil {
		return nil, err
	}
	docs := make([]store.Doc, 0, len(branches))
	roots := make([]store.Doc, 0, len(branches))
	for _, b := range branches {
		data, err := marshalDoc(b)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Doc{ID: b.ID, Data: data})

		root := &model.Element{
			ID:      ids.Build(b.ID, model.RootElementID),
			Org:     b.Org,
			Project: b.Project,
			Branch:  b.ID,
			Name:    model.RootElementID,
		}
		root.Stamp(u.Username, now)
		data, err = marshalDoc(root)
		if err != nil {
			return nil, err
		}
		roots = append(roots, store.Doc{ID: root.ID, Data: data})
	}
	if err := e.store.InsertMany(ctx, model.CollBranches, docs); err != nil {
		return nil, translateInsertErr("branches", err)
	}
	if err := e.store.InsertMany(ctx, model.CollElements, roots); err != nil {
		return nil, translateInsertErr("elements", err)
	}
	e.log.WithField("user", u.Username).Infof("created %d branches under [%s]", len(branches), projectID)
	return branches, nil
}

// requireBranchesExist fails with a not-found naming every id in the set
// that is absent from the branches collection.
func (e *Engine) requireBranchesExist(ctx context.Context, branchIDs []string) error {
	if len(branchIDs) == 0 {
		return nil
	}
	raw, err := e.store.Find(ctx, model.CollBranches, store.Filter{"id": store.In(branchIDs)}, store.FindOptions{})
	if err != nil {
		return errs.NewStore("find branches", err)
	}
	found := make(map[string]bool, len(raw))
	for _, data := range raw {
		doc, err := decodeDoc[idOnlyDoc](data)
		if err != nil {
			return err
		}
		found[doc.ID] = true
	}
	if missing := missingFrom(branchIDs, found); len(missing) > 0 {
		return errs.NewNotFound("branches", missing...)
	}
	return nil
}

// UpdateBranches applies update objects keyed by id to branches under a
// project. Project write is required per target.
func (e *Engine) UpdateBranches(ctx context.Context, u *model.User, projectID string, input interface{}, opts Options) ([]*model.Branch, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("branch", "update", len(objs))
	branches, err := e.updateBranches(ctx, u, projectID, objs)
	done(err)
	return branches, err
}

func (e *Engine) updateBranches(ctx context.Context, u *model.User, projectID string, objs []map[string]interface{}) ([]*model.Branch, error) {
	org, proj, err := e.projectScope(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := notArchived("organization", org.ID, org.Archived); err != nil {
		return nil, err
	}
	if err := notArchived("project", proj.ID, proj.Archived); err != nil {
		return nil, err
	}
	index, ordered, err := buildIndex(objs, "id")
	if err != nil {
		return nil, err
	}
	normalized := make([]string, 0, len(ordered))
	patchFor := make(map[string]map[string]interface{}, len(ordered))
	for _, id := range ordered {
		n, err := normalizeID(projectID, id)
		if err != nil {
			return nil, err
		}
		if _, dup := patchFor[n]; dup {
			return nil, errs.NewConflict("batch ids", n)
		}
		normalized = append(normalized, n)
		patchFor[n] = index[id]
	}
	raw, err := e.store.Find(ctx, model.CollBranches, store.Filter{"id": store.In(normalized)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find branches", err)
	}
	existing, err := decodeDocs[model.Branch](raw)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Branch, len(existing))
	found := make(map[string]bool, len(existing))
	for _, b := range existing {
		byID[b.ID] = b
		found[b.ID] = true
	}
	if missing := missingFrom(normalized, found); len(missing) > 0 {
		return nil, errs.NewNotFound("branches", missing...)
	}

	type change struct {
		branch       *model.Branch
		invalidation bool
	}
	changes := make([]change, 0, len(normalized))
	now := e.now()
	for _, id := range normalized {
		b := byID[id]
		patch := patchFor[id]
		if err := e.allowed(ctx, u, "branch", "update", b.ID, func() error {
			return rbac.UpdateBranch(u, proj, b)
		}); err != nil {
			return nil, err
		}
		if b.Archived && !explicitUnarchive(patch) && !reArchive(patch) {
			return nil, errs.NewArchived("branch", b.ID)
		}
		if err := checkPatchKeys("branch", patch, model.BranchUpdatableFields, model.BranchImmutableFields); err != nil {
			return nil, err
		}
		invalidate := false
		for key, value := range patch {
			switch key {
			case "name":
				name, err := patchString(value, "name")
				if err != nil {
					return nil, err
				}
				if name == "" {
					return nil, errs.NewValidation("name", "branch name cannot be empty")
				}
				b.Name = name
			case "custom":
				merged, err := mergeCustom(b.Custom, value)
				if err != nil {
					return nil, err
				}
				b.Custom = merged
			case "archived":
				archived, err := patchBool(value, "archived")
				if err != nil {
					return nil, err
				}
				b.SetArchived(archived, u.Username, now)
				invalidate = true
			}
		}
		b.Touch(u.Username, now)
		changes = append(changes, change{branch: b, invalidation: invalidate})
	}

	out := make([]*model.Branch, 0, len(changes))
	for _, c := range changes {
		data, err := marshalDoc(c.branch)
		if err != nil {
			return nil, err
		}
		if err := e.store.ReplaceOne(ctx, model.CollBranches, c.branch.ID, data); err != nil {
			return nil, errs.NewStore("replace branch", err)
		}
		if c.invalidation {
			e.invalidate(ctx, c.branch.ID)
		}
		out = append(out, c.branch)
	}
	return out, nil
}

// RemoveBranches deletes (or archives, with Soft) branches under a project.
// The master branch can never be removed. Hard deletion is global-admin only
// and cascades through the branch's elements, artifacts and webhooks.
func (e *Engine) RemoveBranches(ctx context.Context, u *model.User, projectID string, targets interface{}, opts Options) ([]*model.Branch, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(targets)
	if err != nil {
		return nil, err
	}
	if all {
		return nil, errs.NewValidation("input", "removing all branches is not supported; name the targets")
	}
	done := e.observe("branch", "remove", len(requested))
	branches, err := e.removeBranches(ctx, u, projectID, requested, opts)
	done(err)
	return branches, err
}

func (e *Engine) removeBranches(ctx context.Context, u *model.User, projectID string, requested []string, opts Options) ([]*model.Branch, error) {
	if _, _, err := e.projectScope(ctx, projectID); err != nil {
		return nil, err
	}
	normalized, err := normalizeIDs(projectID, requested)
	if err != nil {
		return nil, err
	}
	raw, err := e.store.Find(ctx, model.CollBranches, store.Filter{"id": store.In(normalized)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find branches", err)
	}
	branches, err := decodeDocs[model.Branch](raw)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(branches))
	for _, b := range branches {
		found[b.ID] = true
	}
	if missing := missingFrom(normalized, found); len(missing) > 0 {
		return nil, errs.NewNotFound("branches", missing...)
	}
	for _, b := range branches {
		if ids.Leaf(b.ID) == model.DefaultBranchID {
			return nil, errs.Conflictf("the [%s] branch of project [%s] cannot be removed", model.DefaultBranchID, projectID)
		}
		if err := e.allowed(ctx, u, "branch", "delete", b.ID, func() error {
			return rbac.DeleteBranch(u, b)
		}); err != nil {
			return nil, err
		}
	}

	if opts.Soft {
		now := e.now()
		for _, b := range branches {
			b.SetArchived(true, u.Username, now)
			b.Touch(u.Username, now)
			data, err := marshalDoc(b)
			if err != nil {
				return nil, err
			}
			if err := e.store.ReplaceOne(ctx, model.CollBranches, b.ID, data); err != nil {
				return nil, errs.NewStore("replace branch", err)
			}
			e.invalidate(ctx, b.ID)
		}
		return branches, nil
	}

	for _, b := range branches {
		if err := e.cascadeBranch(ctx, b.ID); err != nil {
			return nil, err
		}
		if _, err := e.store.DeleteMany(ctx, model.CollBranches, store.Filter{"id": b.ID}); err != nil {
			return nil, cascadeStepError("branch", err)
		}
		e.invalidate(ctx, b.ID)
		e.log.WithField("user", u.Username).Infof("deleted branch [%s]", b.ID)
	}
	return branches, nil
}
