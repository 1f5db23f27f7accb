package engine

import (
	"context"
	"strings"
	"time"

	"github.com/trellis-mbe/trellis/pkg/auth"
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/rbac"
	"github.com/trellis-mbe/trellis/pkg/store"
)

// normalizeID turns a local id into scope:id, and verifies an already
// composite id belongs to the scope.
func normalizeID(scope, id string) (string, error) {
	if !strings.Contains(id, ids.Delimiter) {
		return ids.Build(scope, id), nil
	}
	if !strings.HasPrefix(id, scope+ids.Delimiter) {
		return "", errs.NewValidation("id", "id [%s] is outside scope [%s]", id, scope)
	}
	return id, nil
}

func normalizeIDs(scope string, in []string) ([]string, error) {
	out := make([]string, 0, len(in))
	for _, id := range in {
		n, err := normalizeID(scope, id)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// FindProjects returns the projects under an org that the user can read.
// Internal-visibility projects are readable with org-level read. Requested
// ids that are missing or unauthorized are reported as not found.
func (e *Engine) FindProjects(ctx context.Context, u *model.User, orgID string, query interface{}, opts Options) ([]*model.Project, error) {
	done := e.observe("project", "find", 0)
	projects, err := e.findProjects(ctx, u, orgID, query, opts)
	done(err)
	return projects, err
}

func (e *Engine) findProjects(ctx context.Context, u *model.User, orgID string, query interface{}, opts Options) ([]*model.Project, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(query)
	if err != nil {
		return nil, err
	}
	org, err := e.getOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !opts.Archived {
		if err := notArchived("organization", org.ID, org.Archived); err != nil {
			return nil, err
		}
	}
	filter := baseFilter(opts)
	if all {
		filter["org"] = orgID
	} else {
		if requested, err = normalizeIDs(orgID, requested); err != nil {
			return nil, err
		}
		filter["id"] = store.In(requested)
	}
	raw, err := e.store.Find(ctx, model.CollProjects, filter, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find projects", err)
	}
	projects, err := decodeDocs[model.Project](raw)
	if err != nil {
		return nil, err
	}
	readable := make([]*model.Project, 0, len(projects))
	seen := make(map[string]bool, len(projects))
	for _, p := range projects {
		if rbac.ReadProject(u, org, p) != nil {
			continue
		}
		if opts.Populate {
			p.Populated = map[string]interface{}{"org": org}
		}
		readable = append(readable, p)
		seen[p.ID] = true
	}
	if !all {
		if missing := missingFrom(requested, seen); len(missing) > 0 {
			return nil, errs.NewNotFound("projects", missing...)
		}
	}
	return readable, nil
}

// CreateProjects creates projects under an org for a user holding org write.
// Each new project gets the creator as admin, a master branch and the branch
// root element.
func (e *Engine) CreateProjects(ctx context.Context, u *model.User, orgID string, input interface{}, opts Options) ([]*model.Project, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("project", "create", len(objs))
	projects, err := e.createProjects(ctx, u, orgID, objs)
	done(err)
	return projects, err
}

func (e *Engine) createProjects(ctx context.Context, u *model.User, orgID string, objs []map[string]interface{}) ([]*model.Project, error) {
	org, err := e.getOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if err := notArchived("organization", org.ID, org.Archived); err != nil {
		return nil, err
	}
	if err := e.allowed(ctx, u, "project", "create", org.ID, func() error {
		return rbac.CreateProject(u, org)
	}); err != nil {
		return nil, err
	}
	if _, _, err := buildIndex(objs, "id"); err != nil {
		return nil, err
	}
	now := e.now()
	projects := make([]*model.Project, 0, len(objs))
	composite := make([]string, 0, len(objs))
	seen := make(map[string]bool, len(objs))
	var dups []string
	for _, obj := range objs {
		p, err := fromMap[model.Project](obj)
		if err != nil {
			return nil, err
		}
		p.ID, err = normalizeID(orgID, p.ID)
		if err != nil {
			return nil, err
		}
		p.Org = orgID
		if p.Permissions == nil {
			p.Permissions = model.PermissionMap{}
		}
		p.Permissions.Grant(u.Username, auth.RoleAdmin)
		p.Stamp(u.Username, now)
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			dups = append(dups, p.ID)
		}
		seen[p.ID] = true
		projects = append(projects, p)
		composite = append(composite, p.ID)
	}
	if len(dups) > 0 {
		return nil, errs.NewConflict("batch ids", dups...)
	}
	if err := e.rejectExisting(ctx, model.CollProjects, "projects", composite); err != nil {
		return nil, err
	}
	docs := make([]store.Doc, 0, len(projects))
	for _, p := range projects {
		data, err := marshalDoc(p)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Doc{ID: p.ID, Data: data})
	}
	if err := e.store.InsertMany(ctx, model.CollProjects, docs); err != nil {
		return nil, translateInsertErr("projects", err)
	}
	if err := e.seedBranches(ctx, u, projects, now); err != nil {
		return nil, err
	}
	e.log.WithField("user", u.Username).Infof("created %d projects under [%s]", len(projects), orgID)
	return projects, nil
}

// seedBranches creates the master branch and the branch root element for
// each new project.
func (e *Engine) seedBranches(ctx context.Context, u *model.User, projects []*model.Project, now time.Time) error {
	branches := make([]store.Doc, 0, len(projects))
	roots := make([]store.Doc, 0, len(projects))
	for _, p := range projects {
		branchID := ids.Build(p.ID, model.DefaultBranchID)
		b := &model.Branch{
			ID:      branchID,
			Org:     p.Org,
			Project: p.ID,
			Name:    model.DefaultBranchID,
		}
		b.Stamp(u.Username, now)
		data, err := marshalDoc(b)
		if err != nil {
			return err
		}
		branches = append(branches, store.Doc{ID: b.ID, Data: data})

		root := &model.Element{
			ID:      ids.Build(branchID, model.RootElementID),
			Org:     p.Org,
			Project: p.ID,
			Branch:  branchID,
			Name:    model.RootElementID,
		}
		root.Stamp(u.Username, now)
		data, err = marshalDoc(root)
		if err != nil {
			return err
		}
		roots = append(roots, store.Doc{ID: root.ID, Data: data})
	}
	if err := e.store.InsertMany(ctx, model.CollBranches, branches); err != nil {
		return translateInsertErr("branches", err)
	}
	if err := e.store.InsertMany(ctx, model.CollElements, roots); err != nil {
		return translateInsertErr("elements", err)
	}
	return nil
}

// UpdateProjects applies one or more update objects keyed by id to projects
// under an org. Project-level admin is required per target; the whole batch
// aborts on any item's validation failure.
func (e *Engine) UpdateProjects(ctx context.Context, u *model.User, orgID string, input interface{}, opts Options) ([]*model.Project, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("project", "update", len(objs))
	projects, err := e.updateProjects(ctx, u, orgID, objs)
	done(err)
	return projects, err
}

func (e *Engine) updateProjects(ctx context.Context, u *model.User, orgID string, objs []map[string]interface{}) ([]*model.Project, error) {
	org, err := e.getOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if err := notArchived("organization", org.ID, org.Archived); err != nil {
		return nil, err
	}
	index, ordered, err := buildIndex(objs, "id")
	if err != nil {
		return nil, err
	}
	normalized := make([]string, 0, len(ordered))
	patchFor := make(map[string]map[string]interface{}, len(ordered))
	for _, id := range ordered {
		n, err := normalizeID(orgID, id)
		if err != nil {
			return nil, err
		}
		if _, dup := patchFor[n]; dup {
			return nil, errs.NewConflict("batch ids", n)
		}
		normalized = append(normalized, n)
		patchFor[n] = index[id]
	}
	raw, err := e.store.Find(ctx, model.CollProjects, store.Filter{"id": store.In(normalized)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find projects", err)
	}
	existing, err := decodeDocs[model.Project](raw)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Project, len(existing))
	found := make(map[string]bool, len(existing))
	for _, p := range existing {
		byID[p.ID] = p
		found[p.ID] = true
	}
	if missing := missingFrom(normalized, found); len(missing) > 0 {
		return nil, errs.NewNotFound("projects", missing...)
	}

	type change struct {
		project      *model.Project
		invalidation bool
	}
	changes := make([]change, 0, len(normalized))
	now := e.now()
	for _, id := range normalized {
		p := byID[id]
		patch := patchFor[id]
		if err := e.allowed(ctx, u, "project", "update", p.ID, func() error {
			return rbac.UpdateProject(u, p)
		}); err != nil {
			return nil, err
		}
		if p.Archived && !explicitUnarchive(patch) && !reArchive(patch) {
			return nil, errs.NewArchived("project", p.ID)
		}
		if err := checkPatchKeys("project", patch, model.ProjectUpdatableFields, model.ProjectImmutableFields); err != nil {
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
					return nil, errs.NewValidation("name", "project name cannot be empty")
				}
				p.Name = name
			case "custom":
				merged, err := mergeCustom(p.Custom, value)
				if err != nil {
					return nil, err
				}
				p.Custom = merged
			case "visibility":
				vis, err := patchString(value, "visibility")
				if err != nil {
					return nil, err
				}
				switch model.Visibility(vis) {
				case model.VisibilityInternal, model.VisibilityPrivate:
					p.Visibility = model.Visibility(vis)
				default:
					return nil, errs.NewValidation("visibility", "unknown visibility [%s]", vis)
				}
				invalidate = true
			case "permissions":
				merged, err := applyPermissions(p.Permissions, value)
				if err != nil {
					return nil, err
				}
				p.Permissions = merged
				invalidate = true
			case "archived":
				archived, err := patchBool(value, "archived")
				if err != nil {
					return nil, err
				}
				p.SetArchived(archived, u.Username, now)
				invalidate = true
			}
		}
		p.Touch(u.Username, now)
		changes = append(changes, change{project: p, invalidation: invalidate})
	}

	out := make([]*model.Project, 0, len(changes))
	for _, c := range changes {
		data, err := marshalDoc(c.project)
		if err != nil {
			return nil, err
		}
		if err := e.store.ReplaceOne(ctx, model.CollProjects, c.project.ID, data); err != nil {
			return nil, errs.NewStore("replace project", err)
		}
		if c.invalidation {
			e.invalidate(ctx, c.project.ID)
		}
		out = append(out, c.project)
	}
	return out, nil
}

// RemoveProjects deletes (or archives, with Soft) projects under an org.
// Hard deletion is global-admin only and cascades through branches, elements,
// artifacts and webhooks beneath each project. Pre-delete documents are
// returned.
func (e *Engine) RemoveProjects(ctx context.Context, u *model.User, orgID string, targets interface{}, opts Options) ([]*model.Project, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(targets)
	if err != nil {
		return nil, err
	}
	if all {
		return nil, errs.NewValidation("input", "removing all projects is not supported; name the targets")
	}
	done := e.observe("project", "remove", len(requested))
	projects, err := e.removeProjects(ctx, u, orgID, requested, opts)
	done(err)
	return projects, err
}

func (e *Engine) removeProjects(ctx context.Context, u *model.User, orgID string, requested []string, opts Options) ([]*model.Project, error) {
	if _, err := e.getOrg(ctx, orgID); err != nil {
		return nil, err
	}
	normalized, err := normalizeIDs(orgID, requested)
	if err != nil {
		return nil, err
	}
	raw, err := e.store.Find(ctx, model.CollProjects, store.Filter{"id": store.In(normalized)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find projects", err)
	}
	projects, err := decodeDocs[model.Project](raw)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(projects))
	for _, p := range projects {
		found[p.ID] = true
	}
	if missing := missingFrom(normalized, found); len(missing) > 0 {
		return nil, errs.NewNotFound("projects", missing...)
	}
	for _, p := range projects {
		if err := e.allowed(ctx, u, "project", "delete", p.ID, func() error {
			return rbac.DeleteProject(u, p)
		}); err != nil {
			return nil, err
		}
	}

	if opts.Soft {
		now := e.now()
		for _, p := range projects {
			p.SetArchived(true, u.Username, now)
			p.Touch(u.Username, now)
			data, err := marshalDoc(p)
			if err != nil {
				return nil, err
			}
			if err := e.store.ReplaceOne(ctx, model.CollProjects, p.ID, data); err != nil {
				return nil, errs.NewStore("replace project", err)
			}
			e.invalidate(ctx, p.ID)
		}
		return projects, nil
	}

	for _, p := range projects {
		if err := e.cascadeProject(ctx, p.ID); err != nil {
			return nil, err
		}
		if _, err := e.store.DeleteMany(ctx, model.CollProjects, store.Filter{"id": p.ID}); err != nil {
			return nil, cascadeStepError("project", err)
		}
		e.invalidate(ctx, p.ID)
		e.log.WithField("user", u.Username).Infof("deleted project [%s]", p.ID)
	}
	return projects, nil
}
