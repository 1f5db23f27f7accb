package engine

import (
	"context"

	"github.com/trellis-mbe/trellis/pkg/auth"
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/rbac"
	"github.com/trellis-mbe/trellis/pkg/store"
)

// Bootstrap ensures the default organization exists. Called once at startup;
// the default org can never be archived or deleted afterwards.
func (e *Engine) Bootstrap(ctx context.Context) error {
	_, err := e.store.FindOne(ctx, model.CollOrganizations, store.Filter{"id": e.defaultOrg})
	if err == nil {
		return nil
	}
	if err != store.ErrNotFound {
		return errs.NewStore("find organization", err)
	}
	org := &model.Organization{
		ID:          e.defaultOrg,
		Name:        "Default",
		Permissions: model.PermissionMap{},
	}
	org.Stamp("system", e.now())
	data, err := marshalDoc(org)
	if err != nil {
		return err
	}
	if insErr := e.store.InsertMany(ctx, model.CollOrganizations, []store.Doc{{ID: org.ID, Data: data}}); insErr != nil {
		if store.IsDuplicateKey(insErr) {
			// Another instance bootstrapped concurrently.
			return nil
		}
		return errs.NewStore("insert organization", insErr)
	}
	e.log.Infof("bootstrapped default organization [%s]", e.defaultOrg)
	return nil
}

// FindOrgs returns the organizations the user can read. query is nil for
// all, a single id or a set of ids. Requested ids the user cannot see are
// reported as not found, whether they are missing or merely unauthorized.
func (e *Engine) FindOrgs(ctx context.Context, u *model.User, query interface{}, opts Options) ([]*model.Organization, error) {
	done := e.observe("org", "find", 0)
	orgs, err := e.findOrgs(ctx, u, query, opts)
	done(err)
	return orgs, err
}

func (e *Engine) findOrgs(ctx context.Context, u *model.User, query interface{}, opts Options) ([]*model.Organization, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(query)
	if err != nil {
		return nil, err
	}
	filter := baseFilter(opts)
	if !all {
		filter["id"] = store.In(requested)
	}
	raw, err := e.store.Find(ctx, model.CollOrganizations, filter, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find organizations", err)
	}
	orgs, err := decodeDocs[model.Organization](raw)
	if err != nil {
		return nil, err
	}
	readable := make([]*model.Organization, 0, len(orgs))
	seen := make(map[string]bool, len(orgs))
	for _, org := range orgs {
		if rbac.ReadOrg(u, org) != nil {
			continue
		}
		readable = append(readable, org)
		seen[org.ID] = true
	}
	if !all {
		if missing := missingFrom(requested, seen); len(missing) > 0 {
			return nil, errs.NewNotFound("organizations", missing...)
		}
	}
	return readable, nil
}

// CreateOrgs creates one or more organizations. Only a global admin may
// create orgs; the creator is granted admin on each. The whole batch is
// rejected when any id already exists.
func (e *Engine) CreateOrgs(ctx context.Context, u *model.User, input interface{}, opts Options) ([]*model.Organization, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("org", "create", len(objs))
	orgs, err := e.createOrgs(ctx, u, objs)
	done(err)
	return orgs, err
}

func (e *Engine) createOrgs(ctx context.Context, u *model.User, objs []map[string]interface{}) ([]*model.Organization, error) {
	if err := e.allowed(ctx, u, "org", "create", "organizations", func() error {
		return rbac.CreateOrg(u)
	}); err != nil {
		return nil, err
	}
	_, ordered, err := buildIndex(objs, "id")
	if err != nil {
		return nil, err
	}
	orgs := make([]*model.Organization, 0, len(objs))
	now := e.now()
	for _, obj := range objs {
		org, err := fromMap[model.Organization](obj)
		if err != nil {
			return nil, err
		}
		if org.Permissions == nil {
			org.Permissions = model.PermissionMap{}
		}
		org.Permissions.Grant(u.Username, auth.RoleAdmin)
		org.Stamp(u.Username, now)
		if err := org.Validate(); err != nil {
			return nil, err
		}
		orgs = append(orgs, org)
	}
	if err := e.rejectExisting(ctx, model.CollOrganizations, "organizations", ordered); err != nil {
		return nil, err
	}
	docs := make([]store.Doc, 0, len(orgs))
	for _, org := range orgs {
		data, err := marshalDoc(org)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Doc{ID: org.ID, Data: data})
	}
	if err := e.store.InsertMany(ctx, model.CollOrganizations, docs); err != nil {
		return nil, translateInsertErr("organizations", err)
	}
	e.log.WithField("user", u.Username).Infof("created %d organizations", len(orgs))
	return orgs, nil
}

// UpdateOrgs applies one or more update objects keyed by id. Any item's
// validation failure aborts the whole batch before anything is persisted.
func (e *Engine) UpdateOrgs(ctx context.Context, u *model.User, input interface{}, opts Options) ([]*model.Organization, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("org", "update", len(objs))
	orgs, err := e.updateOrgs(ctx, u, objs)
	done(err)
	return orgs, err
}

func (e *Engine) updateOrgs(ctx context.Context, u *model.User, objs []map[string]interface{}) ([]*model.Organization, error) {
	index, ordered, err := buildIndex(objs, "id")
	if err != nil {
		return nil, err
	}
	raw, err := e.store.Find(ctx, model.CollOrganizations, store.Filter{"id": store.In(ordered)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find organizations", err)
	}
	existing, err := decodeDocs[model.Organization](raw)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Organization, len(existing))
	for _, org := range existing {
		byID[org.ID] = org
	}
	found := make(map[string]bool, len(byID))
	for id := range byID {
		found[id] = true
	}
	if missing := missingFrom(ordered, found); len(missing) > 0 {
		return nil, errs.NewNotFound("organizations", missing...)
	}

	// Validate-and-build first; nothing persists until every item passes.
	type change struct {
		org          *model.Organization
		invalidation bool
	}
	changes := make([]change, 0, len(ordered))
	now := e.now()
	for _, id := range ordered {
		org := byID[id]
		patch := index[id]
		if err := e.allowed(ctx, u, "org", "update", org.ID, func() error {
			return rbac.UpdateOrg(u, org)
		}); err != nil {
			return nil, err
		}
		if org.Archived && !explicitUnarchive(patch) && !reArchive(patch) {
			return nil, errs.NewArchived("organization", org.ID)
		}
		if org.ID == e.defaultOrg && wantsArchive(patch) {
			return nil, errs.Conflictf("the default organization [%s] cannot be archived", org.ID)
		}
		if err := checkPatchKeys("organization", patch, model.OrgUpdatableFields, model.OrgImmutableFields); err != nil {
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
					return nil, errs.NewValidation("name", "organization name cannot be empty")
				}
				org.Name = name
			case "custom":
				merged, err := mergeCustom(org.Custom, value)
				if err != nil {
					return nil, err
				}
				org.Custom = merged
			case "permissions":
				merged, err := applyPermissions(org.Permissions, value)
				if err != nil {
					return nil, err
				}
				org.Permissions = merged
				invalidate = true
			case "archived":
				archived, err := patchBool(value, "archived")
				if err != nil {
					return nil, err
				}
				org.SetArchived(archived, u.Username, now)
				invalidate = true
			}
		}
		org.Touch(u.Username, now)
		changes = append(changes, change{org: org, invalidation: invalidate})
	}

	out := make([]*model.Organization, 0, len(changes))
	for _, c := range changes {
		data, err := marshalDoc(c.org)
		if err != nil {
			return nil, err
		}
		if err := e.store.ReplaceOne(ctx, model.CollOrganizations, c.org.ID, data); err != nil {
			return nil, errs.NewStore("replace organization", err)
		}
		if c.invalidation {
			// Composite child ids share the org prefix, so this also drops
			// cached project and branch decisions under the org.
			e.invalidate(ctx, c.org.ID)
		}
		out = append(out, c.org)
	}
	return out, nil
}

// RemoveOrgs deletes (or, with Soft, archives) the target organizations.
// Hard deletion is global-admin only and cascades: webhooks, artifacts,
// elements, branches and projects under each org are removed step by step
// before the org itself. The pre-delete org documents are returned.
func (e *Engine) RemoveOrgs(ctx context.Context, u *model.User, targets interface{}, opts Options) ([]*model.Organization, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(targets)
	if err != nil {
		return nil, err
	}
	if all {
		return nil, errs.NewValidation("input", "removing all organizations is not supported; name the targets")
	}
	done := e.observe("org", "remove", len(requested))
	orgs, err := e.removeOrgs(ctx, u, requested, opts)
	done(err)
	return orgs, err
}

func (e *Engine) removeOrgs(ctx context.Context, u *model.User, requested []string, opts Options) ([]*model.Organization, error) {
	raw, err := e.store.Find(ctx, model.CollOrganizations, store.Filter{"id": store.In(requested)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find organizations", err)
	}
	orgs, err := decodeDocs[model.Organization](raw)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(orgs))
	for _, org := range orgs {
		found[org.ID] = true
	}
	if missing := missingFrom(requested, found); len(missing) > 0 {
		return nil, errs.NewNotFound("organizations", missing...)
	}
	for _, org := range orgs {
		if err := e.allowed(ctx, u, "org", "delete", org.ID, func() error {
			return rbac.DeleteOrg(u, org)
		}); err != nil {
			return nil, err
		}
		if org.ID == e.defaultOrg {
			return nil, errs.Conflictf("the default organization [%s] cannot be deleted", org.ID)
		}
	}

	if opts.Soft {
		now := e.now()
		for _, org := range orgs {
			org.SetArchived(true, u.Username, now)
			org.Touch(u.Username, now)
			data, err := marshalDoc(org)
			if err != nil {
				return nil, err
			}
			if err := e.store.ReplaceOne(ctx, model.CollOrganizations, org.ID, data); err != nil {
				return nil, errs.NewStore("replace organization", err)
			}
			e.invalidate(ctx, org.ID)
		}
		return orgs, nil
	}

	for _, org := range orgs {
		if err := e.cascadeOrg(ctx, org.ID); err != nil {
			return nil, err
		}
		if _, err := e.store.DeleteMany(ctx, model.CollOrganizations, store.Filter{"id": org.ID}); err != nil {
			return nil, cascadeStepError("organization", err)
		}
		e.invalidate(ctx, org.ID)
		e.log.WithField("user", u.Username).Infof("deleted organization [%s]", org.ID)
	}
	return orgs, nil
}

// rejectExisting performs the bulk create pre-check: one query for all
// derived ids, rejecting the whole batch with the conflicting ids when any
// already exists, archived or not.
func (e *Engine) rejectExisting(ctx context.Context, coll, kind string, ids []string) error {
	raw, err := e.store.Find(ctx, coll, store.Filter{"id": store.In(ids)}, store.FindOptions{})
	if err != nil {
		return errs.NewStore("find "+kind, err)
	}
	if len(raw) == 0 {
		return nil
	}
	type idOnly struct {
		ID string `json:"id"`
	}
	conflicts := make([]string, 0, len(raw))
	for _, data := range raw {
		doc, err := decodeDoc[idOnly](data)
		if err != nil {
			return err
		}
		conflicts = append(conflicts, doc.ID)
	}
	return errs.NewConflict(kind, conflicts...)
}

// translateInsertErr maps a store uniqueness violation to the same conflict
// class as the pre-check; a true race between two creates ends up here.
func translateInsertErr(kind string, err error) error {
	if dup, ok := err.(*store.DuplicateKeyError); ok {
		if len(dup.IDs) > 0 {
			return errs.NewConflict(kind, dup.IDs...)
		}
		return errs.Conflictf("%s already exist", kind)
	}
	return errs.NewStore("insert "+kind, err)
}
