package engine

import (
	"context"

	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/rbac"
	"github.com/trellis-mbe/trellis/pkg/store"
)

// FindArtifacts returns artifact metadata under a branch. Reading requires
// project read; a denied project is reported as not found.
func (e *Engine) FindArtifacts(ctx context.Context, u *model.User, branchID string, query interface{}, opts Options) ([]*model.Artifact, error) {
	done := e.observe("artifact", "find", 0)
	artifacts, err := e.findArtifacts(ctx, u, branchID, query, opts)
	done(err)
	return artifacts, err
}

func (e *Engine) findArtifacts(ctx context.Context, u *model.User, branchID string, query interface{}, opts Options) ([]*model.Artifact, error) {
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
	if rbac.ReadArtifact(u, org, proj) != nil {
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
	raw, err := e.store.Find(ctx, model.CollArtifacts, filter, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find artifacts", err)
	}
	artifacts, err := decodeDocs[model.Artifact](raw)
	if err != nil {
		return nil, err
	}
	if !all {
		found := make(map[string]bool, len(artifacts))
		for _, a := range artifacts {
			found[a.ID] = true
		}
		if missing := missingFrom(requested, found); len(missing) > 0 {
			return nil, errs.NewNotFound("artifacts", missing...)
		}
	}
	return artifacts, nil
}

// CreateArtifacts records artifact metadata under a branch for a user with
// project write. Blob content moves through the blob store separately; this
// only persists the documents.
func (e *Engine) CreateArtifacts(ctx context.Context, u *model.User, branchID string, input interface{}, opts Options) ([]*model.Artifact, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("artifact", "create", len(objs))
	artifacts, err := e.createArtifacts(ctx, u, branchID, objs)
	done(err)
	return artifacts, err
}

func (e *Engine) createArtifacts(ctx context.Context, u *model.User, branchID string, objs []map[string]interface{}) ([]*model.Artifact, error) {
	_, proj, _, err := e.requireLiveBranchScope(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if err := e.allowed(ctx, u, "artifact", "create", branchID, func() error {
		return rbac.CreateArtifact(u, proj, branchID)
	}); err != nil {
		return nil, err
	}
	if _, _, err := buildIndex(objs, "id"); err != nil {
		return nil, err
	}
	now := e.now()
	artifacts := make([]*model.Artifact, 0, len(objs))
	composite := make([]string, 0, len(objs))
	seen := make(map[string]bool, len(objs))
	var dups []string
	for _, obj := range objs {
		a, err := fromMap[model.Artifact](obj)
		if err != nil {
			return nil, err
		}
		a.ID, err = normalizeID(branchID, a.ID)
		if err != nil {
			return nil, err
		}
		a.Org = ids.Scope(branchID, 1)
		a.Project = ids.Scope(branchID, 2)
		a.Branch = branchID
		a.Stamp(u.Username, now)
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if seen[a.ID] {
			dups = append(dups, a.ID)
		}
		seen[a.ID] = true
		artifacts = append(artifacts, a)
		composite = append(composite, a.ID)
	}
	if len(dups) > 0 {
		return nil, errs.NewConflict("batch ids", dups...)
	}
	if err := e.rejectExisting(ctx, model.CollArtifacts, "artifacts", composite); err != nil {
		return nil, err
	}
	docs := make([]store.Doc, 0, len(artifacts))
	for _, a := range artifacts {
		data, err := marshalDoc(a)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Doc{ID: a.ID, Data: data})
	}
	if err := e.store.InsertMany(ctx, model.CollArtifacts, docs); err != nil {
		return nil, translateInsertErr("artifacts", err)
	}
	e.log.WithField("user", u.Username).Infof("created %d artifacts under [%s]", len(artifacts), branchID)
	return artifacts, nil
}

// UpdateArtifacts applies update objects keyed by id to artifacts under a
// branch. Project write is required per target.
func (e *Engine) UpdateArtifacts(ctx context.Context, u *model.User, branchID string, input interface{}, opts Options) ([]*model.Artifact, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("artifact", "update", len(objs))
	artifacts, err := e.updateArtifacts(ctx, u, branchID, objs)
	done(err)
	return artifacts, err
}

func (e *Engine) updateArtifacts(ctx context.Context, u *model.User, branchID string, objs []map[string]interface{}) ([]*model.Artifact, error) {
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
	raw, err := e.store.Find(ctx, model.CollArtifacts, store.Filter{"id": store.In(normalized)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find artifacts", err)
	}
	existing, err := decodeDocs[model.Artifact](raw)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Artifact, len(existing))
	found := make(map[string]bool, len(existing))
	for _, a := range existing {
		byID[a.ID] = a
		found[a.ID] = true
	}
	if missing := missingFrom(normalized, found); len(missing) > 0 {
		return nil, errs.NewNotFound("artifacts", missing...)
	}

	changed := make([]*model.Artifact, 0, len(normalized))
	now := e.now()
	for _, id := range normalized {
		a := byID[id]
		patch := patchFor[id]
		if err := e.allowed(ctx, u, "artifact", "update", a.ID, func() error {
			return rbac.UpdateArtifact(u, proj, a.ID)
		}); err != nil {
			return nil, err
		}
		if a.Archived && !explicitUnarchive(patch) && !reArchive(patch) {
			return nil, errs.NewArchived("artifact", a.ID)
		}
		if err := checkPatchKeys("artifact", patch, model.ArtifactUpdatableFields, model.ArtifactImmutableFields); err != nil {
			return nil, err
		}
		for key, value := range patch {
			switch key {
			case "filename":
				filename, err := patchString(value, "filename")
				if err != nil {
					return nil, err
				}
				if filename == "" {
					return nil, errs.NewValidation("filename", "artifact filename cannot be empty")
				}
				a.Filename = filename
			case "location":
				location, err := patchString(value, "location")
				if err != nil {
					return nil, err
				}
				if location == "" {
					return nil, errs.NewValidation("location", "artifact location cannot be empty")
				}
				a.Location = location
			case "hash":
				hash, err := patchString(value, "hash")
				if err != nil {
					return nil, err
				}
				a.Hash = hash
			case "size":
				size, err := patchInt(value, "size")
				if err != nil {
					return nil, err
				}
				a.Size = size
			case "custom":
				merged, err := mergeCustom(a.Custom, value)
				if err != nil {
					return nil, err
				}
				a.Custom = merged
			case "archived":
				archived, err := patchBool(value, "archived")
				if err != nil {
					return nil, err
				}
				a.SetArchived(archived, u.Username, now)
			}
		}
		a.Touch(u.Username, now)
		changed = append(changed, a)
	}

	out := make([]*model.Artifact, 0, len(changed))
	for _, a := range changed {
		data, err := marshalDoc(a)
		if err != nil {
			return nil, err
		}
		if err := e.store.ReplaceOne(ctx, model.CollArtifacts, a.ID, data); err != nil {
			return nil, errs.NewStore("replace artifact", err)
		}
		out = append(out, a)
	}
	return out, nil
}

// RemoveArtifacts deletes (or archives, with Soft) artifact metadata under a
// branch. Hard deletion is global-admin only. Blob content is untouched;
// orphaned blobs are the sweeper's concern.
func (e *Engine) RemoveArtifacts(ctx context.Context, u *model.User, branchID string, targets interface{}, opts Options) ([]*model.Artifact, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(targets)
	if err != nil {
		return nil, err
	}
	if all {
		return nil, errs.NewValidation("input", "removing all artifacts is not supported; name the targets")
	}
	done := e.observe("artifact", "remove", len(requested))
	artifacts, err := e.removeArtifacts(ctx, u, branchID, requested, opts)
	done(err)
	return artifacts, err
}

func (e *Engine) removeArtifacts(ctx context.Context, u *model.User, branchID string, requested []string, opts Options) ([]*model.Artifact, error) {
	if _, _, _, err := e.resolveBranchScope(ctx, branchID); err != nil {
		return nil, err
	}
	normalized, err := normalizeIDs(branchID, requested)
	if err != nil {
		return nil, err
	}
	raw, err := e.store.Find(ctx, model.CollArtifacts, store.Filter{"id": store.In(normalized)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find artifacts", err)
	}
	artifacts, err := decodeDocs[model.Artifact](raw)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		found[a.ID] = true
	}
	if missing := missingFrom(normalized, found); len(missing) > 0 {
		return nil, errs.NewNotFound("artifacts", missing...)
	}
	for _, a := range artifacts {
		if err := e.allowed(ctx, u, "artifact", "delete", a.ID, func() error {
			return rbac.DeleteArtifact(u, a.ID)
		}); err != nil {
			return nil, err
		}
	}

	if opts.Soft {
		now := e.now()
		for _, a := range artifacts {
			a.SetArchived(true, u.Username, now)
			a.Touch(u.Username, now)
			data, err := marshalDoc(a)
			if err != nil {
				return nil, err
			}
			if err := e.store.ReplaceOne(ctx, model.CollArtifacts, a.ID, data); err != nil {
				return nil, errs.NewStore("replace artifact", err)
			}
		}
		return artifacts, nil
	}

	if _, err := e.store.DeleteMany(ctx, model.CollArtifacts, store.Filter{"id": store.In(normalized)}); err != nil {
		return nil, errs.NewStore("delete artifacts", err)
	}
	e.log.WithField("user", u.Username).Infof("deleted %d artifacts under [%s]", len(artifacts), branchID)
	return artifacts, nil
}
