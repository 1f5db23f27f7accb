package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/trellis-mbe/trellis/pkg/auth"
	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/store"
)

// getOrg fetches an organization regardless of archive state. Callers decide
// whether an archived ancestor is acceptable.
func (e *Engine) getOrg(ctx context.Context, id string) (*model.Organization, error) {
	data, err := e.store.FindOne(ctx, model.CollOrganizations, store.Filter{"id": id})
	if err == store.ErrNotFound {
		return nil, errs.NewNotFound("organization", id)
	}
	if err != nil {
		return nil, errs.NewStore("find organization", err)
	}
	return decodeDoc[model.Organization](data)
}

// getProject fetches a project by composite id regardless of archive state.
func (e *Engine) getProject(ctx context.Context, id string) (*model.Project, error) {
	data, err := e.store.FindOne(ctx, model.CollProjects, store.Filter{"id": id})
	if err == store.ErrNotFound {
		return nil, errs.NewNotFound("project", id)
	}
	if err != nil {
		return nil, errs.NewStore("find project", err)
	}
	return decodeDoc[model.Project](data)
}

// getBranch fetches a branch by composite id regardless of archive state.
func (e *Engine) getBranch(ctx context.Context, id string) (*model.Branch, error) {
	data, err := e.store.FindOne(ctx, model.CollBranches, store.Filter{"id": id})
	if err == store.ErrNotFound {
		return nil, errs.NewNotFound("branch", id)
	}
	if err != nil {
		return nil, errs.NewStore("find branch", err)
	}
	return decodeDoc[model.Branch](data)
}

// notArchived fails with an ArchivedError naming the archived ancestor.
func notArchived(kind, id string, archived bool) error {
	if archived {
		return errs.NewArchived(kind, id)
	}
	return nil
}

// resolveBranchScope fetches the org, project and branch of a composite
// branch id. The three lookups are independent and run concurrently; all
// writes in the calling operation happen after they complete.
func (e *Engine) resolveBranchScope(ctx context.Context, branchID string) (*model.Organization, *model.Project, *model.Branch, error) {
	segments := ids.Parse(branchID)
	if len(segments) != 3 {
		return nil, nil, nil, errs.NewValidation("branch", "branch id [%s] must have the form org:project:branch", branchID)
	}
	var (
		org    *model.Organization
		proj   *model.Project
		branch *model.Branch
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		org, err = e.getOrg(gctx, segments[0])
		return err
	})
	g.Go(func() error {
		var err error
		proj, err = e.getProject(gctx, ids.Build(segments[0], segments[1]))
		return err
	})
	g.Go(func() error {
		var err error
		branch, err = e.getBranch(gctx, branchID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	return org, proj, branch, nil
}

// requireLiveBranchScope resolves a branch scope and rejects it when any
// ancestor is archived, naming the archived ancestor.
func (e *Engine) requireLiveBranchScope(ctx context.Context, branchID string) (*model.Organization, *model.Project, *model.Branch, error) {
	org, proj, branch, err := e.resolveBranchScope(ctx, branchID)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := notArchived("organization", org.ID, org.Archived); err != nil {
		return nil, nil, nil, err
	}
	if err := notArchived("project", proj.ID, proj.Archived); err != nil {
		return nil, nil, nil, err
	}
	if err := notArchived("branch", branch.ID, branch.Archived); err != nil {
		return nil, nil, nil, err
	}
	return org, proj, branch, nil
}

// resolveReferenceScope fetches the org and, when the reference is deep
// enough, the project and branch of a webhook reference id.
func (e *Engine) resolveReferenceScope(ctx context.Context, reference string) (*model.Organization, *model.Project, *model.Branch, error) {
	segments := ids.Parse(reference)
	if len(segments) == 0 || len(segments) > 3 {
		return nil, nil, nil, errs.NewValidation("reference", "reference [%s] must be an org, project or branch id", reference)
	}
	org, err := e.getOrg(ctx, segments[0])
	if err != nil {
		return nil, nil, nil, err
	}
	var proj *model.Project
	if len(segments) >= 2 {
		proj, err = e.getProject(ctx, ids.Build(segments[0], segments[1]))
		if err != nil {
			return nil, nil, nil, err
		}
	}
	var branch *model.Branch
	if len(segments) == 3 {
		branch, err = e.getBranch(ctx, reference)
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return org, proj, branch, nil
}

// requireLiveReferenceScope resolves a webhook reference scope and rejects it
// when any resolved ancestor is archived, naming the archived ancestor.
func (e *Engine) requireLiveReferenceScope(ctx context.Context, reference string) (*model.Organization, *model.Project, error) {
	org, proj, branch, err := e.resolveReferenceScope(ctx, reference)
	if err != nil {
		return nil, nil, err
	}
	if err := notArchived("organization", org.ID, org.Archived); err != nil {
		return nil, nil, err
	}
	if proj != nil {
		if err := notArchived("project", proj.ID, proj.Archived); err != nil {
			return nil, nil, err
		}
	}
	if branch != nil {
		if err := notArchived("branch", branch.ID, branch.Archived); err != nil {
			return nil, nil, err
		}
	}
	return org, proj, nil
}

// applyPermissions merges a permissions patch key by key: each entry maps a
// username to a role name, or to an empty value to revoke the user entirely.
func applyPermissions(existing model.PermissionMap, patch interface{}) (model.PermissionMap, error) {
	m, ok := patch.(map[string]interface{})
	if !ok {
		return nil, errs.NewValidation("permissions", "expected an object, got %T", patch)
	}
	merged := make(model.PermissionMap, len(existing)+len(m))
	for user, roles := range existing {
		merged[user] = append([]auth.Role(nil), roles...)
	}
	for user, v := range m {
		if v == nil {
			merged.Revoke(user)
			continue
		}
		name, ok := v.(string)
		if !ok {
			return nil, errs.NewValidation("permissions", "role for [%s] must be a string, got %T", user, v)
		}
		if name == "" || name == "remove_all" {
			merged.Revoke(user)
			continue
		}
		role := auth.Role(name)
		if !auth.ValidRole(role) {
			return nil, errs.NewValidation("permissions", "unknown role [%s] for user [%s]", name, user)
		}
		merged.Grant(user, role)
	}
	return merged, nil
}
