package engine

import (
	"context"

	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/ids"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/store"
)

// The cascade engine removes everything beneath an org, project or branch in
// fixed-size id pages. Steps are ordered leaves-first (webhooks, artifacts,
// elements, branches, projects); each step commits before the next begins and
// a failing step aborts the remainder with the step named. There is no
// compensating rollback.

type idOnlyDoc struct {
	ID string `json:"id"`
}

// pageIDs returns up to pageSize ids matching the filter.
func (e *Engine) pageIDs(ctx context.Context, coll string, f store.Filter) ([]string, error) {
	raw, err := e.store.Find(ctx, coll, f, store.FindOptions{Limit: e.pageSize})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(raw))
	for _, data := range raw {
		doc, err := decodeDoc[idOnlyDoc](data)
		if err != nil {
			return nil, err
		}
		out = append(out, doc.ID)
	}
	return out, nil
}

// deleteWhere removes every document matching the filter in id pages,
// returning the number removed.
func (e *Engine) deleteWhere(ctx context.Context, coll, step string, f store.Filter) (int64, error) {
	var total int64
	var pages float64
	for {
		page, err := e.pageIDs(ctx, coll, f)
		if err != nil {
			return total, cascadeStepError(step, err)
		}
		if len(page) == 0 {
			break
		}
		n, err := e.store.DeleteMany(ctx, coll, store.Filter{"id": store.In(page)})
		if err != nil {
			return total, cascadeStepError(step, err)
		}
		total += n
		pages++
		if len(page) < e.pageSize {
			break
		}
	}
	if e.metrics != nil && total > 0 {
		e.metrics.CascadeDeletedTotal.WithLabelValues(coll).Add(float64(total))
		e.metrics.CascadePages.Observe(pages)
	}
	return total, nil
}

// deleteUnderScope removes every document of the collection whose composite
// id lies strictly under the scope id.
func (e *Engine) deleteUnderScope(ctx context.Context, coll, step, scope string) (int64, error) {
	return e.deleteWhere(ctx, coll, step, store.Filter{"id": store.Prefix(scope + ids.Delimiter)})
}

// deleteWebhooksAt removes webhooks whose reference is the scope itself or
// anything beneath it. Two filters keep an org id from matching a sibling
// that shares its prefix.
func (e *Engine) deleteWebhooksAt(ctx context.Context, scope string) (int64, error) {
	n, err := e.deleteWhere(ctx, model.CollWebhooks, "webhooks", store.Filter{"reference": scope})
	if err != nil {
		return n, err
	}
	under, err := e.deleteWhere(ctx, model.CollWebhooks, "webhooks", store.Filter{"reference": store.Prefix(scope + ids.Delimiter)})
	return n + under, err
}

// cascadeOrg tears down everything under an organization: webhooks, then
// artifacts, elements, branches and projects.
func (e *Engine) cascadeOrg(ctx context.Context, orgID string) error {
	if _, err := e.deleteWebhooksAt(ctx, orgID); err != nil {
		return err
	}
	for _, step := range []struct {
		coll string
		name string
	}{
		{model.CollArtifacts, "artifacts"},
		{model.CollElements, "elements"},
		{model.CollBranches, "branches"},
		{model.CollProjects, "projects"},
	} {
		if _, err := e.deleteUnderScope(ctx, step.coll, step.name, orgID); err != nil {
			return err
		}
	}
	return nil
}

// cascadeProject tears down everything under a project.
func (e *Engine) cascadeProject(ctx context.Context, projectID string) error {
	if _, err := e.deleteWebhooksAt(ctx, projectID); err != nil {
		return err
	}
	for _, step := range []struct {
		coll string
		name string
	}{
		{model.CollArtifacts, "artifacts"},
		{model.CollElements, "elements"},
		{model.CollBranches, "branches"},
	} {
		if _, err := e.deleteUnderScope(ctx, step.coll, step.name, projectID); err != nil {
			return err
		}
	}
	return nil
}

// cascadeBranch tears down everything under a branch.
func (e *Engine) cascadeBranch(ctx context.Context, branchID string) error {
	if _, err := e.deleteWebhooksAt(ctx, branchID); err != nil {
		return err
	}
	if _, err := e.deleteUnderScope(ctx, model.CollArtifacts, "artifacts", branchID); err != nil {
		return err
	}
	_, err := e.deleteUnderScope(ctx, model.CollElements, "elements", branchID)
	return err
}

// collectElementSubtree walks the parent chain downward from the given roots
// and returns every descendant id, roots included. The frontier and the
// accumulator are explicit; the walk terminates when a round discovers no new
// ids.
func (e *Engine) collectElementSubtree(ctx context.Context, rootIDs []string) ([]string, error) {
	acc := make(map[string]bool, len(rootIDs))
	ordered := make([]string, 0, len(rootIDs))
	frontier := append([]string(nil), rootIDs...)
	for _, id := range rootIDs {
		acc[id] = true
		ordered = append(ordered, id)
	}
	for len(frontier) > 0 {
		var next []string
		for start := 0; start < len(frontier); start += e.pageSize {
			end := start + e.pageSize
			if end > len(frontier) {
				end = len(frontier)
			}
			chunk := frontier[start:end]
			children, err := e.pageChildren(ctx, chunk)
			if err != nil {
				return nil, err
			}
			for _, id := range children {
				if acc[id] {
					continue
				}
				acc[id] = true
				ordered = append(ordered, id)
				next = append(next, id)
			}
		}
		frontier = next
	}
	return ordered, nil
}

// pageChildren returns all element ids whose parent is in the given set,
// paging through the result.
func (e *Engine) pageChildren(ctx context.Context, parents []string) ([]string, error) {
	var out []string
	skip := 0
	for {
		raw, err := e.store.Find(ctx, model.CollElements,
			store.Filter{"parent": store.In(parents)},
			store.FindOptions{Limit: e.pageSize, Skip: skip})
		if err != nil {
			return nil, errs.NewStore("find child elements", err)
		}
		for _, data := range raw {
			doc, err := decodeDoc[idOnlyDoc](data)
			if err != nil {
				return nil, err
			}
			out = append(out, doc.ID)
		}
		if len(raw) < e.pageSize {
			return out, nil
		}
		skip += e.pageSize
	}
}

// deleteElementIDs removes the given element ids in pages and returns the
// count removed.
func (e *Engine) deleteElementIDs(ctx context.Context, elementIDs []string) (int64, error) {
	var total int64
	var pages float64
	for start := 0; start < len(elementIDs); start += e.pageSize {
		end := start + e.pageSize
		if end > len(elementIDs) {
			end = len(elementIDs)
		}
		n, err := e.store.DeleteMany(ctx, model.CollElements, store.Filter{"id": store.In(elementIDs[start:end])})
		if err != nil {
			return total, cascadeStepError("elements", err)
		}
		total += n
		pages++
	}
	if e.metrics != nil && total > 0 {
		e.metrics.CascadeDeletedTotal.WithLabelValues(model.CollElements).Add(float64(total))
		e.metrics.CascadePages.Observe(pages)
	}
	return total, nil
}
