package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/rbac"
	"github.com/trellis-mbe/trellis/pkg/store"
)

// FindWebhooks returns the webhooks registered at a reference scope. Reading
// requires read on the scope; a denied scope is reported as not found.
func (e *Engine) FindWebhooks(ctx context.Context, u *model.User, reference string, query interface{}, opts Options) ([]*model.Webhook, error) {
	done := e.observe("webhook", "find", 0)
	hooks, err := e.findWebhooks(ctx, u, reference, query, opts)
	done(err)
	return hooks, err
}

func (e *Engine) findWebhooks(ctx context.Context, u *model.User, reference string, query interface{}, opts Options) ([]*model.Webhook, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(query)
	if err != nil {
		return nil, err
	}
	org, proj, _, err := e.resolveReferenceScope(ctx, reference)
	if err != nil {
		return nil, err
	}
	if rbac.ReadWebhook(u, org, proj, reference) != nil {
		return nil, errs.NewNotFound("reference", reference)
	}
	filter := baseFilter(opts)
	filter["reference"] = reference
	if !all {
		filter["id"] = store.In(requested)
	}
	raw, err := e.store.Find(ctx, model.CollWebhooks, filter, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find webhooks", err)
	}
	hooks, err := decodeDocs[model.Webhook](raw)
	if err != nil {
		return nil, err
	}
	if !all {
		found := make(map[string]bool, len(hooks))
		for _, w := range hooks {
			found[w.ID] = true
		}
		if missing := missingFrom(requested, found); len(missing) > 0 {
			return nil, errs.NewNotFound("webhooks", missing...)
		}
	}
	return hooks, nil
}

// CreateWebhooks registers webhooks at a reference scope for a scope admin.
// Webhook ids are server-assigned UUIDs unless the caller supplies one.
func (e *Engine) CreateWebhooks(ctx context.Context, u *model.User, reference string, input interface{}, opts Options) ([]*model.Webhook, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("webhook", "create", len(objs))
	hooks, err := e.createWebhooks(ctx, u, reference, objs)
	done(err)
	return hooks, err
}

func (e *Engine) createWebhooks(ctx context.Context, u *model.User, reference string, objs []map[string]interface{}) ([]*model.Webhook, error) {
	org, proj, err := e.requireLiveReferenceScope(ctx, reference)
	if err != nil {
		return nil, err
	}
	if err := e.allowed(ctx, u, "webhook", "create", reference, func() error {
		return rbac.CreateWebhook(u, org, proj, reference)
	}); err != nil {
		return nil, err
	}
	now := e.now()
	hooks := make([]*model.Webhook, 0, len(objs))
	hookIDs := make([]string, 0, len(objs))
	seen := make(map[string]bool, len(objs))
	var dups []string
	for _, obj := range objs {
		w, err := fromMap[model.Webhook](obj)
		if err != nil {
			return nil, err
		}
		if w.ID == "" {
			w.ID = uuid.NewString()
		}
		if w.Reference != "" && w.Reference != reference {
			return nil, errs.NewValidation("reference", "webhook [%s] reference [%s] does not match scope [%s]", w.ID, w.Reference, reference)
		}
		w.Reference = reference
		w.Stamp(u.Username, now)
		if err := w.Validate(); err != nil {
			return nil, err
		}
		if seen[w.ID] {
			dups = append(dups, w.ID)
		}
		seen[w.ID] = true
		hooks = append(hooks, w)
		hookIDs = append(hookIDs, w.ID)
	}
	if len(dups) > 0 {
		return nil, errs.NewConflict("batch ids", dups...)
	}
	if err := e.rejectExisting(ctx, model.CollWebhooks, "webhooks", hookIDs); err != nil {
		return nil, err
	}
	docs := make([]store.Doc, 0, len(hooks))
	for _, w := range hooks {
		data, err := marshalDoc(w)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Doc{ID: w.ID, Data: data})
	}
	if err := e.store.InsertMany(ctx, model.CollWebhooks, docs); err != nil {
		return nil, translateInsertErr("webhooks", err)
	}
	e.log.WithField("user", u.Username).Infof("created %d webhooks at [%s]", len(hooks), reference)
	return hooks, nil
}

// UpdateWebhooks applies update objects keyed by id to webhooks at a
// reference scope. Scope admin is required. The merged document is
// revalidated so an update cannot move a webhook out of its variant's rules.
func (e *Engine) UpdateWebhooks(ctx context.Context, u *model.User, reference string, input interface{}, opts Options) ([]*model.Webhook, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("webhook", "update", len(objs))
	hooks, err := e.updateWebhooks(ctx, u, reference, objs)
	done(err)
	return hooks, err
}

func (e *Engine) updateWebhooks(ctx context.Context, u *model.User, reference string, objs []map[string]interface{}) ([]*model.Webhook, error) {
	org, proj, err := e.requireLiveReferenceScope(ctx, reference)
	if err != nil {
		return nil, err
	}
	index, ordered, err := buildIndex(objs, "id")
	if err != nil {
		return nil, err
	}
	raw, err := e.store.Find(ctx, model.CollWebhooks,
		store.Filter{"id": store.In(ordered), "reference": reference}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find webhooks", err)
	}
	existing, err := decodeDocs[model.Webhook](raw)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.Webhook, len(existing))
	found := make(map[string]bool, len(existing))
	for _, w := range existing {
		byID[w.ID] = w
		found[w.ID] = true
	}
	if missing := missingFrom(ordered, found); len(missing) > 0 {
		return nil, errs.NewNotFound("webhooks", missing...)
	}

	changed := make([]*model.Webhook, 0, len(ordered))
	now := e.now()
	for _, id := range ordered {
		w := byID[id]
		patch := index[id]
		if err := e.allowed(ctx, u, "webhook", "update", reference, func() error {
			return rbac.UpdateWebhook(u, org, proj, reference)
		}); err != nil {
			return nil, err
		}
		if w.Archived && !explicitUnarchive(patch) && !reArchive(patch) {
			return nil, errs.NewArchived("webhook", w.ID)
		}
		if err := checkPatchKeys("webhook", patch, model.WebhookUpdatableFields, model.WebhookImmutableFields); err != nil {
			return nil, err
		}
		for key, value := range patch {
			switch key {
			case "name":
				name, err := patchString(value, "name")
				if err != nil {
					return nil, err
				}
				w.Name = name
			case "description":
				desc, err := patchString(value, "description")
				if err != nil {
					return nil, err
				}
				w.Description = desc
			case "triggers":
				triggers, err := patchStringSlice(value, "triggers")
				if err != nil {
					return nil, err
				}
				w.Triggers = triggers
			case "custom":
				merged, err := mergeCustom(w.Custom, value)
				if err != nil {
					return nil, err
				}
				w.Custom = merged
			case "token":
				token, err := patchString(value, "token")
				if err != nil {
					return nil, err
				}
				w.Token = token
			case "tokenLocation":
				loc, err := patchString(value, "tokenLocation")
				if err != nil {
					return nil, err
				}
				w.TokenLocation = loc
			case "responses":
				responses, err := patchResponses(value)
				if err != nil {
					return nil, err
				}
				w.Responses = responses
			case "archived":
				archived, err := patchBool(value, "archived")
				if err != nil {
					return nil, err
				}
				w.SetArchived(archived, u.Username, now)
			}
		}
		if err := w.Validate(); err != nil {
			return nil, err
		}
		w.Touch(u.Username, now)
		changed = append(changed, w)
	}

	out := make([]*model.Webhook, 0, len(changed))
	for _, w := range changed {
		data, err := marshalDoc(w)
		if err != nil {
			return nil, err
		}
		if err := e.store.ReplaceOne(ctx, model.CollWebhooks, w.ID, data); err != nil {
			return nil, errs.NewStore("replace webhook", err)
		}
		out = append(out, w)
	}
	return out, nil
}

// patchStringSlice reads a []string patch value arriving as []interface{}.
func patchStringSlice(v interface{}, field string) ([]string, error) {
	items, ok := v.([]interface{})
	if !ok {
		return nil, errs.NewValidation(field, "expected a list of strings, got %T", v)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, errs.NewValidation(field, "expected a string entry, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

// patchResponses decodes a responses patch value into typed responses.
func patchResponses(v interface{}) ([]model.WebhookResponse, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.NewValidation("responses", "cannot encode responses: %v", err)
	}
	var out []model.WebhookResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.NewValidation("responses", "cannot decode responses: %v", err)
	}
	return out, nil
}

// RemoveWebhooks deletes (or archives, with Soft) webhooks at a reference
// scope for a scope admin. Pre-delete documents are returned.
func (e *Engine) RemoveWebhooks(ctx context.Context, u *model.User, reference string, targets interface{}, opts Options) ([]*model.Webhook, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(targets)
	if err != nil {
		return nil, err
	}
	if all {
		return nil, errs.NewValidation("input", "removing all webhooks is not supported; name the targets")
	}
	done := e.observe("webhook", "remove", len(requested))
	hooks, err := e.removeWebhooks(ctx, u, reference, requested, opts)
	done(err)
	return hooks, err
}

func (e *Engine) removeWebhooks(ctx context.Context, u *model.User, reference string, requested []string, opts Options) ([]*model.Webhook, error) {
	org, proj, _, err := e.resolveReferenceScope(ctx, reference)
	if err != nil {
		return nil, err
	}
	raw, err := e.store.Find(ctx, model.CollWebhooks,
		store.Filter{"id": store.In(requested), "reference": reference}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find webhooks", err)
	}
	hooks, err := decodeDocs[model.Webhook](raw)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(hooks))
	for _, w := range hooks {
		found[w.ID] = true
	}
	if missing := missingFrom(requested, found); len(missing) > 0 {
		return nil, errs.NewNotFound("webhooks", missing...)
	}
	for range hooks {
		if err := e.allowed(ctx, u, "webhook", "delete", reference, func() error {
			return rbac.DeleteWebhook(u, org, proj, reference)
		}); err != nil {
			return nil, err
		}
	}

	if opts.Soft {
		now := e.now()
		for _, w := range hooks {
			w.SetArchived(true, u.Username, now)
			w.Touch(u.Username, now)
			data, err := marshalDoc(w)
			if err != nil {
				return nil, err
			}
			if err := e.store.ReplaceOne(ctx, model.CollWebhooks, w.ID, data); err != nil {
				return nil, errs.NewStore("replace webhook", err)
			}
		}
		return hooks, nil
	}

	ids := make([]string, 0, len(hooks))
	for _, w := range hooks {
		ids = append(ids, w.ID)
	}
	if _, err := e.store.DeleteMany(ctx, model.CollWebhooks, store.Filter{"id": store.In(ids)}); err != nil {
		return nil, errs.NewStore("delete webhooks", err)
	}
	e.log.WithField("user", u.Username).Infof("deleted %d webhooks at [%s]", len(hooks), reference)
	return hooks, nil
}
