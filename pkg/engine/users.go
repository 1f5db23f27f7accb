package engine

import (
	"context"

	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/rbac"
	"github.com/trellis-mbe/trellis/pkg/store"
)

// FindUsers returns user accounts. A global admin sees everyone; anyone else
// sees only their own account. Passwords are stripped from the results.
func (e *Engine) FindUsers(ctx context.Context, u *model.User, query interface{}, opts Options) ([]*model.User, error) {
	done := e.observe("user", "find", 0)
	users, err := e.findUsers(ctx, u, query, opts)
	done(err)
	return users, err
}

func (e *Engine) findUsers(ctx context.Context, u *model.User, query interface{}, opts Options) ([]*model.User, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(query)
	if err != nil {
		return nil, err
	}
	filter := baseFilter(opts)
	if all {
		if !u.Admin {
			requested = []string{u.Username}
			all = false
		}
	}
	if !all {
		for _, username := range requested {
			if rbac.ReadUser(u, username) != nil {
				return nil, errs.NewNotFound("users", username)
			}
		}
		filter["id"] = store.In(requested)
	}
	raw, err := e.store.Find(ctx, model.CollUsers, filter, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find users", err)
	}
	users, err := decodeDocs[model.User](raw)
	if err != nil {
		return nil, err
	}
	if !all {
		found := make(map[string]bool, len(users))
		for _, account := range users {
			found[account.Username] = true
		}
		if missing := missingFrom(requested, found); len(missing) > 0 {
			return nil, errs.NewNotFound("users", missing...)
		}
	}
	for _, account := range users {
		account.Password = ""
	}
	return users, nil
}

// CreateUsers creates user accounts; global admin only. Passwords arrive
// already hashed by the authentication layer.
func (e *Engine) CreateUsers(ctx context.Context, u *model.User, input interface{}, opts Options) ([]*model.User, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("user", "create", len(objs))
	users, err := e.createUsers(ctx, u, objs)
	done(err)
	return users, err
}

func (e *Engine) createUsers(ctx context.Context, u *model.User, objs []map[string]interface{}) ([]*model.User, error) {
	if err := e.allowed(ctx, u, "user", "create", "users", func() error {
		return rbac.CreateUser(u)
	}); err != nil {
		return nil, err
	}
	if _, _, err := buildIndex(objs, "username"); err != nil {
		return nil, err
	}
	now := e.now()
	users := make([]*model.User, 0, len(objs))
	usernames := make([]string, 0, len(objs))
	for _, obj := range objs {
		account, err := fromMap[model.User](obj)
		if err != nil {
			return nil, err
		}
		account.Stamp(u.Username, now)
		if err := account.Validate(); err != nil {
			return nil, err
		}
		users = append(users, account)
		usernames = append(usernames, account.Username)
	}
	if err := e.rejectExisting(ctx, model.CollUsers, "users", usernames); err != nil {
		return nil, err
	}
	docs := make([]store.Doc, 0, len(users))
	for _, account := range users {
		data, err := marshalDoc(account)
		if err != nil {
			return nil, err
		}
		docs = append(docs, store.Doc{ID: account.Username, Data: data})
	}
	if err := e.store.InsertMany(ctx, model.CollUsers, docs); err != nil {
		return nil, translateInsertErr("users", err)
	}
	e.log.WithField("user", u.Username).Infof("created %d users", len(users))
	return users, nil
}

// UpdateUsers applies update objects keyed by username. Users may update
// their own account; only a global admin may update others or touch the
// admin flag.
func (e *Engine) UpdateUsers(ctx context.Context, u *model.User, input interface{}, opts Options) ([]*model.User, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	objs, err := classifyObjects(input)
	if err != nil {
		return nil, err
	}
	done := e.observe("user", "update", len(objs))
	users, err := e.updateUsers(ctx, u, objs)
	done(err)
	return users, err
}

func (e *Engine) updateUsers(ctx context.Context, u *model.User, objs []map[string]interface{}) ([]*model.User, error) {
	index, ordered, err := buildIndex(objs, "username")
	if err != nil {
		return nil, err
	}
	raw, err := e.store.Find(ctx, model.CollUsers, store.Filter{"id": store.In(ordered)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find users", err)
	}
	existing, err := decodeDocs[model.User](raw)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.User, len(existing))
	found := make(map[string]bool, len(existing))
	for _, account := range existing {
		byID[account.Username] = account
		found[account.Username] = true
	}
	if missing := missingFrom(ordered, found); len(missing) > 0 {
		return nil, errs.NewNotFound("users", missing...)
	}

	// Validate-and-build first; nothing persists until every item passes.
	type change struct {
		account      *model.User
		invalidation bool
	}
	changes := make([]change, 0, len(ordered))
	now := e.now()
	for _, username := range ordered {
		account := byID[username]
		patch := index[username]
		_, patchesAdmin := patch["admin"]
		if err := e.allowed(ctx, u, "user", "update", username, func() error {
			return rbac.UpdateUser(u, username, patchesAdmin)
		}); err != nil {
			return nil, err
		}
		if account.Archived && !explicitUnarchive(patch) && !reArchive(patch) {
			return nil, errs.NewArchived("user", account.Username)
		}
		if err := checkPatchKeys("user", patch, model.UserUpdatableFields, model.UserImmutableFields); err != nil {
			return nil, err
		}
		invalidate := false
		for key, value := range patch {
			switch key {
			case "password":
				password, err := patchString(value, "password")
				if err != nil {
					return nil, err
				}
				if password == "" {
					return nil, errs.NewValidation("password", "password cannot be empty")
				}
				account.Password = password
			case "email":
				email, err := patchString(value, "email")
				if err != nil {
					return nil, err
				}
				account.Email = email
			case "custom":
				merged, err := mergeCustom(account.Custom, value)
				if err != nil {
					return nil, err
				}
				account.Custom = merged
			case "admin":
				admin, err := patchBool(value, "admin")
				if err != nil {
					return nil, err
				}
				if account.Admin != admin {
					invalidate = true
				}
				account.Admin = admin
			case "archived":
				archived, err := patchBool(value, "archived")
				if err != nil {
					return nil, err
				}
				if account.Archived != archived {
					invalidate = true
				}
				account.SetArchived(archived, u.Username, now)
			}
		}
		account.Touch(u.Username, now)
		changes = append(changes, change{account: account, invalidation: invalidate})
	}

	out := make([]*model.User, 0, len(changes))
	for _, c := range changes {
		data, err := marshalDoc(c.account)
		if err != nil {
			return nil, err
		}
		if err := e.store.ReplaceOne(ctx, model.CollUsers, c.account.Username, data); err != nil {
			return nil, errs.NewStore("replace user", err)
		}
		if c.invalidation {
			// Cached allow decisions minted under the admin bypass must not
			// outlive the flag.
			e.invalidateUser(ctx, c.account.Username)
		}
		stripped := *c.account
		stripped.Password = ""
		out = append(out, &stripped)
	}
	return out, nil
}

// RemoveUsers deletes (or archives, with Soft) user accounts; global admin
// only, never self. Hard deletion is refused while the account still holds
// permissions on any organization or project.
func (e *Engine) RemoveUsers(ctx context.Context, u *model.User, targets interface{}, opts Options) ([]*model.User, error) {
	if err := requireUser(u); err != nil {
		return nil, err
	}
	requested, all, err := classifyIDs(targets)
	if err != nil {
		return nil, err
	}
	if all {
		return nil, errs.NewValidation("input", "removing all users is not supported; name the targets")
	}
	done := e.observe("user", "remove", len(requested))
	users, err := e.removeUsers(ctx, u, requested, opts)
	done(err)
	return users, err
}

func (e *Engine) removeUsers(ctx context.Context, u *model.User, requested []string, opts Options) ([]*model.User, error) {
	raw, err := e.store.Find(ctx, model.CollUsers, store.Filter{"id": store.In(requested)}, store.FindOptions{})
	if err != nil {
		return nil, errs.NewStore("find users", err)
	}
	users, err := decodeDocs[model.User](raw)
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(users))
	for _, account := range users {
		found[account.Username] = true
	}
	if missing := missingFrom(requested, found); len(missing) > 0 {
		return nil, errs.NewNotFound("users", missing...)
	}
	for _, account := range users {
		if err := rbac.DeleteUser(u, account.Username); err != nil {
			return nil, err
		}
	}

	if opts.Soft {
		now := e.now()
		for _, account := range users {
			account.SetArchived(true, u.Username, now)
			account.Touch(u.Username, now)
			data, err := marshalDoc(account)
			if err != nil {
				return nil, err
			}
			if err := e.store.ReplaceOne(ctx, model.CollUsers, account.Username, data); err != nil {
				return nil, errs.NewStore("replace user", err)
			}
			e.invalidateUser(ctx, account.Username)
		}
		return users, nil
	}

	for _, account := range users {
		holding, err := e.permissionHolders(ctx, account.Username)
		if err != nil {
			return nil, err
		}
		if len(holding) > 0 {
			return nil, errs.Conflictf("user [%s] still holds permissions on %v", account.Username, holding)
		}
	}
	if _, err := e.store.DeleteMany(ctx, model.CollUsers, store.Filter{"id": store.In(requested)}); err != nil {
		return nil, errs.NewStore("delete users", err)
	}
	for _, account := range users {
		e.invalidateUser(ctx, account.Username)
	}
	e.log.WithField("user", u.Username).Infof("deleted %d users", len(users))
	return users, nil
}

// permissionHolders scans orgs and projects in pages and returns the ids of
// every document whose permission map still names the user.
func (e *Engine) permissionHolders(ctx context.Context, username string) ([]string, error) {
	var holding []string
	type permDoc struct {
		ID          string              `json:"id"`
		Permissions model.PermissionMap `json:"permissions"`
	}
	for _, coll := range []string{model.CollOrganizations, model.CollProjects} {
		skip := 0
		for {
			raw, err := e.store.Find(ctx, coll, store.Filter{}, store.FindOptions{Limit: e.pageSize, Skip: skip})
			if err != nil {
				return nil, errs.NewStore("scan permissions", err)
			}
			for _, data := range raw {
				doc, err := decodeDoc[permDoc](data)
				if err != nil {
					return nil, err
				}
				if doc.Permissions.HasAny(username) {
					holding = append(holding, doc.ID)
				}
			}
			if len(raw) < e.pageSize {
				break
			}
			skip += e.pageSize
		}
	}
	return holding, nil
}
