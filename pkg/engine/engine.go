package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/trellis-mbe/trellis/pkg/errs"
	"github.com/trellis-mbe/trellis/pkg/model"
	"github.com/trellis-mbe/trellis/pkg/observability"
	"github.com/trellis-mbe/trellis/pkg/rbac"
	"github.com/trellis-mbe/trellis/pkg/store"
)

// DefaultPageSize bounds the id batches used by cascading deletes so a
// single store operation never exceeds query limits.
const DefaultPageSize = 100000

// Options tunes a single engine operation.
type Options struct {
	// Archived includes archived documents in finds.
	Archived bool
	// Populate resolves reference fields (element parent/source/target,
	// branch source, project org) to embedded documents on the results.
	Populate bool
	// Soft archives the targets instead of deleting them, where a remove
	// supports it.
	Soft bool
}

// Engine is the batch CRUD engine. All entity operations hang off it.
type Engine struct {
	store      store.Store
	resolver   *rbac.Resolver
	log        *observability.Logger
	metrics    *observability.Metrics
	pageSize   int
	defaultOrg string
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver attaches a permission decision cache.
func WithResolver(r *rbac.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithLogger attaches a structured logger.
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics attaches engine metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPageSize overrides the cascade delete page size.
func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

// WithDefaultOrg overrides the id of the protected default organization.
func WithDefaultOrg(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.defaultOrg = id
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine over the given store.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      s,
		pageSize:   DefaultPageSize,
		defaultOrg: model.DefaultOrgID,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = observability.NewLogger(observability.InfoLevel, nil)
	}
	return e
}

// DefaultOrg returns the id of the protected default organization.
func (e *Engine) DefaultOrg() string { return e.defaultOrg }

// requireUser guards every operation against a malformed principal.
func requireUser(u *model.User) error {
	if u == nil || u.Username == "" {
		return errs.NewValidation("user", "requesting user is missing an identity")
	}
	return nil
}

// allowed runs a permission check through the decision cache when one is
// attached, counting denials.
func (e *Engine) allowed(ctx context.Context, u *model.User, entity, action, resource string, eval func() error) error {
	var err error
	if e.resolver != nil {
		err = e.resolver.Allowed(ctx, u, action, resource, eval)
	} else {
		err = eval()
	}
	if err != nil && errs.IsPermission(err) && e.metrics != nil {
		e.metrics.PermissionDenialsTotal.WithLabelValues(entity, action).Inc()
	}
	return err
}

// invalidate drops cached permission decisions for a resource.
func (e *Engine) invalidate(ctx context.Context, resource string) {
	if e.resolver != nil {
		e.resolver.Invalidate(ctx, resource)
	}
}

func (e *Engine) invalidateUser(ctx context.Context, username string) {
	if e.resolver != nil {
		e.resolver.InvalidateUser(ctx, username)
	}
}

// observe wraps one operation with metrics. Call the returned function with
// the final error.
func (e *Engine) observe(entity, op string, batch int) func(error) {
	if e.metrics == nil {
		return func(error) {}
	}
	start := e.now()
	e.metrics.BatchSize.WithLabelValues(entity, op).Observe(float64(batch))
	return func(err error) {
		status := "success"
		if err != nil {
			status = "error"
			e.metrics.EngineErrorsTotal.WithLabelValues(entity, op, errorKind(err)).Inc()
		}
		e.metrics.EngineOperationsTotal.WithLabelValues(entity, op, status).Inc()
		e.metrics.EngineOperationDuration.WithLabelValues(entity, op).Observe(time.Since(start).Seconds())
	}
}

func errorKind(err error) string {
	switch {
	case errs.IsValidation(err):
		return "validation"
	case errs.IsPermission(err):
		return "permission"
	case errs.IsNotFound(err):
		return "not_found"
	case errs.IsConflict(err):
		return "conflict"
	case errs.IsArchived(err):
		return "archived"
	case errs.IsStore(err):
		return "store"
	default:
		return "internal"
	}
}

// classifyIDs interprets a find/remove input: nil means "everything", a
// string is one id, a slice of strings is an id set. Anything else is a
// validation error naming the received type.
func classifyIDs(input interface{}) (ids []string, all bool, err error) {
	switch v := input.(type) {
	case nil:
		return nil, true, nil
	case string:
		return []string{v}, false, nil
	case []string:
		return append([]string(nil), v...), false, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false, errs.NewValidation("input", "expected id strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, false, nil
	default:
		return nil, false, errs.NewValidation("input", "expected an id, an array of ids or nothing, got %T", input)
	}
}

// classifyObjects interprets a create/update input: one object or an array of
// objects, either as maps or as typed documents. Anything else is a
// validation error naming the received type.
func classifyObjects(input interface{}) ([]map[string]interface{}, error) {
	switch v := input.(type) {
	case nil:
		return nil, errs.NewValidation("input", "expected an object or an array of objects, got nothing")
	case map[string]interface{}:
		return []map[string]interface{}{v}, nil
	case []map[string]interface{}:
		return append([]map[string]interface{}(nil), v...), nil
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]interface{})
			if !ok {
				converted, err := toMap(item)
				if err != nil {
					return nil, errs.NewValidation("input", "expected objects, got %T", item)
				}
				obj = converted
			}
			out = append(out, obj)
		}
		return out, nil
	case string, []string, bool, int, int64, float64:
		return nil, errs.NewValidation("input", "expected an object or an array of objects, got %T", input)
	default:
		// Typed documents and slices of them round-trip through JSON.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, errs.NewValidation("input", "expected an object or an array of objects, got %T", input)
		}
		var many []map[string]interface{}
		if err := json.Unmarshal(data, &many); err == nil {
			return many, nil
		}
		var one map[string]interface{}
		if err := json.Unmarshal(data, &one); err == nil {
			return []map[string]interface{}{one}, nil
		}
		return nil, errs.NewValidation("input", "expected an object or an array of objects, got %T", input)
	}
}

// buildIndex builds the JMI lookup index from classified objects, keyed by
// the given id field. Objects missing the field and duplicate ids within the
// batch fail the whole call.
func buildIndex(objs []map[string]interface{}, field string) (map[string]map[string]interface{}, []string, error) {
	index := make(map[string]map[string]interface{}, len(objs))
	ordered := make([]string, 0, len(objs))
	var dups []string
	for _, obj := range objs {
		id, ok := obj[field].(string)
		if !ok || id == "" {
			return nil, nil, errs.NewValidation(field, "every object requires a %s", field)
		}
		if _, seen := index[id]; seen {
			dups = append(dups, id)
			continue
		}
		// The addressing key is not part of the patch body.
		body := make(map[string]interface{}, len(obj))
		for k, v := range obj {
			if k != field {
				body[k] = v
			}
		}
		index[id] = body
		ordered = append(ordered, id)
	}
	if len(dups) > 0 {
		return nil, nil, errs.NewConflict("batch ids", dups...)
	}
	return index, ordered, nil
}

// decodeDoc unmarshals one stored document.
func decodeDoc[T any](data []byte) (*T, error) {
	var doc T
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.NewStore("decode", err)
	}
	return &doc, nil
}

// decodeDocs unmarshals a find result.
func decodeDocs[T any](raw [][]byte) ([]*T, error) {
	out := make([]*T, 0, len(raw))
	for _, data := range raw {
		doc, err := decodeDoc[T](data)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func toMap(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap[T any](m map[string]interface{}) (*T, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, errs.NewValidation("input", "object is not encodable: %v", err)
	}
	var doc T
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.NewValidation("input", "object has the wrong shape: %v", err)
	}
	return &doc, nil
}

func marshalDoc(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.NewStore("encode", err)
	}
	return data, nil
}

// baseFilter applies the default archived exclusion.
func baseFilter(opts Options) store.Filter {
	f := store.Filter{}
	if !opts.Archived {
		f["archived"] = false
	}
	return f
}

// checkPatchKeys enforces the per-entity allow-list: immutable fields are a
// conflict even when present unchanged; unknown fields are a validation
// error.
func checkPatchKeys(kind string, patch map[string]interface{}, updatable, immutable []string) error {
	allowed := make(map[string]bool, len(updatable))
	for _, f := range updatable {
		allowed[f] = true
	}
	for key := range patch {
		if allowed[key] {
			continue
		}
		for _, f := range immutable {
			if key == f {
				return errs.NewImmutable(kind, key)
			}
		}
		return errs.NewValidation(key, "%s field [%s] cannot be updated", kind, key)
	}
	return nil
}

// patchString coerces a patch value to a string.
func patchString(v interface{}, field string) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errs.NewValidation(field, "expected a string, got %T", v)
	}
	return s, nil
}

// patchInt coerces a patch value to an integer. JSON decoding yields
// float64; typed callers may pass int or int64 directly.
func patchInt(v interface{}, field string) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, errs.NewValidation(field, "expected a number, got %T", v)
	}
}

// patchBool coerces a patch value to a bool.
func patchBool(v interface{}, field string) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, errs.NewValidation(field, "expected a boolean, got %T", v)
	}
	return b, nil
}

// mergeCustom shallow-merges the patch into the existing custom map, key by
// key. A nil value removes the key.
func mergeCustom(existing map[string]interface{}, patch interface{}) (map[string]interface{}, error) {
	m, ok := patch.(map[string]interface{})
	if !ok {
		return nil, errs.NewValidation("custom", "expected an object, got %T", patch)
	}
	merged := make(map[string]interface{}, len(existing)+len(m))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range m {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged, nil
}

// explicitUnarchive reports whether the patch explicitly sets archived to
// false. Archived documents accept no other update until unarchived.
func explicitUnarchive(patch map[string]interface{}) bool {
	v, ok := patch["archived"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && !b
}

// reArchive reports whether the patch only asks to archive a document that
// is already archived. Accepted as a no-op; ArchivedOn keeps its first value.
func reArchive(patch map[string]interface{}) bool {
	return len(patch) == 1 && wantsArchive(patch)
}

// wantsArchive reports whether the patch sets archived to true.
func wantsArchive(patch map[string]interface{}) bool {
	v, ok := patch["archived"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// missingFrom returns the requested ids absent from the found set.
func missingFrom(requested []string, found map[string]bool) []string {
	var missing []string
	for _, id := range requested {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// cascadeStepError wraps a failed cascade step with its name so callers see
// which step aborted the teardown.
func cascadeStepError(step string, err error) error {
	return errs.NewStore(fmt.Sprintf("cascade step [%s]", step), err)
}
