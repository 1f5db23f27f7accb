package errs

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// ValidationError reports malformed input: a bad shape, a missing required
// field, an id failing codec rules or an invalid enum value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// NewValidation creates a ValidationError for a specific field.
func NewValidation(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// PermissionError reports that the requesting user lacks a capability. It
// always names the resource and the denied action.
type PermissionError struct {
	User     string
	Action   string
	Resource string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("user [%s] does not have permission to %s [%s]", e.User, e.Action, e.Resource)
}

// NewPermission creates a PermissionError naming the denied action and target.
func NewPermission(user, action, resource string) *PermissionError {
	return &PermissionError{User: user, Action: action, Resource: resource}
}

// NotFoundError reports ids that did not resolve to existing documents. Batch
// operations enumerate every missing id, not just the first.
type NotFoundError struct {
	Kind string
	IDs  []string
}

func (e *NotFoundError) Error() string {
	ids := append([]string(nil), e.IDs...)
	sort.Strings(ids)
	return fmt.Sprintf("%s not found: [%s]", e.Kind, strings.Join(ids, ", "))
}

// NewNotFound creates a NotFoundError enumerating the missing ids.
func NewNotFound(kind string, ids ...string) *NotFoundError {
	return &NotFoundError{Kind: kind, IDs: ids}
}

// ConflictError reports duplicate ids on create, duplicates within a single
// batch, or an attempt to mutate an immutable field.
type ConflictError struct {
	Kind    string
	IDs     []string
	Field   string
	Message string
}

func (e *ConflictError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s field [%s] cannot be updated", e.Kind, e.Field)
	}
	if e.Message != "" {
		return e.Message
	}
	ids := append([]string(nil), e.IDs...)
	sort.Strings(ids)
	return fmt.Sprintf("%s already exist: [%s]", e.Kind, strings.Join(ids, ", "))
}

// NewConflict creates a ConflictError enumerating the conflicting ids.
func NewConflict(kind string, ids ...string) *ConflictError {
	return &ConflictError{Kind: kind, IDs: ids}
}

// NewImmutable creates a ConflictError for a field that may never change.
func NewImmutable(kind, field string) *ConflictError {
	return &ConflictError{Kind: kind, Field: field}
}

// Conflictf creates a ConflictError with a free-form message.
func Conflictf(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ArchivedError reports an attempted mutation of an archived entity or of a
// descendant of an archived ancestor. It names the archived document so the
// caller knows what to unarchive first.
type ArchivedError struct {
	Kind string
	ID   string
}

func (e *ArchivedError) Error() string {
	return fmt.Sprintf("%s [%s] is archived; it must be unarchived first", e.Kind, e.ID)
}

// NewArchived creates an ArchivedError naming the archived document.
func NewArchived(kind, id string) *ArchivedError {
	return &ArchivedError{Kind: kind, ID: id}
}

// StoreError wraps an underlying persistence failure. It is fatal for the
// current request and is never silently swallowed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStore wraps a persistence failure with the operation that hit it.
func NewStore(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	_, ok := err.(*ValidationError)
	return ok
}

// IsPermission reports whether err is a PermissionError.
func IsPermission(err error) bool {
	_, ok := err.(*PermissionError)
	return ok
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}

// IsArchived reports whether err is an ArchivedError.
func IsArchived(err error) bool {
	_, ok := err.(*ArchivedError)
	return ok
}

// IsStore reports whether err is a StoreError.
func IsStore(err error) bool {
	_, ok := err.(*StoreError)
	return ok
}

// StatusCode maps an engine error to the HTTP status the transport layer
// should answer with. Unclassified errors map to 500.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsArchived(err), IsValidation(err):
		return http.StatusBadRequest
	case IsPermission(err):
		return http.StatusForbidden
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
