package signup

import "fmt"

// ValidationError reports malformed input to a creation operation: a
// missing required field, a bad reference, or a disallowed change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NotFoundError reports a reference that does not resolve to a stored
// Batch, Person, or OptOutToken.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func notFoundErr(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}
