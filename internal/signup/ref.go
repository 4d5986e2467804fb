package signup

import "github.com/google/uuid"

// Ref refers to a stored record either by ID or by an already-loaded
// instance. Nearly every store operation takes refs so callers can pass
// whichever they have without a redundant lookup. The zero Ref is invalid
// and fails resolution with a ValidationError.
type Ref[T any] struct {
	id   uuid.UUID
	inst *T
}

// ByID builds a Ref from an opaque record id.
func ByID[T any](id uuid.UUID) Ref[T] { return Ref[T]{id: id} }

// Of builds a Ref from a loaded instance.
func Of[T any](v *T) Ref[T] { return Ref[T]{inst: v} }

// Instance returns the wrapped instance, or nil if the ref holds an id.
func (r Ref[T]) Instance() *T { return r.inst }

// ID returns the wrapped id; the zero UUID when the ref holds an instance.
func (r Ref[T]) ID() uuid.UUID { return r.id }

func (r Ref[T]) valid() bool { return r.inst != nil || r.id != uuid.Nil }
