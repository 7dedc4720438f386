package schedules

// Opt distinguishes "not provided" from an explicit value (including an
// explicit null via pointer-typed T) in update inputs. Only provided
// fields are written and named in the audit diff summary.
type Opt[T any] struct {
	value    T
	provided bool
}

// Set wraps a provided value.
func Set[T any](v T) Opt[T] {
	return Opt[T]{value: v, provided: true}
}

// Provided reports whether the field was supplied by the caller.
func (o Opt[T]) Provided() bool { return o.provided }

// Value returns the wrapped value; meaningful only when Provided.
func (o Opt[T]) Value() T { return o.value }
