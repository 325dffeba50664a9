// Package result provides the uniform success/failure outcome type
// returned by every repository and service operation. A Result carries
// either a value or an error, never both; callers branch on IsOk
// instead of recovering from panics or sentinel comparisons.
package result

// Result is a discriminated success/failure outcome.
type Result[T any] struct {
	value T
	err   error
	ok    bool
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, ok: true}
}

// Err wraps a failure.
func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// IsOk reports whether the result holds a value.
func (r Result[T]) IsOk() bool {
	return r.ok
}

// Value returns the held value, or the zero value on failure.
func (r Result[T]) Value() T {
	return r.value
}

// Err returns the held error, or nil on success.
func (r Result[T]) Err() error {
	return r.err
}

// Get unpacks the result into Go's conventional (value, error) pair.
func (r Result[T]) Get() (T, error) {
	return r.value, r.err
}
