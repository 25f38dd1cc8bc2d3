package gatt

import "fmt"

// Failure is the error side of a Result. Its message is meant for people;
// Cause, when set, lets callers match it with errors.Is.
type Failure struct {
	Message string
	Cause   error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.Cause }

// Result is the outcome of an operation: a value, or a Failure.
type Result[T any] struct {
	value   T
	failure *Failure
}

// Success wraps v.
func Success[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Fail builds a failed Result.
func Fail[T any](msg string) Result[T] {
	return Result[T]{failure: &Failure{Message: msg}}
}

// FailWith builds a failed Result that unwraps to cause.
func FailWith[T any](msg string, cause error) Result[T] {
	return Result[T]{failure: &Failure{Message: msg, Cause: cause}}
}

// Failf builds a failed Result from a format string.
func Failf[T any](format string, args ...any) Result[T] {
	return Fail[T](fmt.Sprintf(format, args...))
}

func (r Result[T]) OK() bool { return r.failure == nil }

// Value is the payload; the zero value on failure.
func (r Result[T]) Value() T { return r.value }

// Message is the failure message, "" on success.
func (r Result[T]) Message() string {
	if r.failure == nil {
		return ""
	}
	return r.failure.Message
}

// Unwrap converts the Result to Go's (value, error) form; the error is a *Failure.
func (r Result[T]) Unwrap() (T, error) {
	if r.failure != nil {
		return r.value, r.failure
	}
	return r.value, nil
}

// mapFailure re-types a failed Result, optionally rewording the message.
func mapFailure[U, T any](r Result[T], format string) Result[U] {
	var cause error
	if r.failure != nil {
		cause = r.failure.Cause
	}
	if format == "" {
		return FailWith[U](r.Message(), cause)
	}
	return FailWith[U](fmt.Sprintf(format, r.Message()), cause)
}
