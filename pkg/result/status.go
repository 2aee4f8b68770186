package result

import "fmt"

// Status is the outcome class of a remote dispatch.
type Status string

const (
	StatusOK         Status = "OK"
	StatusFatal      Status = "FATAL_ERROR"
	StatusErrorRetry Status = "ERROR_RETRY"
)

// StatusResult carries a dispatch outcome and, on success, its content.
type StatusResult[T any] struct {
	Status        Status
	Content       T
	FailureDetail string
}

// Success wraps content in an OK result.
func Success[T any](content T) StatusResult[T] {
	return StatusResult[T]{Status: StatusOK, Content: content}
}

// Fatal builds a FATAL_ERROR result.
func Fatal[T any](format string, args ...any) StatusResult[T] {
	return StatusResult[T]{Status: StatusFatal, FailureDetail: fmt.Sprintf(format, args...)}
}

// Retry builds an ERROR_RETRY result.
func Retry[T any](format string, args ...any) StatusResult[T] {
	return StatusResult[T]{Status: StatusErrorRetry, FailureDetail: fmt.Sprintf(format, args...)}
}

func (r StatusResult[T]) Succeeded() bool { return r.Status == StatusOK }

// Map converts the content of a successful result. Failures keep their status
// and detail.
func Map[T, R any](r StatusResult[T], fn func(T) (R, error)) StatusResult[R] {
	if r.Status != StatusOK {
		return StatusResult[R]{Status: r.Status, FailureDetail: r.FailureDetail}
	}
	out, err := fn(r.Content)
	if err != nil {
		return Fatal[R]("unexpected response content: %v", err)
	}
	return Success(out)
}
