package queue

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownQueue   = errors.New("queue: unknown queue")
	ErrWorkerExists   = errors.New("queue: worker already registered")
	ErrHandlerTimeout = errors.New("queue: handler timed out")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable. The runtime fails the job on the
// current attempt and fires OnFailed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type panicError struct {
	val any
}

func (e *panicError) Error() string { return fmt.Sprintf("queue: handler panic: %v", e.val) }
