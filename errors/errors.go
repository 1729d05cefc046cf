package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

var (
	// ErrCancelled marks work that stopped because its context was cancelled.
	ErrCancelled = stderrors.New("cancelled")
	// ErrQueueFull is returned by a bounded prompt queue that rejects a submission.
	ErrQueueFull = stderrors.New("prompt queue is full")
	// ErrUnknownWorker is returned when a worker ID is not part of a session.
	ErrUnknownWorker = stderrors.New("unknown worker")
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("[%s] %s", caller(2), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("[%s] %s: %w", caller(2), fmt.Sprintf(format, a...), err)
}

// Cancelled annotates err as a cancellation. The result matches both
// ErrCancelled and err under Is.
func Cancelled(err error) error {
	if err == nil {
		err = context.Canceled
	}
	return fmt.Errorf("[%s] %w: %w", caller(2), ErrCancelled, err)
}

// IsCancelled reports whether err stems from a cancelled or expired context.
func IsCancelled(err error) bool {
	return stderrors.Is(err, ErrCancelled) ||
		stderrors.Is(err, context.Canceled) ||
		stderrors.Is(err, context.DeadlineExceeded)
}

// Is is errors.Is from the standard library.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As is errors.As from the standard library.
func As(err error, target any) bool { return stderrors.As(err, target) }

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "???:0"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
