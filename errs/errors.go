// Package errs holds the sentinel errors shared by the orchestrator, the model
// cache and the adapters. Use errors.Is to test for them.
package errs

import (
	"context"
	"errors"
)

var (
	// ErrValidation marks bad job configuration or a missing dataset. It is raised
	// before any resource is touched.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown job or model id.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyInProgress marks a submission against a job that is no longer pending.
	ErrAlreadyInProgress = errors.New("job already queued or in progress")

	// ErrInsufficientSpace is returned by the model cache when eviction cannot make room.
	ErrInsufficientSpace = errors.New("insufficient space")

	ErrDownloadFailed = errors.New("download failed")
	ErrUploadFailed   = errors.New("upload failed")

	// ErrAdapterFailure wraps a trainer subprocess non-zero exit or a generation error.
	ErrAdapterFailure = errors.New("adapter failure")

	// ErrCancelled is terminal but is not a failure.
	ErrCancelled = errors.New("cancelled")

	// ErrTimeout marks a job that exceeded its wall-clock ceiling.
	ErrTimeout = errors.New("job exceeded maximum runtime")
)

// IsCancellation reports whether err was caused by a user cancel rather than a
// failure or a timeout.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
