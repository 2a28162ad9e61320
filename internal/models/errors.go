package models

import "errors"

// Error taxonomy. Submission and administrative errors propagate
// synchronously to the caller; execution errors become part of the job's
// terminal state instead.
var (
	// ErrInvalidRequest marks a malformed submission. The job is never created.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound marks an unknown job id or schedule definition name.
	ErrNotFound = errors.New("not found")

	// ErrDeviceConnection marks a session that could not be established or
	// maintained. The core records it and does not retry; resubmission is
	// caller policy.
	ErrDeviceConnection = errors.New("device connection error")

	// ErrUnsupportedOperation marks an operation the selected driver cannot
	// perform, e.g. a dry run against a backend that cannot simulate.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrWorkerLost marks a claimed job whose worker disappeared past its
	// lease with no safe re-entry point.
	ErrWorkerLost = errors.New("worker lost")

	// ErrConfiguration marks internal faults: unknown drivers, bad wiring,
	// panics recovered at the worker boundary.
	ErrConfiguration = errors.New("configuration error")
)
