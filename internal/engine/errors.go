package engine

import "errors"

// Domain error taxonomy. Validation errors are terminal for the calling
// operation; only version conflicts are retried, internally and up to a
// bound, because they alone represent a transient race rather than a rule
// violation.
var (
	// ErrNotFound covers an absent record, an expired record, and an owner
	// mismatch. The three are deliberately indistinguishable so a caller
	// cannot probe for the existence of another owner's tasks.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition indicates a disallowed status transition,
	// including any mutation of a terminal task.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConcurrentModification is surfaced when the optimistic retry
	// budget is exhausted.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrVariableTooLarge indicates a variable or result value exceeds the
	// configured size cap.
	ErrVariableTooLarge = errors.New("variable value too large")

	// ErrLimitExceeded indicates the owner holds the maximum number of
	// live tasks.
	ErrLimitExceeded = errors.New("task limit exceeded")

	// ErrAnonymousNotAllowed indicates the anonymous owner attempted an
	// operation while anonymous access is disabled.
	ErrAnonymousNotAllowed = errors.New("anonymous access not allowed")

	// ErrBackendUnavailable wraps backend I/O failures. Never retried here;
	// retry policy belongs to the host.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)
