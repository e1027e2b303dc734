package domain

import "errors"

// Error taxonomy shared across the public operation boundary. Callers match
// with errors.Is; wrapped causes carry the underlying detail.
var (
	// ErrNotAuthenticated indicates an owner-scoped operation was attempted
	// without an authenticated identity.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrNotFound indicates the referenced session, message, or diary entry
	// does not exist (or belongs to another owner).
	ErrNotFound = errors.New("not found")

	// ErrRemoteUnavailable indicates a remote store or network call failed
	// and may succeed on retry.
	ErrRemoteUnavailable = errors.New("remote store unavailable")

	// ErrInvalidOperation indicates the operation is not valid for the
	// target, e.g. retrying an AI-authored message.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrStreamFailed indicates the generation collaborator reported an
	// error mid-stream. No partial output is ever persisted.
	ErrStreamFailed = errors.New("generation stream failed")
)
