package orchestrator

import "errors"

var (
	// ErrInvalidSource means the client supplied an unusable source
	// reference, such as a relative or non-http URL.
	ErrInvalidSource = errors.New("invalid source")

	// ErrSourceUnreachable means the source could not be fetched after
	// retrying transient failures.
	ErrSourceUnreachable = errors.New("source unreachable")
)
