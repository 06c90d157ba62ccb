package ghstore

import "errors"

// The three failure modes callers must tell apart. Everything the pipeline
// decides (friendly rejection vs. conflict vs. retryable outage) hangs off
// errors.Is against these.
var (
	// ErrNotFound: no file at the requested path.
	ErrNotFound = errors.New("ghstore: file not found")

	// ErrConflict: create hit an existing file, or an update carried a stale
	// version token.
	ErrConflict = errors.New("ghstore: version conflict")

	// ErrUnavailable: transport or auth failure talking to GitHub.
	ErrUnavailable = errors.New("ghstore: github api unavailable")
)
