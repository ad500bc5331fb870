// Package errs defines the error kinds shared across the client. Callers
// branch on kinds with errors.Is; the concrete message carries the detail.
package errs

import "errors"

var (
	// ErrConnection covers transport, DNS and TLS failures. Retryable by
	// the caller; the client itself never retries within one call.
	ErrConnection = errors.New("connection failed")

	// ErrAuthentication means the server rejected the credential or token.
	// Requires user action.
	ErrAuthentication = errors.New("authentication failed")

	// ErrOperation means the server returned a non-OK status for a
	// well-formed request (folder already exists, message not found, ...).
	ErrOperation = errors.New("operation failed")

	// ErrDecryption means a stored blob is unreadable: corruption or key
	// loss. Never auto-recovered.
	ErrDecryption = errors.New("decryption failed")

	// ErrTokenRefresh distinguishes "session needs re-authentication" from
	// a transient network blip. Never retried automatically.
	ErrTokenRefresh = errors.New("token refresh failed")

	// ErrSyncInProgress is returned when a sync is requested while another
	// one is already running on the same engine.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrSystemFolder rejects rename/delete of Inbox, Sent, Drafts, Trash.
	ErrSystemFolder = errors.New("cannot modify system folder")

	// ErrAccountExists is returned when creating an account whose email
	// address is already registered.
	ErrAccountExists = errors.New("account already exists")

	// ErrNotFound is returned for lookups of missing rows.
	ErrNotFound = errors.New("not found")
)
