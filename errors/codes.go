package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: request timeouts, connection failures.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: mistyped wire payloads, unknown wire kinds, missing units.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	// Examples: handler panics, corrupted frames.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the failure scenarios the substrate can produce.
const (
	// Transient errors
	ErrCodeTimeout    ErrorCode = "TIMEOUT"     // Bounded wait elapsed
	ErrCodeNetworkErr ErrorCode = "NETWORK_ERR" // Connection failed mid-operation
	ErrCodeCanceled   ErrorCode = "CANCELED"    // Operation was canceled

	// Permanent errors
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed or mistyped payload
	ErrCodeUnsupported   ErrorCode = "UNSUPPORTED"    // Unknown wire kind or mode
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // Registry entry does not exist
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS" // Registry entry already present
	ErrCodeClosed        ErrorCode = "CLOSED"         // Socket or pool already closed
	ErrCodeRemote        ErrorCode = "REMOTE_ERR"     // Failure reply from a peer
	ErrCodeSpawnFailed   ErrorCode = "SPAWN_FAILED"   // Child never completed the handshake

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from a handler panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeNetworkErr, ErrCodeCanceled:
		return CategoryTransient
	case ErrCodeInvalidInput, ErrCodeUnsupported, ErrCodeNotFound,
		ErrCodeAlreadyExists, ErrCodeClosed, ErrCodeRemote, ErrCodeSpawnFailed:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

// Description returns a human-readable description for the code.
func (c ErrorCode) Description() string {
	switch c {
	case ErrCodeTimeout:
		return "operation timed out"
	case ErrCodeNetworkErr:
		return "network failure"
	case ErrCodeCanceled:
		return "operation canceled"
	case ErrCodeInvalidInput:
		return "invalid input"
	case ErrCodeUnsupported:
		return "operation not supported"
	case ErrCodeNotFound:
		return "not found"
	case ErrCodeAlreadyExists:
		return "already exists"
	case ErrCodeClosed:
		return "closed"
	case ErrCodeRemote:
		return "remote failure"
	case ErrCodeSpawnFailed:
		return "spawn failed"
	case ErrCodePanic:
		return "recovered from panic"
	default:
		return "internal error"
	}
}
