package library

import "errors"

var (
	// ErrConnectivity marks failures that never reached a definitive server answer.
	// Writes failing this way are queued, not surfaced.
	ErrConnectivity = errors.New("library: connectivity failure")
	// ErrValidation marks input the server or the client rejected.
	ErrValidation = errors.New("library: validation failed")
	// ErrNotFound marks a referenced entity or person that does not exist.
	ErrNotFound = errors.New("library: not found")
	// ErrUnauthorized marks a rejected or expired credential.
	ErrUnauthorized = errors.New("library: unauthorized")
)

// IsConnectivity reports whether err is queue-eligible.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrConnectivity)
}

// IsDefinitive reports whether err is a non-connectivity failure.
func IsDefinitive(err error) bool {
	return err != nil && !IsConnectivity(err)
}
