package upstream

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a target server is unknown or not in the
	// state an operation requires.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when adding a server whose name is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotAllowed is returned when the catalog does not approve a server or tool.
	ErrNotAllowed = errors.New("not allowed")

	// ErrFailedToConnect is returned when no client could be obtained for a server.
	ErrFailedToConnect = errors.New("failed to connect to target server")

	// ErrAuthenticationRequired marks errors caused by missing or rejected credentials.
	ErrAuthenticationRequired = errors.New("authentication required")
)

// IsAuthenticationError reports whether err means the server rejected the
// request for lack of valid credentials. Errors that lost their chain
// through a transport are recognized by their HTTP status text.
func IsAuthenticationError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrAuthenticationRequired) {
		return true
	}

	message := err.Error()

	return strings.Contains(message, "401") || strings.Contains(strings.ToLower(message), "unauthorized")
}
