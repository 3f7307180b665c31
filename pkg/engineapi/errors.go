package engineapi

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest indicates a request failed client-side validation and
// was never sent.
var ErrInvalidRequest = errors.New("invalid request")

// ServerError is a structured error body returned by the engine on a
// non-success status.
type ServerError struct {
	// StatusCode is the transport-level status the error arrived with.
	StatusCode int    `json:"-"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
}

func asServerError(err error, target **ServerError) bool {
	return errors.As(err, target)
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("engine returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("engine error (%s): %s", e.Type, e.Message)
}
