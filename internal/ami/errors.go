package ami

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport means the connection failed or was lost before a response arrived.
	ErrTransport = errors.New("ami: transport failure")
	// ErrAuth means the switch rejected the credentials. Not retried.
	ErrAuth = errors.New("ami: authentication rejected")
	// ErrActionTimeout means no response arrived within the action timeout.
	ErrActionTimeout = errors.New("ami: action timeout")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ami: client closed")
)

// ActionError is a "Response: Error" from the switch.
type ActionError struct {
	Action  string
	Message string
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("ami: %s rejected: %s", e.Action, e.Message)
}
