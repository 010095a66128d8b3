package register

import (
	"errors"
	"fmt"
)

var (
	// ErrChannelNotOpen is returned when a send is attempted on a closed connection.
	ErrChannelNotOpen = errors.New("channel not open")
	// ErrValidation marks values that fail normalization or range rules.
	ErrValidation = errors.New("validation failed")
	// ErrPermission marks role, lock or display-mode denials.
	ErrPermission = errors.New("permission denied")
	// ErrServerRejection marks explicit error or failed update results from the hub.
	ErrServerRejection = errors.New("rejected by server")
	// ErrStaleWrite marks a confirmed broadcast overwriting a different pending local value.
	ErrStaleWrite = errors.New("stale write")
	// ErrNotFound marks patches addressing a row or date that is not loaded.
	ErrNotFound = errors.New("record not found")
)

// RejectionError carries the hub's reason for refusing a request.
type RejectionError struct {
	Action     string
	MutationID string
	Message    string
}

func (e *RejectionError) Error() string {
	if e == nil {
		return ""
	}
	if e.MutationID != "" {
		return fmt.Sprintf("%s rejected (%s): %s", e.Action, e.MutationID, e.Message)
	}
	return fmt.Sprintf("%s rejected: %s", e.Action, e.Message)
}

func (e *RejectionError) Unwrap() error {
	return ErrServerRejection
}
