package courier

import (
	"errors"
	"fmt"
)

// ============================================================================
// Shared Types
// ============================================================================

// MaxTextLength is the longest message body accepted, in runes.
const MaxTextLength = 1600

var (
	// ErrOffline is returned by operations that need connectivity.
	ErrOffline = errors.New("courier: offline")
	// ErrDrainInProgress is returned by ForceProcess while a sweep runs.
	ErrDrainInProgress = errors.New("courier: drain already in progress")
	// ErrInvalidMessage wraps validation failures of outgoing messages.
	ErrInvalidMessage = errors.New("courier: invalid message")
	// ErrDuplicateMessage is returned for a repeat send inside the dedupe window.
	ErrDuplicateMessage = errors.New("courier: duplicate message")
	// ErrNoGateway is returned when a component has no gateway configured.
	ErrNoGateway = errors.New("courier: no gateway configured")
	// ErrNotConnected is returned by change feed commands without a connection.
	ErrNotConnected = errors.New("courier: not connected")
)

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return e.Code + ": " + e.Message
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == 0 || e.Status == 401 || e.Status == 408 || e.Status == 429 || e.Status >= 500
}

// RejectedError is a send the backend refused with success=false.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "send rejected"
	}
	return "send rejected: " + e.Message
}
