package identity

import (
	"errors"
	"fmt"
)

// Sentinel errors for identity provider calls.
var (
	// ErrInvalidSession means the provider rejected the access token.
	ErrInvalidSession = errors.New("identity provider rejected session")
	// ErrUnavailable means the provider could not be reached or failed.
	ErrUnavailable = errors.New("identity provider unavailable")
)

// ProviderError is a request the provider understood but refused,
// such as a password that does not meet its policy.
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("identity provider: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("identity provider (%d): %s", e.Status, e.Message)
}
