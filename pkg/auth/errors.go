package auth

import (
	"errors"
	"fmt"
	"time"
)

// Terminal authentication outcomes. Errors returned by this package wrap one
// of these and, where a server response caused them, the *httperr.Error too.
var (
	// ErrAuthenticationExpired means the session is gone: the refresh failed or
	// a refreshed request was rejected again. Local tokens have been cleared.
	ErrAuthenticationExpired = errors.New("authentication expired")

	// ErrCSRFRejected means a request was rejected as CSRF-invalid after the
	// token had already been rotated once.
	ErrCSRFRejected = errors.New("csrf token rejected")

	// ErrAuthorizationDenied means the server refused the request for
	// role or permission reasons. It is never retried.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// ErrNoRefreshToken means a refresh was needed but none is stored.
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// AuthError represents an authentication error.
type AuthError struct {
	Op      string // The operation that failed
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Op, e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// AuthStatus represents the current authentication status.
type AuthStatus struct {
	Authenticated     bool          `json:"authenticated"`
	Subject           string        `json:"subject,omitempty"`
	Roles             []string      `json:"roles,omitempty"`
	TokenType         string        `json:"tokenType,omitempty"`
	ExpiresAt         time.Time     `json:"expiresAt,omitempty"`
	ExpiresIn         time.Duration `json:"expiresIn,omitempty"`
	IsExpired         bool          `json:"isExpired,omitempty"`
	NeedsRefresh      bool          `json:"needsRefresh,omitempty"`
	HasRefreshToken   bool          `json:"hasRefreshToken,omitempty"`
	RefreshInProgress bool          `json:"refreshInProgress,omitempty"`
	CSRFState         string        `json:"csrfState,omitempty"`
	StoragePath       string        `json:"storagePath,omitempty"`
	Error             string        `json:"error,omitempty"`
}
