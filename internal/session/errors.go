package session

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/parleyhq/parley/internal/remotestore"
)

// AuthErrorKind classifies an authentication failure.
type AuthErrorKind string

const (
	AuthInvalidCredentials AuthErrorKind = "invalid_credentials"
	AuthDuplicateAccount   AuthErrorKind = "duplicate_account"
	AuthNetwork            AuthErrorKind = "network"
)

// AuthError is surfaced to the caller of Login/Signup; it is never
// swallowed. Message is human-readable.
type AuthError struct {
	Kind    AuthErrorKind
	Message string
	cause   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth failed (%s): %s", e.Kind, e.Message)
}

func (e *AuthError) Unwrap() error { return e.cause }

// ErrProfileUnavailable is returned when the session was acquired but the
// profile could not be loaded. The condition is recoverable: the session
// is kept and a later session-change notification retries the load.
var ErrProfileUnavailable = errors.New("profile unavailable")

func classifyAuthError(err error) *AuthError {
	var httpErr *remotestore.HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusBadRequest:
			return &AuthError{
				Kind:    AuthInvalidCredentials,
				Message: "invalid email or password",
				cause:   err,
			}
		case http.StatusConflict:
			return &AuthError{
				Kind:    AuthDuplicateAccount,
				Message: "an account with this email already exists",
				cause:   err,
			}
		}
	}
	if errors.Is(err, remotestore.ErrConflict) {
		return &AuthError{
			Kind:    AuthDuplicateAccount,
			Message: "an account with this email already exists",
			cause:   err,
		}
	}
	return &AuthError{
		Kind:    AuthNetwork,
		Message: "could not reach the server, try again",
		cause:   err,
	}
}
