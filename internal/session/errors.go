package session

import (
	stderrors "errors"
	"net/http"

	"github.com/juju/errors"

	observatoriosdk "observatorio/sdk/go"
)

// Reason classifies a failed authentication.
type Reason int

const (
	ReasonInvalidInput Reason = iota + 1
	ReasonInvalidCredentials
	ReasonNoAccess
	ReasonTransport
)

func (r Reason) String() string {
	switch r {
	case ReasonInvalidInput:
		return "invalid_input"
	case ReasonInvalidCredentials:
		return "invalid_credentials"
	case ReasonNoAccess:
		return "no_access"
	case ReasonTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// AuthError is returned by every failed login step. Nothing is persisted
// when it is returned.
type AuthError struct {
	Reason Reason
	Detail string
	Err    error
}

// Message is the short text shown to the user.
func (e *AuthError) Message() string {
	switch e.Reason {
	case ReasonInvalidInput:
		if e.Detail != "" {
			return e.Detail
		}
		return "Fill in every field."
	case ReasonInvalidCredentials:
		return "Invalid login or password."
	case ReasonNoAccess:
		return "User has no access to the system."
	default:
		return "Could not reach the server. Try again."
	}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return e.Message() + ": " + e.Err.Error()
	}
	return e.Message()
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsReason reports whether err is an AuthError with the given reason.
func IsReason(err error, r Reason) bool {
	var ae *AuthError
	return stderrors.As(err, &ae) && ae.Reason == r
}

// credentialError maps a failure of the credential exchange itself.
func credentialError(err error) *AuthError {
	switch {
	case errors.Is(err, errors.Forbidden):
		return &AuthError{Reason: ReasonNoAccess, Err: err}
	case errors.Is(err, errors.Unauthorized), errors.Is(err, errors.NotFound), errors.Is(err, errors.NotValid):
		return &AuthError{Reason: ReasonInvalidCredentials, Err: err}
	default:
		return &AuthError{Reason: ReasonTransport, Err: err}
	}
}

// accessError maps a failure of the access verification call. Rejections by
// status are treated as a lack of access.
func accessError(err error) *AuthError {
	var apiErr *observatoriosdk.APIError
	if stderrors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return &AuthError{Reason: ReasonNoAccess, Err: err}
	}
	return &AuthError{Reason: ReasonTransport, Err: err}
}
