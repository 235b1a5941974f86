package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrorKind is the stable, machine-readable identifier sent to clients.
type ErrorKind string

const (
	KindDuplicateIdentity  ErrorKind = "DUPLICATE_IDENTITY"
	KindInvalidCredentials ErrorKind = "INVALID_CREDENTIALS"
	KindMissingCredentials ErrorKind = "MISSING_CREDENTIALS"
	KindAuthFailure        ErrorKind = "AUTH_FAILURE"
	KindTokenExpired       ErrorKind = "TOKEN_EXPIRED"
	KindInvalidSignature   ErrorKind = "INVALID_SIGNATURE"
	KindMalformedToken     ErrorKind = "MALFORMED_TOKEN"
	KindTokenReused        ErrorKind = "TOKEN_REUSED"
	KindNotAMember         ErrorKind = "NOT_A_MEMBER"
	KindRateLimitExceeded  ErrorKind = "RATE_LIMIT_EXCEEDED"
	KindInvalidRequest     ErrorKind = "INVALID_REQUEST"
	KindInternal           ErrorKind = "INTERNAL_ERROR"
)

// Error is an expected, client-facing failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Signup errors
var (
	ErrEmailTaken    = &Error{Kind: KindDuplicateIdentity, Message: "email already exists"}
	ErrUsernameTaken = &Error{Kind: KindDuplicateIdentity, Message: "username already exists"}
)

// Login errors. ErrInvalidCredentials is returned for both an unknown
// identifier and a wrong password.
var (
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}
	ErrMissingCredentials = &Error{Kind: KindMissingCredentials, Message: "identifier and password are required"}
)

// Token errors
var (
	ErrAuthFailure      = &Error{Kind: KindAuthFailure, Message: "authentication required"}
	ErrTokenExpired     = &Error{Kind: KindTokenExpired, Message: "token has expired"}
	ErrInvalidSignature = &Error{Kind: KindInvalidSignature, Message: "token signature is invalid"}
	ErrMalformedToken   = &Error{Kind: KindMalformedToken, Message: "token is malformed"}
	ErrTokenReused      = &Error{Kind: KindTokenReused, Message: "refresh token has already been used"}
)

// Conversation errors
var (
	ErrNotAMember = &Error{Kind: KindNotAMember, Message: "not a member of this conversation"}
)

// RateLimitError is returned when a client exceeds the request window.
type RateLimitError struct {
	Window      time.Duration
	MaxRequests int
	RetryAfter  time.Duration
}

func (e *RateLimitError) Error() string {
	minutes := int(math.Ceil(e.Window.Minutes()))
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("too many requests: limit is %d per %d minute(s), please try again later", e.MaxRequests, minutes)
}

// NewInvalidRequest builds a validation failure with a caller-supplied message.
func NewInvalidRequest(message string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: message}
}

// KindOf resolves the error kind of err. Anything not part of the
// client-facing taxonomy is internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return KindRateLimitExceeded
	}
	return KindInternal
}

// PublicMessage returns the message that may be shown to a client. Internal
// errors only expose their detail when diagnostic is set.
func PublicMessage(err error, diagnostic bool) string {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Error()
	}
	if diagnostic {
		return err.Error()
	}
	return "internal server error"
}
