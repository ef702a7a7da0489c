package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"circles/api/internal/auth"
	"circles/api/internal/authpw"
	"circles/api/internal/blob"
	"circles/api/internal/export"
	"circles/api/internal/features"
	"circles/api/internal/history"
	"circles/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func Unauthenticated(message string) *DomainError {
	return domainError(http.StatusUnauthorized, "UNAUTHENTICATED", message, nil)
}

func Unauthorized(message string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", message, nil)
}

func NotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func Validation(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func Conflict(message string) *DomainError {
	return domainError(http.StatusConflict, "CONFLICT", message, nil)
}

func Expired(message string) *DomainError {
	return domainError(http.StatusGone, "EXPIRED", message, nil)
}

// errNotAuthenticated is returned for actions that need a signed-in user.
var errNotAuthenticated = Unauthenticated("Not authenticated")

// sentinelErrors translates lower-layer sentinels. The sentinel's own text
// is the client message so wrapping context stays in the logs.
var sentinelErrors = []struct {
	target error
	wrap   func(string) *DomainError
}{
	{store.ErrInviteUnavailable, func(string) *DomainError { return Expired("invalid or expired invite code") }},
	{store.ErrAlreadyMember, func(string) *DomainError { return Conflict("already a member of this server") }},
	{store.ErrConflict, Conflict},
	{authpw.ErrMissingCredentials, Validation},
	{authpw.ErrUsernameTooShort, Validation},
	{authpw.ErrPasswordTooShort, Validation},
	{authpw.ErrSelfRecovery, Validation},
	{authpw.ErrRecoveryNotApproved, Validation},
	{authpw.ErrUsernameTaken, Conflict},
	{authpw.ErrRecoveryPending, Conflict},
	{authpw.ErrUsernameNotFound, Unauthenticated},
	{authpw.ErrWrongPassword, Unauthenticated},
	{authpw.ErrUserNotFound, NotFound},
	{authpw.ErrInvalidRecoveryToken, NotFound},
	{authpw.ErrRecoveryExpired, Expired},
	{history.ErrRevisionNotFound, NotFound},
	{history.ErrInvalidFeatureID, Validation},
	{blob.ErrNotFound, func(string) *DomainError { return NotFound("file not found") }},
	{auth.ErrInvalidToken, func(string) *DomainError { return errNotAuthenticated }},
	{auth.ErrExpiredToken, func(string) *DomainError { return errNotAuthenticated }},
}

// featureErrors keep the full message since it names the missing item.
var featureErrors = []struct {
	target error
	wrap   func(string) *DomainError
}{
	{features.ErrNotFound, NotFound},
	{features.ErrInvalid, Validation},
	{features.ErrInvalidShape, Validation},
	{features.ErrWrongKind, Validation},
	{features.ErrUnknownKind, Validation},
}

func mapError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	for _, entry := range featureErrors {
		if errors.Is(err, entry.target) {
			return entry.wrap(err.Error())
		}
	}
	for _, entry := range sentinelErrors {
		if errors.Is(err, entry.target) {
			return entry.wrap(entry.target.Error())
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound("Not found")
	}
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return unavailable("pdf export is unavailable: no Chrome or Chromium binary found")
	}
	return domainError(http.StatusInternalServerError, "SERVER_ERROR", err.Error(), nil)
}
