package app

import (
	"errors"
	"fmt"
	"net/http"

	"lancollab/internal/auth"
	"lancollab/internal/presence"
	"lancollab/internal/textops"
)

const (
	CodeForbidden         = "forbidden"
	CodeBadSignature      = "bad_signature"
	CodeReadOnly          = "read_only"
	CodeUnknownClient     = "unknown_client"
	CodeRevisionConflict  = "revision_conflict"
	CodeInvalidOperations = "invalid_operations"
	CodeBadRequest        = "bad_request"
	CodeNotFound          = "not_found"
	CodeServerError       = "server_error"
)

// DomainError is an error that already knows its HTTP rendering. Details are
// merged into the top level of the JSON body.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details map[string]any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func conflictError(current uint64) *DomainError {
	return domainError(http.StatusConflict, CodeRevisionConflict, "base revision is stale", map[string]any{
		"current_revision": current,
	})
}

func invalidOperations(err error) *DomainError {
	return domainError(http.StatusBadRequest, CodeInvalidOperations, "operations rejected", map[string]any{
		"detail": err.Error(),
	})
}

// IsConflict reports whether err is a stale base revision and returns the revision that won.
func IsConflict(err error) (uint64, bool) {
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != CodeRevisionConflict {
		return 0, false
	}
	current, _ := domainErr.Details["current_revision"].(uint64)
	return current, true
}

func mapError(err error) (status int, code string, details map[string]any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Details
	}
	switch {
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, CodeForbidden, nil
	case errors.Is(err, auth.ErrBadSignature):
		return http.StatusForbidden, CodeBadSignature, nil
	case errors.Is(err, presence.ErrUnknownClient):
		return http.StatusForbidden, CodeUnknownClient, nil
	case errors.Is(err, textops.ErrInvalidOperation):
		return http.StatusBadRequest, CodeInvalidOperations, map[string]any{"detail": err.Error()}
	}
	return http.StatusInternalServerError, CodeServerError, nil
}
