package app

import (
	"fmt"
	"net/http"
)

// DomainError carries the HTTP status and stable error code for a
// failure the client caused. Everything else maps to a 500.
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

// validationError reports a request that names an existing resource but
// carries bad fields. Missing resources travel as sql.ErrNoRows instead.
func validationError(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, details)
}

func constraintViolation(message string) *DomainError {
	return domainError(http.StatusBadRequest, "CONSTRAINT_VIOLATION", message, nil)
}

func unavailable(code, message string) *DomainError {
	return domainError(http.StatusServiceUnavailable, code, message, nil)
}
