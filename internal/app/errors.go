package app

import (
	"fmt"
	"net/http"
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

func errValidation(message string) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_ERROR", message, nil)
}

func errNotFound(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func errConflict(message string) *DomainError {
	return domainError(http.StatusBadRequest, "CONFLICT", message, nil)
}

func errUpstream(message string) *DomainError {
	return domainError(http.StatusInternalServerError, "UPSTREAM_ERROR", message, nil)
}

func errConfiguration(message string) *DomainError {
	return domainError(http.StatusBadRequest, "CONFIG_ERROR", message, nil)
}
