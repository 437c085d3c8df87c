package enrich

import (
	"errors"
	"fmt"
)

// ErrValidation matches every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// Code identifies why a record was rejected.
type Code string

const (
	MissingAmount         Code = "MissingAmount"
	NonPositiveAmount     Code = "NonPositiveAmount"
	MissingSubjectAccount Code = "MissingSubjectAccount"
	MissingKind           Code = "MissingKind"
	InvalidKind           Code = "InvalidKind"
	MissingTargetAccount  Code = "MissingTargetAccount"
	InvalidCurrency       Code = "InvalidCurrency"
	InvalidStatus         Code = "InvalidStatus"
	TerminalStatus        Code = "TerminalStatus"
	InvalidField          Code = "InvalidField"
)

// ValidationError is a local, non-retriable rejection of one record.
type ValidationError struct {
	Code    Code
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(code Code, field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}
