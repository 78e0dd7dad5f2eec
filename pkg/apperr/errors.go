// Package apperr defines the error taxonomy shared by the retrieval pipeline.
//
// Callers match on the concrete types with errors.As; every type unwraps to its
// cause so vendor errors stay inspectable.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// UnsupportedFormatError is returned when a file type has no normalizer.
type UnsupportedFormatError struct {
	FileName string
	Type     string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported document type %q for file %q", e.Type, e.FileName)
}

// DocumentProcessingError wraps a decode/parse failure inside a supported format.
type DocumentProcessingError struct {
	FileName string
	Stage    string
	Cause    error
}

func (e *DocumentProcessingError) Error() string {
	return fmt.Sprintf("failed to process %q at stage %s: %v", e.FileName, e.Stage, e.Cause)
}

func (e *DocumentProcessingError) Unwrap() error { return e.Cause }

// ExternalServiceError wraps a failed embedding, vector index or completion call.
type ExternalServiceError struct {
	Service string
	Op      string
	Cause   error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Op, e.Cause)
}

func (e *ExternalServiceError) Unwrap() error { return e.Cause }

// ValidationError reports a missing or malformed identifier before a stage runs.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("invalid %s", e.Field)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Required builds a ValidationError for an empty required field.
func Required(field string) error {
	return &ValidationError{Field: field, Message: "is required"}
}

// External wraps cause as an ExternalServiceError. A nil cause yields nil.
func External(service, op string, cause error) error {
	if cause == nil {
		return nil
	}
	var ext *ExternalServiceError
	if errors.As(cause, &ext) {
		return cause
	}
	return &ExternalServiceError{Service: service, Op: op, Cause: cause}
}

// Retryable reports whether the caller may retry the operation with backoff.
func Retryable(err error) bool {
	var ext *ExternalServiceError
	return errors.As(err, &ext)
}

// HTTPStatus maps err to the status code surfaced by the API.
func HTTPStatus(err error) int {
	var (
		unsupported *UnsupportedFormatError
		processing  *DocumentProcessingError
		external    *ExternalServiceError
		validation  *ValidationError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &unsupported):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &processing):
		return http.StatusUnprocessableEntity
	case errors.As(err, &external):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
