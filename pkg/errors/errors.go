// Package errors defines the sentinel errors shared by the generation
// pipeline and maps them onto HTTP status codes.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Whole-batch fatal errors abort a batch before any record is processed.
var (
	ErrTemplateCorrupt   = errors.New("template corrupt")
	ErrDatasetUnreadable = errors.New("dataset unreadable")
	ErrNoSheetsFound     = errors.New("no sheets found")
)

// Per-record errors are reported in the batch summary; the batch continues.
var (
	ErrMissingField  = errors.New("missing field")
	ErrInvalidRecord = errors.New("invalid record")
	ErrStoreWrite    = errors.New("store write failed")
)

var (
	ErrNamespaceNotFound = errors.New("batch namespace not found")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnavailable       = errors.New("service unavailable")
	ErrInternal          = errors.New("internal error")
	ErrTimeout           = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNamespaceNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTemplateCorrupt), errors.Is(err, ErrDatasetUnreadable), errors.Is(err, ErrNoSheetsFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrMissingField), errors.Is(err, ErrInvalidRecord):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
