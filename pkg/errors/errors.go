package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMalformedIdentifier = errors.New("malformed identifier")
	ErrUntrustedClient     = errors.New("untrusted client")
	ErrFetchFailed         = errors.New("fetch failed")
	ErrStorageIO           = errors.New("storage i/o failure")
	ErrIndexCorrupt        = errors.New("index corrupt")
	ErrCorruptRecord       = errors.New("corrupt record")
	ErrStoreClosing        = errors.New("store is closing")
	ErrPersistIO           = errors.New("persisted queue i/o failure")
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrRateLimited         = errors.New("rate limit exceeded")
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

// HTTPStatusCode maps an error to the status the intake surface reports.
// Fetch and storage failures never reach a client directly; they are
// recovered by the retry queue and map to 500 only if they leak.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrMalformedIdentifier), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUntrustedClient):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrStoreClosing):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
