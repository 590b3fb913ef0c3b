package shared

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSessionClosed = errors.New("session closed")
)

// AcquisitionError means no capture source could be obtained. Fatal to start.
type AcquisitionError struct {
	Source string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Source, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// TransportOpenError is returned when the low-latency channel could not be
// opened. The caller falls back to buffered delivery.
type TransportOpenError struct {
	Transport string
	Err       error
}

func (e *TransportOpenError) Error() string {
	return fmt.Sprintf("open %s transport: %v", e.Transport, e.Err)
}

func (e *TransportOpenError) Unwrap() error { return e.Err }

type ChunkDeliveryError struct {
	Seq       int
	Transport string
	Err       error
}

func (e *ChunkDeliveryError) Error() string {
	return fmt.Sprintf("deliver chunk %d over %s: %v", e.Seq, e.Transport, e.Err)
}

func (e *ChunkDeliveryError) Unwrap() error { return e.Err }

// RecordingError means the recorder could not re-arm. The session aborts.
type RecordingError struct {
	Err error
}

func (e *RecordingError) Error() string {
	return fmt.Sprintf("recording failed: %v", e.Err)
}

func (e *RecordingError) Unwrap() error { return e.Err }

type FinalizeError struct {
	SessionID string
	Err       error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize session %s: %v", e.SessionID, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

// IsFatal reports whether err must end the session it was raised in.
func IsFatal(err error) bool {
	var acq *AcquisitionError
	var rec *RecordingError
	return errors.As(err, &acq) || errors.As(err, &rec)
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func BadRequest(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadRequest)
}

func NotFound(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusNotFound)
}

func Unprocessable(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusUnprocessableEntity)
}

func InternalError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusInternalServerError)
}
