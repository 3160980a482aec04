package simpleupload

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an UploadError so callers can decide on retries.
type ErrorType string

const (
	ErrFileValidation       ErrorType = "FILE_VALIDATION_ERROR"
	ErrPresignedURL         ErrorType = "PRESIGNED_URL_ERROR"
	ErrSignedURL            ErrorType = "SIGNED_URL_ERROR"
	ErrCORSConfig           ErrorType = "CORS_CONFIG_ERROR"
	ErrTemporaryCredentials ErrorType = "TEMPORARY_CREDENTIALS_ERROR"
	ErrMultipartUploadID    ErrorType = "MULTIPART_UPLOAD_ID_ERROR"
	ErrPermission           ErrorType = "PERMISSION_ERROR"
	ErrExpiredURL           ErrorType = "EXPIRED_URL"
	ErrNetwork              ErrorType = "NETWORK_ERROR"
	ErrUpload               ErrorType = "UPLOAD_ERROR"
	ErrUnknownUpload        ErrorType = "UNKNOWN_UPLOAD_ERROR"
)

// UploadError is the only error shape that crosses the issuer and
// orchestrator boundaries.
type UploadError struct {
	Message   string    `json:"message"`
	Type      ErrorType `json:"type"`
	Retryable bool      `json:"retryable"`
	Status    int       `json:"status"`
	Err       error     `json:"-"`
}

func (e *UploadError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// NewUploadError builds an UploadError with the default retry policy for its type.
func NewUploadError(typ ErrorType, status int, message string) *UploadError {
	return &UploadError{
		Message:   message,
		Type:      typ,
		Retryable: defaultRetryable(typ, status),
		Status:    status,
	}
}

// WrapUploadError is NewUploadError keeping cause for errors.Is/As.
func WrapUploadError(typ ErrorType, status int, cause error) *UploadError {
	e := NewUploadError(typ, status, cause.Error())
	e.Err = cause
	return e
}

func defaultRetryable(typ ErrorType, status int) bool {
	switch typ {
	case ErrNetwork, ErrExpiredURL:
		return true
	case ErrFileValidation, ErrPermission:
		return false
	}
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}

// AsUploadError unwraps err to an *UploadError if it holds one.
func AsUploadError(err error) (*UploadError, bool) {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}

// Normalize passes typed errors through unchanged and wraps anything else
// as typ with the given status. A nil err stays nil.
func Normalize(err error, typ ErrorType, status int) error {
	if err == nil {
		return nil
	}
	if ue, ok := AsUploadError(err); ok {
		return ue
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return WrapUploadError(ErrNetwork, 0, err)
	}
	return WrapUploadError(typ, status, err)
}

// IsRetryable reports whether err is an UploadError flagged retryable.
func IsRetryable(err error) bool {
	ue, ok := AsUploadError(err)
	return ok && ue.Retryable
}
