package presigned

import (
	"errors"
	"log/slog"
	"net/http"
)

// ValidateMiddleware returns chi-style middleware that rejects requests
// whose signature is missing, wrong or expired.
//
// Example:
//
//	r.With(presigned.ValidateMiddleware(signer, logger)).Put("/upload/*", uploadHandler)
func ValidateMiddleware(signer *Signer, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := signer.ValidateRequest(r); err != nil {
				logger.Warn("presigned request rejected", "method", r.Method, "path", r.URL.Path, "err", err)
				handleValidationError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleValidationError writes an HTTP error response for a validation
// error. Expired URLs get 403 with "expired" in the body, which is how
// object stores report it.
func handleValidationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrMissingSignature):
		WriteError(w, r, http.StatusUnauthorized, "missing_signature", "Missing signature parameter")
	case errors.Is(err, ErrMissingExpiration):
		WriteError(w, r, http.StatusUnauthorized, "missing_expires", "Missing expires parameter")
	case errors.Is(err, ErrInvalidExpiration):
		WriteError(w, r, http.StatusBadRequest, "invalid_expires", "Invalid expires parameter")
	case errors.Is(err, ErrExpired):
		WriteError(w, r, http.StatusForbidden, "expired", "Presigned URL has expired")
	case errors.Is(err, ErrInvalidSignature):
		WriteError(w, r, http.StatusForbidden, "invalid_signature", "Invalid signature")
	default:
		WriteError(w, r, http.StatusForbidden, "forbidden", "Authentication failed")
	}
}
