package presigned

import "errors"

var (
	ErrNoSecretKey       = errors.New("presigned: no secret key configured")
	ErrMissingSignature  = errors.New("presigned: missing signature parameter")
	ErrMissingExpiration = errors.New("presigned: missing expires parameter")
	ErrInvalidExpiration = errors.New("presigned: invalid expires parameter")
	// ErrExpired maps to a 403 whose body contains "expired", which the
	// upload transport classifies as EXPIRED_URL.
	ErrExpired          = errors.New("presigned: URL has expired")
	ErrInvalidSignature = errors.New("presigned: invalid signature")
)

// IsAuthError reports whether err came from signature validation.
func IsAuthError(err error) bool {
	for _, target := range []error{ErrMissingSignature, ErrMissingExpiration, ErrInvalidExpiration, ErrExpired, ErrInvalidSignature} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
