package presigned

import "time"

// Option is a functional option for configuring a Signer
type Option func(*Signer)

// WithSecretKey sets the secret key used for HMAC signing
// The key should be at least 32 bytes
func WithSecretKey(key string) Option {
	return func(s *Signer) {
		s.secretKey = []byte(key)
	}
}

// WithDefaultExpiration sets the expiration used when SignURL is given none
func WithDefaultExpiration(duration time.Duration) Option {
	return func(s *Signer) {
		s.defaultExpiration = duration
	}
}

// WithClock replaces the wall clock used for expiry
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}
