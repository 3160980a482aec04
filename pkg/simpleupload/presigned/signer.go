package presigned

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Signer generates and validates HMAC-signed presigned URLs
type Signer struct {
	secretKey         []byte
	defaultExpiration time.Duration
	now               func() time.Time
}

// New creates a new Signer with the given options
func New(opts ...Option) *Signer {
	s := &Signer{
		defaultExpiration: 1 * time.Hour,
		now:               time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// SignURL returns path with extra query parameters followed by signature
// and expires. Extra parameters are covered by the signature, so a
// contentType parameter binds the upload to that content type.
//
// Example:
//
//	u, expiresAt, err := signer.SignURL("PUT", "/upload/a.png", url.Values{"contentType": {"image/png"}}, time.Hour)
//	// u: /upload/a.png?contentType=image%2Fpng&signature=abc123...&expires=1696789012
func (s *Signer) SignURL(method, path string, query url.Values, expiresIn time.Duration) (string, int64, error) {
	if len(s.secretKey) == 0 {
		return "", 0, ErrNoSecretKey
	}

	if expiresIn <= 0 {
		expiresIn = s.defaultExpiration
	}
	expiresAt := s.now().Add(expiresIn).Unix()

	signedPath := path
	if len(query) > 0 {
		signedPath = path + "?" + query.Encode()
	}
	signature := s.generateSignature(s.createPayload(method, signedPath, expiresAt))

	out := url.Values{}
	for k, v := range query {
		out[k] = v
	}
	out.Set("signature", signature)
	out.Set("expires", strconv.FormatInt(expiresAt, 10))

	u := url.URL{Path: path, RawQuery: out.Encode()}
	return u.String(), expiresAt, nil
}

// SignURLWithBase is SignURL with a base URL prefix such as https://uploads.example.com
func (s *Signer) SignURLWithBase(baseURL, method, path string, query url.Values, expiresIn time.Duration) (string, int64, error) {
	signed, expiresAt, err := s.SignURL(method, path, query, expiresIn)
	if err != nil {
		return "", 0, err
	}
	return baseURL + signed, expiresAt, nil
}

// ValidateRequest validates the signature and expiration of an HTTP request
func (s *Signer) ValidateRequest(r *http.Request) error {
	if len(s.secretKey) == 0 {
		return ErrNoSecretKey
	}

	query := r.URL.Query()
	signature := query.Get("signature")
	expiresStr := query.Get("expires")

	if signature == "" {
		return ErrMissingSignature
	}
	if expiresStr == "" {
		return ErrMissingExpiration
	}

	expiresAt, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidExpiration, err)
	}

	path := r.URL.Path
	clean := url.Values{}
	for k, v := range query {
		if k != "signature" && k != "expires" {
			clean[k] = v
		}
	}
	if len(clean) > 0 {
		path = path + "?" + clean.Encode()
	}

	return s.Validate(r.Method, path, signature, expiresAt)
}

// Validate validates the signature and expiration for a given method, path, signature, and expiration timestamp
func (s *Signer) Validate(method, path, signature string, expiresAt int64) error {
	if s.now().Unix() > expiresAt {
		return ErrExpired
	}

	expected := s.generateSignature(s.createPayload(method, path, expiresAt))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return ErrInvalidSignature
	}

	return nil
}

// IsEnabled returns true if a secret key is configured
func (s *Signer) IsEnabled() bool {
	return len(s.secretKey) > 0
}

// createPayload creates the signature payload: METHOD|PATH|EXPIRES
func (s *Signer) createPayload(method, path string, expiresAt int64) string {
	return fmt.Sprintf("%s|%s|%d", method, path, expiresAt)
}

func (s *Signer) generateSignature(payload string) string {
	h := hmac.New(sha256.New, s.secretKey)
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}
