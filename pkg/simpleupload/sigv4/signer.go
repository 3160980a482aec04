// Package sigv4 computes AWS Signature Version 4 headers for bucket-level
// S3 REST calls (CORS configuration) against S3-compatible providers.
//
// https://docs.aws.amazon.com/general/latest/gr/signature-version-4.html
package sigv4

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/minio/sha256-simd"
	"github.com/tendant/simple-upload/pkg/simpleupload"
)

const (
	// Algorithm is the SigV4 algorithm identifier.
	Algorithm = "AWS4-HMAC-SHA256"

	// Iso8601BasicFormat is the x-amz-date layout.
	Iso8601BasicFormat = "20060102T150405Z"

	service     = "s3"
	terminator  = "aws4_request"
	payloadType = "application/xml"
)

// Signer signs bucket-level PUT requests.
type Signer struct {
	now func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock replaces the wall clock, which makes signatures reproducible.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

// New creates a Signer.
func New(opts ...Option) *Signer {
	s := &Signer{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// header is one canonical header tuple. Order is part of the signature.
type header struct {
	name  string
	value string
}

type canonicalHeaders []header

func (h canonicalHeaders) String() string {
	var b strings.Builder
	for _, kv := range h {
		b.WriteString(kv.name)
		b.WriteByte(':')
		b.WriteString(kv.value)
		b.WriteByte('\n')
	}
	return b.String()
}

func (h canonicalHeaders) signed() string {
	names := make([]string, len(h))
	for i, kv := range h {
		names[i] = kv.name
	}
	return strings.Join(names, ";")
}

// Sign returns the headers for a PUT of payload to the bucket's CORS
// endpoint: Content-Type, Content-MD5, Authorization, x-amz-content-sha256,
// x-amz-date and Host. Output is deterministic for a fixed clock.
func (s *Signer) Sign(payload, bucket string, cfg ClientConfig, p simpleupload.Provider) (http.Header, error) {
	t, err := resolveTarget(bucket, cfg, p)
	if err != nil {
		return nil, err
	}

	sum := md5.Sum([]byte(payload))
	contentMD5 := base64.StdEncoding.EncodeToString(sum[:])
	payloadHash := hashHex([]byte(payload))

	now := s.now().UTC()
	amzDate := now.Format(Iso8601BasicFormat)
	dateStamp := amzDate[:8]

	headers := canonicalHeaders{
		{"content-md5", contentMD5},
		{"content-type", payloadType},
		{"host", t.host},
		{"x-amz-content-sha256", payloadHash},
		{"x-amz-date", amzDate},
	}

	canonicalRequest := strings.Join([]string{
		http.MethodPut,
		t.uri,
		t.query,
		headers.String(),
		headers.signed(),
		payloadHash,
	}, "\n")

	scope := strings.Join([]string{dateStamp, cfg.Region, service, terminator}, "/")
	stringToSign := strings.Join([]string{
		Algorithm,
		amzDate,
		scope,
		hashHex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := deriveSigningKey(cfg.Credentials.SecretAccessKey, dateStamp, cfg.Region)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	authorization := Algorithm +
		" Credential=" + cfg.Credentials.AccessKeyID + "/" + scope +
		", SignedHeaders=" + headers.signed() +
		", Signature=" + signature

	out := make(http.Header, 6)
	out.Set("Content-Type", payloadType)
	out.Set("Content-MD5", contentMD5)
	out.Set("Authorization", authorization)
	out.Set("x-amz-content-sha256", payloadHash)
	out.Set("x-amz-date", amzDate)
	out.Set("Host", t.host)
	return out, nil
}

// deriveSigningKey runs the HMAC chain
// kDate -> kRegion -> kService -> kSigning.
func deriveSigningKey(secretKey, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte(terminator))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
