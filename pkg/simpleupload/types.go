package simpleupload

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies the object store a credential is issued for.
type Provider string

const (
	ProviderAWS          Provider = "aws"
	ProviderAzure        Provider = "azure"
	ProviderBackBlaze    Provider = "backblaze"
	ProviderDigitalOcean Provider = "digitalocean"
	// ProviderLocal is the in-process development store served by cmd/server.
	ProviderLocal Provider = "local"
)

// ParseProvider maps a provider name (case-insensitive) to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderAWS, ProviderAzure, ProviderBackBlaze, ProviderDigitalOcean, ProviderLocal:
		return p, nil
	case "b2":
		return ProviderBackBlaze, nil
	case "s3":
		return ProviderAWS, nil
	default:
		return "", fmt.Errorf("unsupported provider: %q", s)
	}
}

// S3Compatible reports whether the provider speaks the S3 REST API.
func (p Provider) S3Compatible() bool {
	return p == ProviderAWS || p == ProviderBackBlaze || p == ProviderDigitalOcean
}

const (
	// DefaultMaxFileSize is applied when a descriptor carries no limit.
	DefaultMaxFileSize uint64 = 10 * 1024 * 1024

	// DefaultAccept accepts every file.
	DefaultAccept = "*"

	// DefaultUploadExpiry is the validity of a signed upload URL.
	DefaultUploadExpiry = time.Hour

	// DefaultPublicURLExpiry is the validity of the signed read link returned as PublicURL.
	DefaultPublicURLExpiry = 3 * 24 * time.Hour

	// MinPartSize is the smallest non-final part object stores accept.
	MinPartSize int64 = 5 * 1024 * 1024
)

// FileDescriptor describes a proposed upload. Accept and MaxFileSize are
// pointers so that an explicit empty accept string can be told apart from an
// absent one.
type FileDescriptor struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Size        uint64  `json:"size"`
	Accept      *string `json:"accept,omitempty"`
	MaxFileSize *uint64 `json:"maxFileSize,omitempty"`
}

// AcceptPattern returns the effective accept pattern.
func (d FileDescriptor) AcceptPattern() string {
	if d.Accept == nil {
		return DefaultAccept
	}
	return *d.Accept
}

// SizeLimit returns the effective maximum file size.
func (d FileDescriptor) SizeLimit() uint64 {
	if d.MaxFileSize == nil || *d.MaxFileSize == 0 {
		return DefaultMaxFileSize
	}
	return *d.MaxFileSize
}

// PresignedURLResponse is a single-use upload authorization.
type PresignedURLResponse struct {
	Key       string `json:"key"`
	PublicURL string `json:"publicUrl"`
	UploadURL string `json:"uploadUrl"`
	ExpiresIn int64  `json:"expiresIn"`
}

// IssueOptions tunes a single credential issuance.
type IssueOptions struct {
	// Origin is the browser origin granted by the CORS bootstrap.
	Origin string
	// EnableAutoCORS runs the CORS bootstrap before signing.
	EnableAutoCORS bool
	// Expiry overrides the upload URL validity.
	Expiry time.Duration
	// PublicURLExpiry overrides the read link validity.
	PublicURLExpiry time.Duration
}

// Part is one signed part URL of a multipart session.
type Part struct {
	PartNumber int32  `json:"partNumber"`
	SignedURL  string `json:"signedUrl"`
}

// CompletedPart is a part the client has uploaded.
type CompletedPart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
	// ChecksumSHA256 is the base64 SHA-256 of the part, required when the
	// session names ChecksumSHA256 as its algorithm.
	ChecksumSHA256 string `json:"checksumSHA256,omitempty"`
}

// MultipartUploadSession is an open multipart upload. Part numbers are
// contiguous starting at 1.
type MultipartUploadSession struct {
	UploadID  string   `json:"uploadId"`
	Key       string   `json:"key"`
	Parts     []Part   `json:"presignedUrls"`
	PartSize  int64    `json:"partSize"`
	PublicURL string   `json:"publicUrl"`
	Provider  Provider `json:"provider"`
	ExpiresIn int64    `json:"expiresIn"`
	// ChecksumAlgorithm is set when the provider expects a checksum header
	// on every part and in the completion request.
	ChecksumAlgorithm string `json:"checksumAlgorithm,omitempty"`
}

// ChecksumSHA256 is the only part checksum algorithm clients compute.
const ChecksumSHA256 = "SHA256"

// MultipartOptions tunes BeginMultipart.
type MultipartOptions struct {
	IssueOptions
	// ChunkSize is the requested part size; values below MinPartSize are raised.
	ChunkSize int64
}

// FinaliseRequest closes a multipart session.
type FinaliseRequest struct {
	Key      string          `json:"key"`
	UploadID string          `json:"uploadId"`
	Parts    []CompletedPart `json:"parts"`
}

// PartCount returns ceil(size / max(chunkSize, MinPartSize)) and the effective part size.
func PartCount(size uint64, chunkSize int64) (int, int64) {
	if chunkSize < MinPartSize {
		chunkSize = MinPartSize
	}
	if size == 0 {
		return 1, chunkSize
	}
	n := (size + uint64(chunkSize) - 1) / uint64(chunkSize)
	return int(n), chunkSize
}
