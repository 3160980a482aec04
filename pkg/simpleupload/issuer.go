package simpleupload

import "context"

// Issuer mints a single-use upload authorization for one file. Every error
// it returns is an *UploadError.
type Issuer interface {
	Provider() Provider
	Issue(ctx context.Context, d FileDescriptor, opts IssueOptions) (*PresignedURLResponse, error)
}

// MultipartIssuer is implemented by issuers for S3-compatible providers.
type MultipartIssuer interface {
	Issuer
	BeginMultipart(ctx context.Context, d FileDescriptor, opts MultipartOptions) (*MultipartUploadSession, error)
	// Finalise completes the session. Parts may be given in any order.
	// It must only be called once every part has been uploaded.
	Finalise(ctx context.Context, req FinaliseRequest) error
	Abort(ctx context.Context, key, uploadID string) error
}

// Issuers is a set of issuers keyed by provider.
type Issuers map[Provider]Issuer

// Get returns the issuer for p or a validation error naming the provider.
func (is Issuers) Get(p Provider) (Issuer, error) {
	if iss, ok := is[p]; ok {
		return iss, nil
	}
	return nil, NewUploadError(ErrFileValidation, 400, "provider "+string(p)+" is not configured")
}
