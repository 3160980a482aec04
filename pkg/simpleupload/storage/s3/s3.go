package s3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/dustin/go-humanize"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/objectkey"
	"github.com/tendant/simple-upload/pkg/simpleupload/sigv4"
)

// ResumableMetadataKey marks multipart uploads started by this issuer.
const ResumableMetadataKey = "resumable"

// Config options for an S3-compatible issuer
type Config struct {
	Provider        simpleupload.Provider // aws, backblaze or digitalocean
	Region          string                // Provider region
	Bucket          string                // Bucket name
	AccessKeyID     string                // Access key ID
	SecretAccessKey string                // Secret access key
	Endpoint        string                // Required for BackBlaze, derived for DigitalOcean
	UsePathStyle    bool                  // Use path-style addressing

	PresignDuration   time.Duration // Upload URL validity (default: 1h)
	PublicURLDuration time.Duration // Read link validity (default: 72h)
	ChunkSize         int64         // Default multipart part size (floor: 5 MiB)

	// MultipartChecksum is the checksum algorithm requested on
	// CreateMultipartUpload. Empty disables it.
	MultipartChecksum types.ChecksumAlgorithm

	// Server-side encryption options
	EnableSSE    bool   // Enable server-side encryption
	SSEAlgorithm string // SSE algorithm (AES256 or aws:kms)
	SSEKMSKeyID  string // Optional KMS key ID for aws:kms algorithm
}

// Presigner is the subset of *s3.PresignClient the issuer uses.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// MultipartAPI is the subset of *s3.Client the issuer uses.
type MultipartAPI interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// CORSConfigurer is satisfied by *cors.Bootstrapper.
type CORSConfigurer interface {
	EnsureCORS(ctx context.Context, origin, bucket string, cfg sigv4.ClientConfig, p simpleupload.Provider) (string, error)
}

// Issuer issues presigned upload credentials for S3-compatible providers.
// It is safe for concurrent use.
type Issuer struct {
	client    MultipartAPI
	presigner Presigner
	cors      CORSConfigurer
	keys      objectkey.Generator
	logger    *slog.Logger
	config    Config
}

var _ simpleupload.MultipartIssuer = (*Issuer)(nil)

// Option configures an Issuer.
type Option func(*Issuer)

// WithCORS enables the CORS bootstrap for requests that ask for it.
func WithCORS(c CORSConfigurer) Option {
	return func(i *Issuer) {
		i.cors = c
	}
}

// WithKeyGenerator overrides the object key scheme.
func WithKeyGenerator(g objectkey.Generator) Option {
	return func(i *Issuer) {
		i.keys = g
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Issuer) {
		i.logger = l
	}
}

// WithMultipartAPI replaces the S3 client used for multipart calls.
func WithMultipartAPI(api MultipartAPI) Option {
	return func(i *Issuer) {
		i.client = api
	}
}

// WithPresigner replaces the presign client.
func WithPresigner(p Presigner) Option {
	return func(i *Issuer) {
		i.presigner = p
	}
}

// New creates an issuer for one bucket.
func New(ctx context.Context, config Config, opts ...Option) (*Issuer, error) {
	config, err := withDefaults(config)
	if err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(config.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			config.AccessKeyID,
			config.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
		// Browsers do not send the SDK's default CRC32 header with a presigned PUT.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
	})

	i := &Issuer{
		client:    client,
		presigner: s3.NewPresignClient(client),
		keys:      objectkey.NewDefaultGenerator(),
		logger:    slog.Default(),
		config:    config,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func withDefaults(config Config) (Config, error) {
	if config.Bucket == "" {
		return config, errors.New("bucket name is required")
	}
	if config.AccessKeyID == "" || config.SecretAccessKey == "" {
		return config, fmt.Errorf("credentials are required for %s", config.Provider)
	}

	switch config.Provider {
	case "", simpleupload.ProviderAWS:
		config.Provider = simpleupload.ProviderAWS
		if config.Region == "" {
			config.Region = "us-east-1"
		}
	case simpleupload.ProviderDigitalOcean:
		if config.Region == "" {
			return config, errors.New("region is required for digitalocean")
		}
		if config.Endpoint == "" {
			config.Endpoint = fmt.Sprintf("https://%s.digitaloceanspaces.com", config.Region)
		}
	case simpleupload.ProviderBackBlaze:
		if config.Endpoint == "" {
			return config, errors.New("endpoint is required for backblaze")
		}
		if config.Region == "" {
			config.Region = regionFromB2Endpoint(config.Endpoint)
		}
	default:
		return config, fmt.Errorf("provider %s is not S3-compatible", config.Provider)
	}

	if config.PresignDuration == 0 {
		config.PresignDuration = simpleupload.DefaultUploadExpiry
	}
	if config.PublicURLDuration == 0 {
		config.PublicURLDuration = simpleupload.DefaultPublicURLExpiry
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = simpleupload.MinPartSize
	}
	return config, nil
}

// regionFromB2Endpoint extracts "us-west-004" from https://s3.us-west-004.backblazeb2.com.
func regionFromB2Endpoint(endpoint string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
	host = strings.TrimPrefix(host, "s3.")
	if i := strings.Index(host, "."); i > 0 {
		return host[:i]
	}
	return "us-east-1"
}

// Provider implements simpleupload.Issuer.
func (i *Issuer) Provider() simpleupload.Provider {
	return i.config.Provider
}

// SigV4Config returns the account addressing used for CORS bootstrap.
func (i *Issuer) SigV4Config() sigv4.ClientConfig {
	return sigv4.ClientConfig{
		Region: i.config.Region,
		Credentials: sigv4.Credentials{
			AccessKeyID:     i.config.AccessKeyID,
			SecretAccessKey: i.config.SecretAccessKey,
		},
		Endpoint: i.config.Endpoint,
	}
}

// Issue validates d and returns a presigned PUT URL bound to its content
// type and length, plus a presigned GET URL as the public link.
func (i *Issuer) Issue(ctx context.Context, d simpleupload.FileDescriptor, opts simpleupload.IssueOptions) (*simpleupload.PresignedURLResponse, error) {
	if err := simpleupload.Validate(d); err != nil {
		return nil, err
	}
	if err := i.ensureCORS(ctx, opts); err != nil {
		return nil, err
	}

	key := i.keys.GenerateKey(d.Name)
	expiry := i.uploadExpiry(opts.Expiry)

	input := &s3.PutObjectInput{
		Bucket:        aws.String(i.config.Bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(d.Type),
		ContentLength: aws.Int64(int64(d.Size)),
	}
	i.applySSE(input)

	put, err := i.presigner.PresignPutObject(ctx, input, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		i.logger.Error("failed to presign upload", "provider", i.config.Provider, "key", key, "err", err)
		return nil, classify(err, simpleupload.ErrPresignedURL, "failed to generate presigned upload URL")
	}

	publicURL, err := i.publicURL(ctx, key, opts.PublicURLExpiry)
	if err != nil {
		return nil, err
	}

	i.logger.Info("issued upload URL", "provider", i.config.Provider, "key", key,
		"size", humanize.IBytes(d.Size), "expires_in", expiry)

	return &simpleupload.PresignedURLResponse{
		Key:       key,
		PublicURL: publicURL,
		UploadURL: put.URL,
		ExpiresIn: int64(expiry / time.Second),
	}, nil
}

// BeginMultipart opens a multipart upload and presigns one UploadPart URL
// per chunk.
func (i *Issuer) BeginMultipart(ctx context.Context, d simpleupload.FileDescriptor, opts simpleupload.MultipartOptions) (*simpleupload.MultipartUploadSession, error) {
	if err := simpleupload.Validate(d); err != nil {
		return nil, err
	}
	if err := i.ensureCORS(ctx, opts.IssueOptions); err != nil {
		return nil, err
	}

	key := i.keys.GenerateKey(d.Name)
	expiry := i.uploadExpiry(opts.Expiry)

	input := &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(i.config.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(d.Type),
		Metadata:    map[string]string{ResumableMetadataKey: "true"},
	}
	if i.config.MultipartChecksum != "" {
		input.ChecksumAlgorithm = i.config.MultipartChecksum
	}
	if i.config.EnableSSE {
		input.ServerSideEncryption, input.SSEKMSKeyId = i.sse()
	}

	created, err := i.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		i.logger.Error("failed to create multipart upload", "provider", i.config.Provider, "key", key, "err", err)
		return nil, classify(err, simpleupload.ErrMultipartUploadID, "failed to create multipart upload")
	}
	uploadID := aws.ToString(created.UploadId)
	if uploadID == "" {
		return nil, simpleupload.NewUploadError(simpleupload.ErrMultipartUploadID, http.StatusInternalServerError,
			"failed to create multipart upload: empty upload ID")
	}

	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = i.config.ChunkSize
	}
	count, partSize := simpleupload.PartCount(d.Size, chunkSize)

	parts := make([]simpleupload.Part, 0, count)
	for n := int32(1); n <= int32(count); n++ {
		req, err := i.presigner.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(i.config.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(n),
			// Signs x-amz-sdk-checksum-algorithm so S3 accepts the
			// client's x-amz-checksum-sha256 header.
			ChecksumAlgorithm: i.config.MultipartChecksum,
		}, func(o *s3.PresignOptions) {
			o.Expires = expiry
		})
		if err != nil {
			i.abortQuietly(ctx, key, uploadID)
			return nil, classify(err, simpleupload.ErrPresignedURL, fmt.Sprintf("failed to presign part %d", n))
		}
		parts = append(parts, simpleupload.Part{PartNumber: n, SignedURL: req.URL})
	}

	publicURL, err := i.publicURL(ctx, key, opts.PublicURLExpiry)
	if err != nil {
		i.abortQuietly(ctx, key, uploadID)
		return nil, err
	}

	i.logger.Info("opened multipart upload", "provider", i.config.Provider, "key", key,
		"upload_id", uploadID, "parts", count, "part_size", humanize.IBytes(uint64(partSize)))

	return &simpleupload.MultipartUploadSession{
		UploadID:  uploadID,
		Key:       key,
		Parts:     parts,
		PartSize:  partSize,
		PublicURL: publicURL,
		Provider:  i.config.Provider,
		ExpiresIn: int64(expiry / time.Second),

		ChecksumAlgorithm: string(i.config.MultipartChecksum),
	}, nil
}

// Finalise completes a multipart upload. Parts are sent in ascending part
// number order whatever order the caller gives them in.
func (i *Issuer) Finalise(ctx context.Context, req simpleupload.FinaliseRequest) error {
	if req.Key == "" || req.UploadID == "" {
		return simpleupload.NewUploadError(simpleupload.ErrFileValidation, http.StatusBadRequest, "key and uploadId are required")
	}
	if len(req.Parts) == 0 {
		return simpleupload.NewUploadError(simpleupload.ErrFileValidation, http.StatusBadRequest, "at least one part is required")
	}

	sorted := make([]simpleupload.CompletedPart, len(req.Parts))
	copy(sorted, req.Parts)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].PartNumber < sorted[b].PartNumber })

	completed := make([]types.CompletedPart, 0, len(sorted))
	for idx, p := range sorted {
		if p.PartNumber < 1 || (idx > 0 && p.PartNumber == sorted[idx-1].PartNumber) {
			return simpleupload.NewUploadError(simpleupload.ErrFileValidation, http.StatusBadRequest,
				fmt.Sprintf("invalid or duplicate part number %d", p.PartNumber))
		}
		if i.config.MultipartChecksum != "" && p.ChecksumSHA256 == "" {
			return simpleupload.NewUploadError(simpleupload.ErrFileValidation, http.StatusBadRequest,
				fmt.Sprintf("part %d has no %s checksum", p.PartNumber, i.config.MultipartChecksum))
		}
		part := types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
		if p.ChecksumSHA256 != "" {
			part.ChecksumSHA256 = aws.String(p.ChecksumSHA256)
		}
		completed = append(completed, part)
	}

	_, err := i.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(i.config.Bucket),
		Key:             aws.String(req.Key),
		UploadId:        aws.String(req.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		i.logger.Error("failed to complete multipart upload", "provider", i.config.Provider,
			"key", req.Key, "upload_id", req.UploadID, "err", err)
		return classify(err, simpleupload.ErrMultipartUploadID, "failed to complete multipart upload")
	}

	i.logger.Info("completed multipart upload", "provider", i.config.Provider, "key", req.Key, "parts", len(completed))
	return nil
}

// Abort discards a multipart upload. Aborting an unknown upload succeeds.
func (i *Issuer) Abort(ctx context.Context, key, uploadID string) error {
	if key == "" || uploadID == "" {
		return simpleupload.NewUploadError(simpleupload.ErrFileValidation, http.StatusBadRequest, "key and uploadId are required")
	}
	_, err := i.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(i.config.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		var noSuchUpload *types.NoSuchUpload
		if errors.As(err, &noSuchUpload) {
			return nil
		}
		return classify(err, simpleupload.ErrMultipartUploadID, "failed to abort multipart upload")
	}
	return nil
}

func (i *Issuer) ensureCORS(ctx context.Context, opts simpleupload.IssueOptions) error {
	if !opts.EnableAutoCORS || i.cors == nil {
		return nil
	}
	if opts.Origin == "" {
		return simpleupload.NewUploadError(simpleupload.ErrCORSConfig, http.StatusBadRequest, "origin is required for CORS configuration")
	}
	_, err := i.cors.EnsureCORS(ctx, opts.Origin, i.config.Bucket, i.SigV4Config(), i.config.Provider)
	return simpleupload.Normalize(err, simpleupload.ErrCORSConfig, http.StatusInternalServerError)
}

func (i *Issuer) publicURL(ctx context.Context, key string, override time.Duration) (string, error) {
	expiry := override
	if expiry == 0 {
		expiry = i.config.PublicURLDuration
	}
	get, err := i.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(i.config.Bucket),
		Key:    aws.String(key),
	}, func(o *s3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return "", classify(err, simpleupload.ErrSignedURL, "failed to generate signed download URL")
	}
	return get.URL, nil
}

func (i *Issuer) uploadExpiry(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return i.config.PresignDuration
}

func (i *Issuer) abortQuietly(ctx context.Context, key, uploadID string) {
	if err := i.Abort(ctx, key, uploadID); err != nil {
		i.logger.Warn("failed to abort multipart upload", "key", key, "upload_id", uploadID, "err", err)
	}
}

func (i *Issuer) applySSE(input *s3.PutObjectInput) {
	if !i.config.EnableSSE {
		return
	}
	input.ServerSideEncryption, input.SSEKMSKeyId = i.sse()
}

func (i *Issuer) sse() (types.ServerSideEncryption, *string) {
	switch i.config.SSEAlgorithm {
	case "aws:kms":
		if i.config.SSEKMSKeyID != "" {
			return types.ServerSideEncryptionAwsKms, aws.String(i.config.SSEKMSKeyID)
		}
		return types.ServerSideEncryptionAwsKms, nil
	default:
		return types.ServerSideEncryptionAes256, nil
	}
}

// classify turns an SDK error into an UploadError. Provider error codes
// pick the type and status where they are specific enough.
func classify(err error, fallback simpleupload.ErrorType, prefix string) error {
	if ue, ok := simpleupload.AsUploadError(err); ok {
		return ue
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return simpleupload.Normalize(err, fallback, 0)
	}

	status := http.StatusInternalServerError
	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		msg = apiErr.ErrorCode()
		if m := apiErr.ErrorMessage(); m != "" {
			msg += ": " + m
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() >= 400 {
		status = respErr.HTTPStatusCode()
	}

	typ := fallback
	if apiErr != nil {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			typ = simpleupload.ErrPermission
			status = http.StatusForbidden
		case "NoSuchUpload":
			status = http.StatusNotFound
		}
	}

	ue := simpleupload.NewUploadError(typ, status, prefix+": "+msg)
	ue.Err = err
	return ue
}
