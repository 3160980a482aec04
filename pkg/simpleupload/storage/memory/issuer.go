package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/objectkey"
	"github.com/tendant/simple-upload/pkg/simpleupload/presigned"
)

// Route prefixes served by Handlers.
const (
	UploadPrefix   = "/upload/"
	PartsPrefix    = "/parts/"
	DownloadPrefix = "/download/"
)

// Config for the local issuer
type Config struct {
	// BaseURL is where Handlers are mounted, e.g. http://localhost:8080/local
	BaseURL string

	PresignDuration   time.Duration // Upload URL validity (default: 1h)
	PublicURLDuration time.Duration // Download URL validity (default: 72h)
	ChunkSize         int64         // Default multipart part size (floor: 5 MiB)
}

// Issuer issues presigned URLs against a Store
type Issuer struct {
	store  *Store
	signer *presigned.Signer
	// origin is scheme://host of BaseURL and basePath its path. Signatures
	// cover the full request path, mount prefix included.
	origin   string
	basePath string
	keys     objectkey.Generator
	logger   *slog.Logger
	config   Config
}

var _ simpleupload.MultipartIssuer = (*Issuer)(nil)

// Option configures an Issuer
type Option func(*Issuer)

// WithKeyGenerator overrides the object key scheme
func WithKeyGenerator(g objectkey.Generator) Option {
	return func(i *Issuer) {
		i.keys = g
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(i *Issuer) {
		i.logger = l
	}
}

// NewIssuer creates a local issuer. signer must have a secret key.
func NewIssuer(store *Store, signer *presigned.Signer, config Config, opts ...Option) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if signer == nil || !signer.IsEnabled() {
		return nil, errors.New("a signer with a secret key is required")
	}
	if config.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	base, err := url.Parse(config.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", config.BaseURL)
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

	i := &Issuer{
		store:    store,
		signer:   signer,
		origin:   base.Scheme + "://" + base.Host,
		basePath: base.Path,
		keys:     objectkey.NewDefaultGenerator(),
		logger:   slog.Default(),
		config:   config,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Provider implements simpleupload.Issuer
func (i *Issuer) Provider() simpleupload.Provider {
	return simpleupload.ProviderLocal
}

// Issue validates d and returns a signed PUT URL bound to d.Type and d.Size
func (i *Issuer) Issue(ctx context.Context, d simpleupload.FileDescriptor, opts simpleupload.IssueOptions) (*simpleupload.PresignedURLResponse, error) {
	if err := simpleupload.Validate(d); err != nil {
		return nil, err
	}

	key := i.keys.GenerateKey(d.Name)
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = i.config.PresignDuration
	}

	uploadURL, _, err := i.signer.SignURLWithBase(i.origin, http.MethodPut, i.basePath+UploadPrefix+key,
		url.Values{
			"contentType":   {d.Type},
			"contentLength": {strconv.FormatUint(d.Size, 10)},
		}, expiry)
	if err != nil {
		return nil, simpleupload.Normalize(err, simpleupload.ErrPresignedURL, http.StatusInternalServerError)
	}
	publicURL, err := i.publicURL(key, opts.PublicURLExpiry)
	if err != nil {
		return nil, err
	}

	i.logger.Info("issued local upload URL", "key", key, "size", humanize.IBytes(d.Size), "expires_in", expiry)

	return &simpleupload.PresignedURLResponse{
		Key:       key,
		PublicURL: publicURL,
		UploadURL: uploadURL,
		ExpiresIn: int64(expiry / time.Second),
	}, nil
}

// BeginMultipart opens a multipart upload in the store
func (i *Issuer) BeginMultipart(ctx context.Context, d simpleupload.FileDescriptor, opts simpleupload.MultipartOptions) (*simpleupload.MultipartUploadSession, error) {
	if err := simpleupload.Validate(d); err != nil {
		return nil, err
	}

	key := i.keys.GenerateKey(d.Name)
	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = i.config.PresignDuration
	}
	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = i.config.ChunkSize
	}
	count, partSize := simpleupload.PartCount(d.Size, chunkSize)

	uploadID := i.store.CreateMultipart(ctx, key, d.Type)

	parts := make([]simpleupload.Part, 0, count)
	for n := int32(1); n <= int32(count); n++ {
		length := min(partSize, int64(d.Size)-int64(n-1)*partSize)
		signed, _, err := i.signer.SignURLWithBase(i.origin, http.MethodPut,
			fmt.Sprintf("%s%s%s/%d", i.basePath, PartsPrefix, uploadID, n),
			url.Values{"contentLength": {strconv.FormatInt(length, 10)}}, expiry)
		if err != nil {
			i.store.AbortMultipart(ctx, uploadID)
			return nil, simpleupload.Normalize(err, simpleupload.ErrPresignedURL, http.StatusInternalServerError)
		}
		parts = append(parts, simpleupload.Part{PartNumber: n, SignedURL: signed})
	}

	publicURL, err := i.publicURL(key, opts.PublicURLExpiry)
	if err != nil {
		i.store.AbortMultipart(ctx, uploadID)
		return nil, err
	}

	return &simpleupload.MultipartUploadSession{
		UploadID:  uploadID,
		Key:       key,
		Parts:     parts,
		PartSize:  partSize,
		PublicURL: publicURL,
		Provider:  simpleupload.ProviderLocal,
		ExpiresIn: int64(expiry / time.Second),
	}, nil
}

// Finalise sorts the parts and assembles the object
func (i *Issuer) Finalise(ctx context.Context, req simpleupload.FinaliseRequest) error {
	if req.Key == "" || req.UploadID == "" || len(req.Parts) == 0 {
		return simpleupload.NewUploadError(simpleupload.ErrFileValidation, http.StatusBadRequest, "key, uploadId and parts are required")
	}

	sorted := make([]simpleupload.CompletedPart, len(req.Parts))
	copy(sorted, req.Parts)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a].PartNumber < sorted[b].PartNumber })

	err := i.store.CompleteMultipart(ctx, req.Key, req.UploadID, sorted)
	switch {
	case err == nil:
		i.logger.Info("completed local multipart upload", "key", req.Key, "parts", len(sorted))
		return nil
	case errors.Is(err, ErrNoSuchUpload):
		return simpleupload.WrapUploadError(simpleupload.ErrMultipartUploadID, http.StatusNotFound, err)
	case errors.Is(err, ErrInvalidPart), errors.Is(err, ErrInvalidPartSeq):
		return simpleupload.WrapUploadError(simpleupload.ErrFileValidation, http.StatusBadRequest, err)
	default:
		return simpleupload.Normalize(err, simpleupload.ErrUnknownUpload, http.StatusInternalServerError)
	}
}

// Abort discards a multipart upload
func (i *Issuer) Abort(ctx context.Context, key, uploadID string) error {
	i.store.AbortMultipart(ctx, uploadID)
	return nil
}

func (i *Issuer) publicURL(key string, override time.Duration) (string, error) {
	expiry := override
	if expiry <= 0 {
		expiry = i.config.PublicURLDuration
	}
	u, _, err := i.signer.SignURLWithBase(i.origin, http.MethodGet, i.basePath+DownloadPrefix+key, nil, expiry)
	if err != nil {
		return "", simpleupload.Normalize(err, simpleupload.ErrSignedURL, http.StatusInternalServerError)
	}
	return u, nil
}
