// Package azure issues SAS upload URLs for Azure Blob Storage, signed with a
// user delegation key obtained through Azure AD.
package azure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/dustin/go-humanize"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/objectkey"
)

// Config options for the Azure issuer
type Config struct {
	AccountName   string // Storage account name
	ContainerName string // Container that receives uploads
	TenantID      string // Azure AD tenant
	ClientID      string // App registration client ID
	ClientSecret  string // App registration secret

	// ServiceURL overrides https://{account}.blob.core.windows.net/ (Azurite).
	ServiceURL string

	PresignDuration time.Duration // SAS validity (default: 1h)
	// TagPermission adds the "t" permission so clients can set blob index tags.
	TagPermission bool
}

// DelegationKeySource is satisfied by *service.Client.
type DelegationKeySource interface {
	GetUserDelegationCredential(ctx context.Context, info service.KeyInfo, o *service.GetUserDelegationCredentialOptions) (*service.UserDelegationCredential, error)
}

// SASSigner turns signature values into an encoded SAS query string.
type SASSigner func(values sas.BlobSignatureValues, cred *service.UserDelegationCredential) (string, error)

func signWithUserDelegation(values sas.BlobSignatureValues, cred *service.UserDelegationCredential) (string, error) {
	qp, err := values.SignWithUserDelegation(cred)
	if err != nil {
		return "", err
	}
	return qp.Encode(), nil
}

// Issuer issues SAS upload URLs for one container.
type Issuer struct {
	keysrc DelegationKeySource
	sign   SASSigner
	keys   objectkey.Generator
	now    func() time.Time
	logger *slog.Logger
	config Config
}

var _ simpleupload.Issuer = (*Issuer)(nil)

// Option configures an Issuer.
type Option func(*Issuer)

// WithDelegationKeySource replaces the service client.
func WithDelegationKeySource(src DelegationKeySource) Option {
	return func(i *Issuer) {
		i.keysrc = src
	}
}

// WithSASSigner replaces the SAS signing function.
func WithSASSigner(sign SASSigner) Option {
	return func(i *Issuer) {
		i.sign = sign
	}
}

// WithKeyGenerator overrides the object key scheme.
func WithKeyGenerator(g objectkey.Generator) Option {
	return func(i *Issuer) {
		i.keys = g
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Issuer) {
		i.logger = l
	}
}

// New creates an Azure issuer. The AD credential and the service client
// are built once and shared by every request.
func New(config Config, opts ...Option) (*Issuer, error) {
	if config.AccountName == "" {
		return nil, errors.New("storage account name is required")
	}
	if config.ContainerName == "" {
		return nil, errors.New("container name is required")
	}
	if config.ServiceURL == "" {
		config.ServiceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", config.AccountName)
	}
	if !strings.HasSuffix(config.ServiceURL, "/") {
		config.ServiceURL += "/"
	}
	if config.PresignDuration == 0 {
		config.PresignDuration = simpleupload.DefaultUploadExpiry
	}

	i := &Issuer{
		sign:   signWithUserDelegation,
		keys:   objectkey.NewDefaultGenerator(),
		now:    time.Now,
		logger: slog.Default(),
		config: config,
	}
	for _, opt := range opts {
		opt(i)
	}

	if i.keysrc == nil {
		if config.TenantID == "" || config.ClientID == "" || config.ClientSecret == "" {
			return nil, errors.New("tenant ID, client ID and client secret are required")
		}
		cred, err := azidentity.NewClientSecretCredential(config.TenantID, config.ClientID, config.ClientSecret, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure AD credential: %w", err)
		}
		client, err := service.NewClient(config.ServiceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob service client: %w", err)
		}
		i.keysrc = client
	}
	return i, nil
}

// Provider implements simpleupload.Issuer.
func (i *Issuer) Provider() simpleupload.Provider {
	return simpleupload.ProviderAzure
}

// Issue validates d, fetches a user delegation key covering the SAS window
// and returns a blob URL with a SAS scoped to the new blob.
func (i *Issuer) Issue(ctx context.Context, d simpleupload.FileDescriptor, opts simpleupload.IssueOptions) (*simpleupload.PresignedURLResponse, error) {
	if err := simpleupload.Validate(d); err != nil {
		return nil, err
	}

	expiry := opts.Expiry
	if expiry <= 0 {
		expiry = i.config.PresignDuration
	}
	start := i.now().UTC()
	end := start.Add(expiry)

	udc, err := i.keysrc.GetUserDelegationCredential(ctx, service.KeyInfo{
		Start:  to.Ptr(start.Format(sas.TimeFormat)),
		Expiry: to.Ptr(end.Format(sas.TimeFormat)),
	}, nil)
	if err != nil {
		i.logger.Error("failed to get user delegation key", "account", i.config.AccountName, "err", err)
		return nil, delegationError(err)
	}

	key := i.keys.GenerateKey(d.Name)

	perms := sas.BlobPermissions{Read: true, Add: true, Create: true, Write: true, Tag: i.config.TagPermission}
	token, err := i.sign(sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		StartTime:     start,
		ExpiryTime:    end,
		Permissions:   perms.String(),
		ContainerName: i.config.ContainerName,
		BlobName:      key,
		ContentType:   d.Type,
	}, udc)
	if err != nil {
		return nil, simpleupload.Normalize(err, simpleupload.ErrSignedURL, http.StatusInternalServerError)
	}

	blobURL := i.BlobURL(key)

	i.logger.Info("issued SAS upload URL", "container", i.config.ContainerName, "key", key,
		"size", humanize.IBytes(d.Size), "expires_in", expiry)

	return &simpleupload.PresignedURLResponse{
		Key:       key,
		PublicURL: blobURL,
		UploadURL: blobURL + "?" + token,
		ExpiresIn: int64(expiry / time.Second),
	}, nil
}

// BlobURL returns the unsigned URL of key in the configured container.
func (i *Issuer) BlobURL(key string) string {
	return i.config.ServiceURL + url.PathEscape(i.config.ContainerName) + "/" + url.PathEscape(key)
}

func delegationError(err error) error {
	status := http.StatusInternalServerError
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode == http.StatusForbidden || respErr.StatusCode == http.StatusUnauthorized {
			status = respErr.StatusCode
		}
		ue := simpleupload.NewUploadError(simpleupload.ErrTemporaryCredentials, status,
			fmt.Sprintf("failed to get user delegation key: %s", respErr.ErrorCode))
		ue.Err = err
		return ue
	}
	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		status = http.StatusUnauthorized
	}
	ue := simpleupload.WrapUploadError(simpleupload.ErrTemporaryCredentials, status, err)
	ue.Message = "failed to get user delegation key: " + ue.Message
	return ue
}
