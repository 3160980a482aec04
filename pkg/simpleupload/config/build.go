package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/cors"
	"github.com/tendant/simple-upload/pkg/simpleupload/presigned"
	"github.com/tendant/simple-upload/pkg/simpleupload/storage/azure"
	"github.com/tendant/simple-upload/pkg/simpleupload/storage/memory"
	"github.com/tendant/simple-upload/pkg/simpleupload/storage/s3"
)

// Backends holds what BuildIssuers constructed.
type Backends struct {
	Issuers simpleupload.Issuers
	// Local is non-nil when the in-process store is enabled; its routes
	// must be mounted at LocalMountPath.
	Local *memory.Handlers
	Store *memory.Store
}

// BuildIssuers constructs one issuer per configured provider.
func (c *ServerConfig) BuildIssuers(ctx context.Context, logger *slog.Logger) (*Backends, error) {
	if logger == nil {
		logger = slog.Default()
	}
	chunk, err := c.ChunkSizeBytes()
	if err != nil {
		return nil, err
	}

	b := &Backends{Issuers: simpleupload.Issuers{}}
	bootstrap := cors.New(cors.WithLogger(logger))

	s3Configs := c.s3Configs(chunk)
	for _, sc := range s3Configs {
		iss, err := s3.New(ctx, sc, s3.WithCORS(bootstrap), s3.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to build %s issuer: %w", sc.Provider, err)
		}
		b.Issuers[sc.Provider] = iss
	}

	if c.Azure.Account != "" {
		iss, err := azure.New(azure.Config{
			AccountName:     c.Azure.Account,
			ContainerName:   c.Azure.Container,
			TenantID:        c.Azure.TenantID,
			ClientID:        c.Azure.ClientID,
			ClientSecret:    c.Azure.ClientSecret,
			ServiceURL:      c.Azure.ServiceURL,
			PresignDuration: c.PresignExpiry,
		}, azure.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to build azure issuer: %w", err)
		}
		b.Issuers[simpleupload.ProviderAzure] = iss
	}

	if c.Local.Enabled {
		signer := presigned.New(
			presigned.WithSecretKey(c.Local.SignatureSecret),
			presigned.WithDefaultExpiration(c.PresignExpiry),
		)
		store := memory.NewStore()
		iss, err := memory.NewIssuer(store, signer, memory.Config{
			BaseURL:           c.Local.BaseURL,
			PresignDuration:   c.PresignExpiry,
			PublicURLDuration: c.PublicURLExpiry,
			ChunkSize:         chunk,
		}, memory.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to build local issuer: %w", err)
		}
		b.Issuers[simpleupload.ProviderLocal] = iss
		b.Store = store
		b.Local = memory.NewHandlers(store, signer, logger)
	}

	logger.Info("storage providers configured", "providers", c.Providers())
	return b, nil
}

func (c *ServerConfig) s3Configs(chunk int64) []s3.Config {
	base := s3.Config{
		PresignDuration:   c.PresignExpiry,
		PublicURLDuration: c.PublicURLExpiry,
		ChunkSize:         chunk,
		MultipartChecksum: types.ChecksumAlgorithm(c.MultipartChecksum),
	}

	var out []s3.Config
	if c.AWS.Bucket != "" {
		sc := base
		sc.Provider = simpleupload.ProviderAWS
		sc.Bucket = c.AWS.Bucket
		sc.Region = c.AWS.Region
		sc.AccessKeyID = c.AWS.AccessKeyID
		sc.SecretAccessKey = c.AWS.SecretAccessKey
		sc.Endpoint = c.AWS.Endpoint
		sc.UsePathStyle = c.AWS.UsePathStyle
		out = append(out, sc)
	}
	if c.BackBlaze.Bucket != "" {
		sc := base
		sc.Provider = simpleupload.ProviderBackBlaze
		sc.Bucket = c.BackBlaze.Bucket
		sc.Region = c.BackBlaze.Region
		sc.Endpoint = c.BackBlaze.Endpoint
		sc.AccessKeyID = c.BackBlaze.KeyID
		sc.SecretAccessKey = c.BackBlaze.ApplicationKey
		out = append(out, sc)
	}
	if c.DigitalOcean.Bucket != "" {
		sc := base
		sc.Provider = simpleupload.ProviderDigitalOcean
		sc.Bucket = c.DigitalOcean.Bucket
		sc.Region = c.DigitalOcean.Region
		sc.AccessKeyID = c.DigitalOcean.Key
		sc.SecretAccessKey = c.DigitalOcean.Secret
		out = append(out, sc)
	}
	return out
}
