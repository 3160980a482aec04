package config

import (
	"fmt"

	"github.com/ilyakaznacheev/cleanenv"
)

// WithEnv overlays environment variables using the env tags on ServerConfig.
//
// Unset variables fall back to their env-default, so options that should win
// over the environment must come after WithEnv.
//
// Server:
//
//	PORT, ENVIRONMENT, LOG_LEVEL
//
// Upload policy:
//
//	ALLOWED_ORIGIN, MAX_FILE_SIZE (e.g. "10MiB"), ACCEPT, PRESIGN_EXPIRY,
//	PUBLIC_URL_EXPIRY, ENABLE_AUTO_CORS, MULTIPART_CHUNK_SIZE, MULTIPART_CHECKSUM
//
// Auth:
//
//	API_KEY_SHA256, JWT_SECRET
//
// Providers (a provider is enabled by its bucket, account or flag):
//
//	AWS_S3_BUCKET, AWS_S3_REGION, AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, AWS_S3_ENDPOINT
//	B2_BUCKET, B2_REGION, B2_ENDPOINT, B2_KEY_ID, B2_APPLICATION_KEY
//	DO_SPACES_BUCKET, DO_SPACES_REGION, DO_SPACES_KEY, DO_SPACES_SECRET
//	AZURE_STORAGE_ACCOUNT, AZURE_STORAGE_CONTAINER, AZURE_TENANT_ID, AZURE_CLIENT_ID, AZURE_CLIENT_SECRET
//	LOCAL_STORAGE_ENABLED, LOCAL_SIGNATURE_SECRET, LOCAL_BASE_URL
func WithEnv() Option {
	return func(c *ServerConfig) error {
		if err := cleanenv.ReadEnv(c); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
		return nil
	}
}

// WithEnvFile reads a .env style file, then the environment.
func WithEnvFile(path string) Option {
	return func(c *ServerConfig) error {
		if err := cleanenv.ReadConfig(path, c); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		return nil
	}
}
