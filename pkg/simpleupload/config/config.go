package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/docker/go-units"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/api"
)

// Option configures a ServerConfig.
type Option func(*ServerConfig) error

// Load constructs a ServerConfig by applying the supplied options on top of library defaults.
func Load(opts ...Option) (*ServerConfig, error) {
	cfg := defaults()

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// defaults mirrors the env-default tags below.
func defaults() ServerConfig {
	return ServerConfig{
		Port:               "8080",
		Environment:        "development",
		LogLevel:           "info",
		MaxFileSize:        "10MiB",
		Accept:             "*",
		PresignExpiry:      simpleupload.DefaultUploadExpiry,
		PublicURLExpiry:    simpleupload.DefaultPublicURLExpiry,
		MultipartChunkSize: "5MiB",
		MultipartChecksum:  string(types.ChecksumAlgorithmSha256),
		Local: LocalConfig{
			BaseURL: "http://localhost:8080/local",
		},
	}
}

// ServerConfig represents configuration for the upload credential server
type ServerConfig struct {
	Port        string `env:"PORT" env-default:"8080"`
	Environment string `env:"ENVIRONMENT" env-default:"development"` // development, production, testing
	LogLevel    string `env:"LOG_LEVEL" env-default:"info"`

	// Upload policy
	AllowedOrigin      string        `env:"ALLOWED_ORIGIN"`
	MaxFileSize        string        `env:"MAX_FILE_SIZE" env-default:"10MiB"`
	Accept             string        `env:"ACCEPT" env-default:"*"`
	PresignExpiry      time.Duration `env:"PRESIGN_EXPIRY" env-default:"1h"`
	PublicURLExpiry    time.Duration `env:"PUBLIC_URL_EXPIRY" env-default:"72h"`
	EnableAutoCORS     bool          `env:"ENABLE_AUTO_CORS" env-default:"false"`
	MultipartChunkSize string        `env:"MULTIPART_CHUNK_SIZE" env-default:"5MiB"`
	MultipartChecksum  string        `env:"MULTIPART_CHECKSUM" env-default:"SHA256"`

	// Guards on the credential endpoints
	APIKeySHA256 string `env:"API_KEY_SHA256"`
	JWTSecret    string `env:"JWT_SECRET"`

	AWS          AWSConfig
	BackBlaze    BackBlazeConfig
	DigitalOcean DigitalOceanConfig
	Azure        AzureConfig
	Local        LocalConfig
}

type AWSConfig struct {
	Bucket          string `env:"AWS_S3_BUCKET"`
	Region          string `env:"AWS_S3_REGION"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Endpoint        string `env:"AWS_S3_ENDPOINT"` // MinIO and other emulators
	UsePathStyle    bool   `env:"AWS_S3_USE_PATH_STYLE" env-default:"false"`
}

type BackBlazeConfig struct {
	Bucket         string `env:"B2_BUCKET"`
	Region         string `env:"B2_REGION"`
	Endpoint       string `env:"B2_ENDPOINT"`
	KeyID          string `env:"B2_KEY_ID"`
	ApplicationKey string `env:"B2_APPLICATION_KEY"`
}

type DigitalOceanConfig struct {
	Bucket string `env:"DO_SPACES_BUCKET"`
	Region string `env:"DO_SPACES_REGION"`
	Key    string `env:"DO_SPACES_KEY"`
	Secret string `env:"DO_SPACES_SECRET"`
}

type AzureConfig struct {
	Account      string `env:"AZURE_STORAGE_ACCOUNT"`
	Container    string `env:"AZURE_STORAGE_CONTAINER"`
	TenantID     string `env:"AZURE_TENANT_ID"`
	ClientID     string `env:"AZURE_CLIENT_ID"`
	ClientSecret string `env:"AZURE_CLIENT_SECRET"`
	ServiceURL   string `env:"AZURE_STORAGE_SERVICE_URL"` // Azurite
}

// LocalConfig enables the in-process store served under BaseURL.
type LocalConfig struct {
	Enabled         bool   `env:"LOCAL_STORAGE_ENABLED" env-default:"false"`
	SignatureSecret string `env:"LOCAL_SIGNATURE_SECRET"`
	BaseURL         string `env:"LOCAL_BASE_URL" env-default:"http://localhost:8080/local"`
}

// Providers lists the providers with enough configuration to build an issuer.
func (c *ServerConfig) Providers() []simpleupload.Provider {
	var out []simpleupload.Provider
	if c.AWS.Bucket != "" {
		out = append(out, simpleupload.ProviderAWS)
	}
	if c.BackBlaze.Bucket != "" {
		out = append(out, simpleupload.ProviderBackBlaze)
	}
	if c.DigitalOcean.Bucket != "" {
		out = append(out, simpleupload.ProviderDigitalOcean)
	}
	if c.Azure.Account != "" {
		out = append(out, simpleupload.ProviderAzure)
	}
	if c.Local.Enabled {
		out = append(out, simpleupload.ProviderLocal)
	}
	return out
}

// MaxFileSizeBytes parses MaxFileSize. Zero means no server cap.
func (c *ServerConfig) MaxFileSizeBytes() (uint64, error) {
	return parseSize("max file size", c.MaxFileSize)
}

// ChunkSizeBytes parses MultipartChunkSize.
func (c *ServerConfig) ChunkSizeBytes() (int64, error) {
	n, err := parseSize("multipart chunk size", c.MultipartChunkSize)
	return int64(n), err
}

func parseSize(what, s string) (uint64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", what, s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s cannot be negative", what)
	}
	return uint64(n), nil
}

// Validate checks the configuration for consistency.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}

	if _, err := c.MaxFileSizeBytes(); err != nil {
		return err
	}
	chunk, err := c.ChunkSizeBytes()
	if err != nil {
		return err
	}
	if chunk != 0 && chunk < simpleupload.MinPartSize {
		return fmt.Errorf("multipart chunk size must be at least %s", units.BytesSize(float64(simpleupload.MinPartSize)))
	}
	if c.PresignExpiry < 0 || c.PublicURLExpiry < 0 {
		return errors.New("expiry durations cannot be negative")
	}
	if c.MultipartChecksum != "" && !validChecksum(c.MultipartChecksum) {
		return fmt.Errorf("unsupported multipart checksum %q", c.MultipartChecksum)
	}

	if c.AWS.Bucket != "" && (c.AWS.AccessKeyID == "" || c.AWS.SecretAccessKey == "") {
		return errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required when AWS_S3_BUCKET is set")
	}
	if c.BackBlaze.Bucket != "" {
		if c.BackBlaze.KeyID == "" || c.BackBlaze.ApplicationKey == "" {
			return errors.New("B2_KEY_ID and B2_APPLICATION_KEY are required when B2_BUCKET is set")
		}
		if c.BackBlaze.Endpoint == "" {
			return errors.New("B2_ENDPOINT is required when B2_BUCKET is set")
		}
	}
	if c.DigitalOcean.Bucket != "" {
		if c.DigitalOcean.Key == "" || c.DigitalOcean.Secret == "" {
			return errors.New("DO_SPACES_KEY and DO_SPACES_SECRET are required when DO_SPACES_BUCKET is set")
		}
		if c.DigitalOcean.Region == "" {
			return errors.New("DO_SPACES_REGION is required when DO_SPACES_BUCKET is set")
		}
	}
	if c.Azure.Account != "" {
		if c.Azure.Container == "" {
			return errors.New("AZURE_STORAGE_CONTAINER is required when AZURE_STORAGE_ACCOUNT is set")
		}
		if c.Azure.TenantID == "" || c.Azure.ClientID == "" || c.Azure.ClientSecret == "" {
			return errors.New("AZURE_TENANT_ID, AZURE_CLIENT_ID and AZURE_CLIENT_SECRET are required when AZURE_STORAGE_ACCOUNT is set")
		}
	}
	if c.Local.Enabled {
		if len(c.Local.SignatureSecret) < minSecretLength {
			return fmt.Errorf("LOCAL_SIGNATURE_SECRET must be at least %d characters", minSecretLength)
		}
		u, err := url.Parse(c.Local.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("LOCAL_BASE_URL must be an absolute URL, got %q", c.Local.BaseURL)
		}
	}

	if len(c.Providers()) == 0 {
		return errors.New("no storage provider is configured")
	}
	return nil
}

const minSecretLength = 16

// validChecksum reports whether name is a checksum the upload client can
// compute per part.
func validChecksum(name string) bool {
	return name == string(types.ChecksumAlgorithmSha256)
}

// Policy returns the request policy applied by the credential handler.
func (c *ServerConfig) Policy() (api.Policy, error) {
	limit, err := c.MaxFileSizeBytes()
	if err != nil {
		return api.Policy{}, err
	}
	chunk, err := c.ChunkSizeBytes()
	if err != nil {
		return api.Policy{}, err
	}
	return api.Policy{
		AllowedOrigin:   c.AllowedOrigin,
		EnableAutoCORS:  c.EnableAutoCORS,
		MaxFileSize:     limit,
		Accept:          c.Accept,
		Expiry:          c.PresignExpiry,
		PublicURLExpiry: c.PublicURLExpiry,
		ChunkSize:       chunk,
	}, nil
}

// LocalMountPath is the router path the local store handlers are served on.
func (c *ServerConfig) LocalMountPath() string {
	u, err := url.Parse(c.Local.BaseURL)
	if err != nil || u.Path == "" {
		return "/local"
	}
	return strings.TrimSuffix(u.Path, "/")
}
