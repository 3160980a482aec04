package config

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-upload/pkg/simpleupload"
)

const testSecret = "config-test-secret-0123456789"

func TestLoad_RequiresProvider(t *testing.T) {
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no storage provider")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(WithLocalStorage("", testSecret))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, time.Hour, cfg.PresignExpiry)
	assert.Equal(t, "/local", cfg.LocalMountPath())

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, uint64(10*1024*1024), policy.MaxFileSize)
	assert.Equal(t, int64(5*1024*1024), policy.ChunkSize)
	assert.Equal(t, "*", policy.Accept)
}

func TestWithEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_FILE_SIZE", "100MiB")
	t.Setenv("ACCEPT", "image/*")
	t.Setenv("PRESIGN_EXPIRY", "15m")
	t.Setenv("ENABLE_AUTO_CORS", "true")
	t.Setenv("ALLOWED_ORIGIN", "https://app.example.com")
	t.Setenv("AWS_S3_BUCKET", "uploads")
	t.Setenv("AWS_ACCESS_KEY_ID", "AKID")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "secret")
	t.Setenv("LOCAL_STORAGE_ENABLED", "true")
	t.Setenv("LOCAL_SIGNATURE_SECRET", testSecret)
	t.Setenv("LOCAL_BASE_URL", "http://localhost:9090/dev/blobs/")

	cfg, err := Load(WithEnv())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 15*time.Minute, cfg.PresignExpiry)
	assert.Equal(t, []simpleupload.Provider{simpleupload.ProviderAWS, simpleupload.ProviderLocal}, cfg.Providers())
	assert.Equal(t, "/dev/blobs", cfg.LocalMountPath())

	policy, err := cfg.Policy()
	require.NoError(t, err)
	assert.Equal(t, uint64(100*1024*1024), policy.MaxFileSize)
	assert.Equal(t, "image/*", policy.Accept)
	assert.True(t, policy.EnableAutoCORS)
	assert.Equal(t, "https://app.example.com", policy.AllowedOrigin)
}

func TestWithEnv_OptionsAfterWin(t *testing.T) {
	t.Setenv("PORT", "9090")
	cfg, err := Load(WithEnv(), WithPort("7000"), WithLocalStorage("", testSecret))
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr string
	}{
		{
			name:    "aws without credentials",
			opts:    []Option{WithAWS("b", "", "", "")},
			wantErr: "AWS_ACCESS_KEY_ID",
		},
		{
			name:    "backblaze without endpoint",
			opts:    []Option{WithBackBlaze("b", "", "k", "s")},
			wantErr: "B2_ENDPOINT",
		},
		{
			name:    "spaces without region",
			opts:    []Option{WithDigitalOcean("b", "", "k", "s")},
			wantErr: "DO_SPACES_REGION",
		},
		{
			name:    "azure without app registration",
			opts:    []Option{WithAzure("acct", "uploads", "", "", "")},
			wantErr: "AZURE_TENANT_ID",
		},
		{
			name:    "short local secret",
			opts:    []Option{WithLocalStorage("", "short")},
			wantErr: "LOCAL_SIGNATURE_SECRET",
		},
		{
			name:    "relative local base url",
			opts:    []Option{WithLocalStorage("/local", testSecret)},
			wantErr: "LOCAL_BASE_URL",
		},
		{
			name:    "bad size",
			opts:    []Option{WithLocalStorage("", testSecret), func(c *ServerConfig) error { c.MaxFileSize = "lots"; return nil }},
			wantErr: "max file size",
		},
		{
			name:    "chunk below part minimum",
			opts:    []Option{WithLocalStorage("", testSecret), func(c *ServerConfig) error { c.MultipartChunkSize = "1MiB"; return nil }},
			wantErr: "chunk size",
		},
		{
			name:    "unknown checksum",
			opts:    []Option{WithLocalStorage("", testSecret), func(c *ServerConfig) error { c.MultipartChecksum = "MD5"; return nil }},
			wantErr: "checksum",
		},
		{
			name:    "checksum clients cannot compute",
			opts:    []Option{WithLocalStorage("", testSecret), func(c *ServerConfig) error { c.MultipartChecksum = "CRC32C"; return nil }},
			wantErr: "checksum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.opts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestOptions_RejectEmpty(t *testing.T) {
	_, err := Load(WithPort(""))
	assert.Error(t, err)
	_, err = Load(WithMaxFileSize("ten"))
	assert.Error(t, err)
	_, err = Load(WithExpiry(0, time.Hour))
	assert.Error(t, err)
}

func TestBuildIssuers(t *testing.T) {
	cfg, err := Load(
		WithAWS("uploads", "eu-west-1", "AKID", "secret"),
		WithBackBlaze("b2-uploads", "https://s3.us-west-004.backblazeb2.com", "key", "app"),
		WithDigitalOcean("spaces", "nyc3", "key", "secret"),
		WithAzure("acct", "uploads", "tenant", "client", "secret"),
		WithLocalStorage("http://localhost:8080/local", testSecret),
	)
	require.NoError(t, err)

	b, err := cfg.BuildIssuers(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	assert.Len(t, b.Issuers, 5)
	for p, iss := range b.Issuers {
		assert.Equal(t, p, iss.Provider())
	}
	require.NotNil(t, b.Local)
	require.NotNil(t, b.Store)

	_, ok := b.Issuers[simpleupload.ProviderLocal].(simpleupload.MultipartIssuer)
	assert.True(t, ok)
}
