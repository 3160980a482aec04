package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-upload/pkg/simpleupload"
)

func noRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 0
	c.Logger = nil
	return c
}

func TestTokenClient_Success(t *testing.T) {
	var got CredentialRequest
	var apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(simpleupload.PresignedURLResponse{
			Key: "k", UploadURL: "https://u", PublicURL: "https://p", ExpiresIn: 3600,
		})
	}))
	defer srv.Close()

	accept := "image/*"
	limit := uint64(1 << 20)
	c := NewTokenClient(srv.URL, WithRetryClient(noRetryClient()), WithHeader("X-API-Key", "secret"))
	resp, err := c.RequestCredential(context.Background(), CredentialRequest{
		Name: "a.png", Type: "image/png", Size: 10, Provider: simpleupload.ProviderAWS, Accept: &accept, MaxFileSize: &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, "k", resp.Key)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "secret", apiKey)
	assert.Equal(t, "a.png", got.Name)
	assert.Equal(t, simpleupload.ProviderAWS, got.Provider)
	require.NotNil(t, got.Accept)
	assert.Equal(t, "image/*", *got.Accept)
}

func TestTokenClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  simpleupload.ErrorType
		retryable bool
		message   string
	}{
		{
			name:     "typed error body",
			status:   http.StatusBadRequest,
			body:     `{"error":"Failed to generate presigned URL","details":"File type application/pdf is not allowed","type":"FILE_VALIDATION_ERROR","retryable":false,"status":400}`,
			wantType: simpleupload.ErrFileValidation,
			message:  "File type application/pdf is not allowed",
		},
		{
			name:      "server keeps retry flag",
			status:    http.StatusInternalServerError,
			body:      `{"error":"Failed","details":"delegation key","type":"TEMPORARY_CREDENTIALS_ERROR","retryable":true}`,
			wantType:  simpleupload.ErrTemporaryCredentials,
			retryable: true,
			message:   "delegation key",
		},
		{
			name:     "untyped details",
			status:   http.StatusUnauthorized,
			body:     `{"error":"unauthorized"}`,
			wantType: simpleupload.ErrUnknownUpload,
			message:  "unauthorized",
		},
		{
			name:      "plain text",
			status:    http.StatusBadGateway,
			body:      "upstream down",
			wantType:  simpleupload.ErrUnknownUpload,
			retryable: true,
			message:   "upstream down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.Copy(io.Discard, r.Body)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := NewTokenClient(srv.URL, WithRetryClient(noRetryClient())).
				RequestCredential(context.Background(), CredentialRequest{Name: "a", Type: "t", Size: 1})
			ue, ok := simpleupload.AsUploadError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantType, ue.Type)
			assert.Equal(t, tt.status, ue.Status)
			assert.Equal(t, tt.retryable, ue.Retryable)
			assert.Equal(t, tt.message, ue.Message)
		})
	}
}

func TestTokenClient_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewTokenClient(url, WithRetryClient(noRetryClient())).
		RequestCredential(context.Background(), CredentialRequest{Name: "a", Type: "t", Size: 1})
	ue, ok := simpleupload.AsUploadError(err)
	require.True(t, ok)
	assert.Equal(t, simpleupload.ErrNetwork, ue.Type)
	assert.True(t, ue.Retryable)
}

func TestTokenClient_IncompleteResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"key":"k"}`)
	}))
	defer srv.Close()

	_, err := NewTokenClient(srv.URL, WithRetryClient(noRetryClient())).
		RequestCredential(context.Background(), CredentialRequest{Name: "a", Type: "t", Size: 1})
	ue, ok := simpleupload.AsUploadError(err)
	require.True(t, ok)
	assert.Equal(t, simpleupload.ErrPresignedURL, ue.Type)
}
