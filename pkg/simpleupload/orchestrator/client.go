package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tendant/simple-upload/pkg/simpleupload"
)

// CredentialRequest is the body POSTed to the credential endpoint.
type CredentialRequest = simpleupload.CredentialRequest

// CredentialSource hands out upload credentials. TokenClient implements it
// over HTTP; tests substitute fakes.
type CredentialSource interface {
	RequestCredential(ctx context.Context, req CredentialRequest) (*simpleupload.PresignedURLResponse, error)
}

// ClientOption configures the HTTP clients in this file.
type ClientOption func(*apiClient)

// WithRetryClient replaces the retrying HTTP client.
func WithRetryClient(c *retryablehttp.Client) ClientOption {
	return func(a *apiClient) {
		a.httpClient = c
	}
}

// WithHeader adds a header to every request, e.g. an API key.
func WithHeader(key, value string) ClientOption {
	return func(a *apiClient) {
		a.headers.Set(key, value)
	}
}

// WithBearerToken authenticates requests with a JWT.
func WithBearerToken(token string) ClientOption {
	return WithHeader("Authorization", "Bearer "+token)
}

// WithClientLogger sets the logger used for request retries.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(a *apiClient) {
		a.logger = logger
	}
}

type apiClient struct {
	httpClient *retryablehttp.Client
	headers    http.Header
	logger     *slog.Logger
}

func newAPIClient(opts []ClientOption) *apiClient {
	a := &apiClient{headers: http.Header{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	if a.httpClient == nil {
		c := retryablehttp.NewClient()
		c.RetryMax = 3
		c.RetryWaitMin = 200 * time.Millisecond
		c.RetryWaitMax = 2 * time.Second
		c.Logger = a.logger
		a.httpClient = c
	}
	// The last response is decoded into an UploadError instead of being
	// replaced by a generic "giving up" error.
	a.httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return a
}

// postJSON sends body to url and decodes a 200 response into out. Every
// error is an *UploadError.
func (a *apiClient) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return simpleupload.WrapUploadError(simpleupload.ErrUnknownUpload, 0, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, payload)
	if err != nil {
		return simpleupload.WrapUploadError(simpleupload.ErrUnknownUpload, 0, err)
	}
	for k, v := range a.headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return simpleupload.WrapUploadError(simpleupload.ErrNetwork, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return simpleupload.WrapUploadError(simpleupload.ErrNetwork, 0, err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return simpleupload.WrapUploadError(simpleupload.ErrUnknownUpload, resp.StatusCode,
			fmt.Errorf("decode credential response: %w", err))
	}
	return nil
}

// decodeError turns a non-200 response into an UploadError. The server's
// type and retry flag are kept when present.
func decodeError(status int, data []byte) error {
	var body simpleupload.ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || (body.Error == "" && body.Details == "") {
		msg := strings.TrimSpace(string(data))
		if msg == "" {
			msg = http.StatusText(status)
		}
		return simpleupload.NewUploadError(simpleupload.ErrUnknownUpload, status, msg)
	}
	return body.UploadError(status)
}

// TokenClient requests single-use upload credentials from the server.
type TokenClient struct {
	endpoint string
	api      *apiClient
}

var _ CredentialSource = (*TokenClient)(nil)

// NewTokenClient creates a client for the credential endpoint at endpoint.
func NewTokenClient(endpoint string, opts ...ClientOption) *TokenClient {
	return &TokenClient{endpoint: endpoint, api: newAPIClient(opts)}
}

// RequestCredential POSTs req and returns the issued credential.
func (c *TokenClient) RequestCredential(ctx context.Context, req CredentialRequest) (*simpleupload.PresignedURLResponse, error) {
	var out simpleupload.PresignedURLResponse
	if err := c.api.postJSON(ctx, c.endpoint, req, &out); err != nil {
		return nil, err
	}
	if out.UploadURL == "" || out.Key == "" {
		return nil, simpleupload.NewUploadError(simpleupload.ErrPresignedURL, http.StatusBadGateway, "credential response has no uploadUrl or key")
	}
	return &out, nil
}

// MultipartClient drives the multipart endpoints of the credential server.
type MultipartClient struct {
	baseURL string
	api     *apiClient
}

// NewMultipartClient creates a client for the server at baseURL, which
// serves /multipart, /multipart/complete and /multipart/abort.
func NewMultipartClient(baseURL string, opts ...ClientOption) *MultipartClient {
	return &MultipartClient{baseURL: strings.TrimSuffix(baseURL, "/"), api: newAPIClient(opts)}
}

// Begin opens a session with signed part URLs.
func (c *MultipartClient) Begin(ctx context.Context, req simpleupload.MultipartRequest) (*simpleupload.MultipartUploadSession, error) {
	var out simpleupload.MultipartUploadSession
	if err := c.api.postJSON(ctx, c.baseURL+"/multipart", req, &out); err != nil {
		return nil, err
	}
	if out.UploadID == "" || len(out.Parts) == 0 {
		return nil, simpleupload.NewUploadError(simpleupload.ErrMultipartUploadID, http.StatusBadGateway, "multipart response has no uploadId or parts")
	}
	if out.Provider == "" {
		out.Provider = req.Provider
	}
	return &out, nil
}

// Complete finalises the session. Parts may be in any order.
func (c *MultipartClient) Complete(ctx context.Context, req simpleupload.CompleteRequest) error {
	return c.api.postJSON(ctx, c.baseURL+"/multipart/complete", req, nil)
}

// Abort discards the session's uploaded parts.
func (c *MultipartClient) Abort(ctx context.Context, req simpleupload.CompleteRequest) error {
	return c.api.postJSON(ctx, c.baseURL+"/multipart/abort", req, nil)
}
