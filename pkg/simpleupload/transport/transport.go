// Package transport PUTs file bytes to presigned URLs and reports progress.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tendant/simple-upload/pkg/simpleupload"
)

// maxErrorBody caps how much of a failed response is kept for the message.
const maxErrorBody = 64 * 1024

// Progress is one progress event of a single transfer.
type Progress struct {
	Loaded     int64   `json:"loaded"`
	Total      int64   `json:"total"`
	Percentage float64 `json:"percentage"`
}

// NewProgress computes the percentage; a zero total reports 0%.
func NewProgress(loaded, total int64) Progress {
	p := Progress{Loaded: loaded, Total: total}
	if total > 0 {
		p.Percentage = float64(loaded) / float64(total) * 100
	}
	return p
}

// ProgressFunc receives progress events. It is called from the goroutine
// doing the transfer and must not block.
type ProgressFunc func(Progress)

// PutOptions tunes a single PUT.
type PutOptions struct {
	ContentType string
	Provider    simpleupload.Provider
	OnProgress  ProgressFunc
	Headers     map[string]string
}

// Result is a successful PUT.
type Result struct {
	Status int
	// ETag is empty for Azure, which does not return one usable for
	// multipart completion.
	ETag string
}

// Client performs uploads.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Minute, // Long timeout for large uploads
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put streams size bytes from body to url. A transfer that gets no HTTP
// response fails with NETWORK_ERROR; a non-2xx response fails with the
// status code and response body.
func (c *Client) Put(ctx context.Context, url string, body io.Reader, size int64, opts PutOptions) (*Result, error) {
	var reader io.Reader = http.NoBody
	if size > 0 {
		reader = &progressReader{reader: body, total: size, callback: opts.OnProgress}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, reader)
	if err != nil {
		return nil, simpleupload.WrapUploadError(simpleupload.ErrUpload, 0, err)
	}
	req.ContentLength = size
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	if opts.Provider == simpleupload.ProviderAzure {
		req.Header.Set("x-ms-blob-type", "BlockBlob")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		c.logger.Debug("upload request failed", "err", err)
		return nil, simpleupload.WrapUploadError(simpleupload.ErrNetwork, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyResponse(resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)

	if opts.OnProgress != nil && size == 0 {
		opts.OnProgress(NewProgress(0, 0))
	}

	res := &Result{Status: resp.StatusCode}
	if opts.Provider != simpleupload.ProviderAzure {
		res.ETag = resp.Header.Get("ETag")
	}
	return res, nil
}

// classifyResponse maps a failed upload response to an UploadError. A 403
// whose body mentions expiry means the credential is stale and a fresh one
// will succeed, so it is retryable.
func classifyResponse(status int, body string) error {
	msg := body
	if msg == "" {
		msg = http.StatusText(status)
	}
	lower := strings.ToLower(body)

	switch {
	case status == http.StatusForbidden && isExpiryMessage(lower):
		return simpleupload.NewUploadError(simpleupload.ErrExpiredURL, status, msg)
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return simpleupload.NewUploadError(simpleupload.ErrPermission, status, msg)
	default:
		return simpleupload.NewUploadError(simpleupload.ErrUpload, status, fmt.Sprintf("upload failed with status %d: %s", status, msg))
	}
}

func isExpiryMessage(lower string) bool {
	return strings.Contains(lower, "expired") ||
		strings.Contains(lower, "expiry") ||
		strings.Contains(lower, "not valid in the specified time frame")
}

// IsNetworkError reports whether err is a transport failure without an HTTP response.
func IsNetworkError(err error) bool {
	ue, ok := simpleupload.AsUploadError(err)
	return ok && ue.Type == simpleupload.ErrNetwork
}

// progressReader wraps an io.Reader to track upload progress
type progressReader struct {
	reader   io.Reader
	loaded   int64
	total    int64
	callback ProgressFunc
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.loaded += int64(n)
	if pr.callback != nil && n > 0 {
		pr.callback(NewProgress(pr.loaded, pr.total))
	}
	if errors.Is(err, io.EOF) && pr.loaded < pr.total {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}
