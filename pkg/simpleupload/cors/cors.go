// Package cors makes sure a bucket accepts cross-origin uploads from the
// calling origin before credentials for it are handed out.
package cors

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/sigv4"
)

// MaxAgeSeconds is how long browsers may cache the preflight result.
const MaxAgeSeconds = 3600

// Configuration is the S3 CORSConfiguration document.
type Configuration struct {
	XMLName xml.Name `xml:"CORSConfiguration"`
	Rules   []Rule   `xml:"CORSRule"`
}

// Rule is a single CORSRule.
type Rule struct {
	AllowedHeaders []string `xml:"AllowedHeader"`
	AllowedMethods []string `xml:"AllowedMethod"`
	AllowedOrigins []string `xml:"AllowedOrigin"`
	ExposeHeaders  []string `xml:"ExposeHeader,omitempty"`
	MaxAgeSeconds  int      `xml:"MaxAgeSeconds,omitempty"`
}

// Document returns the XML granting HEAD/PUT/GET/POST from origin. The
// output depends only on origin, so repeated PUTs overwrite with the same
// rule set.
func Document(origin string) (string, error) {
	cfg := Configuration{
		Rules: []Rule{{
			AllowedHeaders: []string{"*"},
			AllowedMethods: []string{http.MethodHead, http.MethodPut, http.MethodGet, http.MethodPost},
			AllowedOrigins: []string{origin},
			ExposeHeaders:  []string{"ETag"},
			MaxAgeSeconds:  MaxAgeSeconds,
		}},
	}
	out, err := xml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return xml.Header + string(out), nil
}

// Bootstrapper PUTs the CORS document to a bucket.
type Bootstrapper struct {
	client  *http.Client
	signer  *sigv4.Signer
	baseURL string
	logger  *slog.Logger
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Bootstrapper) {
		b.client = client
	}
}

// WithSigner replaces the SigV4 signer.
func WithSigner(signer *sigv4.Signer) Option {
	return func(b *Bootstrapper) {
		b.signer = signer
	}
}

// WithBaseURL sends requests to baseURL instead of the provider host. The
// signature still covers the provider host. Used against emulators.
func WithBaseURL(baseURL string) Option {
	return func(b *Bootstrapper) {
		b.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bootstrapper) {
		b.logger = logger
	}
}

// New creates a Bootstrapper. The default client retries connection errors
// and 5xx responses; a CORS PUT is an idempotent overwrite. After the last
// retry the provider's response is returned as is.
func New(opts ...Option) *Bootstrapper {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil

	b := &Bootstrapper{
		client: rc.StandardClient(),
		signer: sigv4.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EnsureCORS configures the bucket to accept uploads from origin and returns
// the provider's response body. Failures are CORS_CONFIG_ERROR.
func (b *Bootstrapper) EnsureCORS(ctx context.Context, origin, bucket string, cfg sigv4.ClientConfig, p simpleupload.Provider) (string, error) {
	doc, err := Document(origin)
	if err != nil {
		return "", corsError(http.StatusInternalServerError, err.Error())
	}

	headers, err := b.signer.Sign(doc, bucket, cfg, p)
	if err != nil {
		return "", corsError(http.StatusBadRequest, err.Error())
	}

	endpoint, err := sigv4.CORSURL(bucket, cfg, p)
	if err != nil {
		return "", corsError(http.StatusBadRequest, err.Error())
	}
	if b.baseURL != "" {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", corsError(http.StatusInternalServerError, err.Error())
		}
		endpoint = b.baseURL + u.RequestURI()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader([]byte(doc)))
	if err != nil {
		return "", corsError(http.StatusInternalServerError, err.Error())
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Host = headers.Get("Host")
	req.ContentLength = int64(len(doc))

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Error("CORS configuration request failed", "bucket", bucket, "provider", p, "err", err)
		return "", corsError(http.StatusBadGateway, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", corsError(http.StatusBadGateway, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b.logger.Warn("CORS configuration rejected", "bucket", bucket, "provider", p, "status", resp.StatusCode)
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return "", corsError(resp.StatusCode, msg)
	}

	b.logger.Debug("CORS configuration applied", "bucket", bucket, "provider", p, "origin", origin)
	return string(body), nil
}

func corsError(status int, msg string) *simpleupload.UploadError {
	return simpleupload.NewUploadError(simpleupload.ErrCORSConfig, status, fmt.Sprintf("failed to configure CORS: %s", msg))
}
