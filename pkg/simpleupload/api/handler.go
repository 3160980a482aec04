// Package api serves the credential endpoints used by upload clients.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/tendant/simple-upload/pkg/simpleupload"
)

// Policy is the server side of every credential request.
type Policy struct {
	// AllowedOrigin is granted by the CORS bootstrap; empty uses the
	// request's Origin header.
	AllowedOrigin  string
	EnableAutoCORS bool
	// MaxFileSize caps the size a client may ask for; 0 leaves the
	// client's value (or the default) alone.
	MaxFileSize uint64
	// Accept applies when the request has no accept pattern.
	Accept string

	Expiry          time.Duration
	PublicURLExpiry time.Duration
	ChunkSize       int64
}

// Handler handles credential requests
type Handler struct {
	issuers simpleupload.Issuers
	policy  Policy
	logger  *slog.Logger
}

// Option configures a Handler
type Option func(*Handler)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// NewHandler creates a new credential handler
func NewHandler(issuers simpleupload.Issuers, policy Policy, opts ...Option) *Handler {
	h := &Handler{issuers: issuers, policy: policy, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router for credential endpoints
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/upload-url", h.IssueUploadURL)
	r.Post("/multipart", h.BeginMultipart)
	r.Post("/multipart/complete", h.CompleteMultipart)
	r.Post("/multipart/abort", h.AbortMultipart)
	return r
}

// IssueUploadURL handles POST /upload-url
func (h *Handler) IssueUploadURL(w http.ResponseWriter, r *http.Request) {
	var req simpleupload.CredentialRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, "", "Invalid request body", badRequest(err))
		return
	}

	iss, provider, err := h.issuer(req.Provider)
	if err != nil {
		h.writeError(w, r, req.Provider, "Failed to generate presigned URL", err)
		return
	}

	resp, err := iss.Issue(r.Context(), h.descriptor(req), h.issueOptions(r))
	if err != nil {
		h.writeError(w, r, provider, "Failed to generate presigned URL", err)
		return
	}

	CredentialsIssued.WithLabelValues(string(provider)).Inc()
	h.logger.Info("issued upload URL", "provider", provider, "key", resp.Key, "expires_in", resp.ExpiresIn)
	render.JSON(w, r, resp)
}

// BeginMultipart handles POST /multipart
func (h *Handler) BeginMultipart(w http.ResponseWriter, r *http.Request) {
	var req simpleupload.MultipartRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, "", "Invalid request body", badRequest(err))
		return
	}

	mp, provider, err := h.multipartIssuer(req.Provider)
	if err != nil {
		h.writeError(w, r, req.Provider, "Failed to create multipart upload", err)
		return
	}

	chunk := req.ChunkSize
	if chunk == 0 {
		chunk = h.policy.ChunkSize
	}
	session, err := mp.BeginMultipart(r.Context(), h.descriptor(req.CredentialRequest), simpleupload.MultipartOptions{
		IssueOptions: h.issueOptions(r),
		ChunkSize:    chunk,
	})
	if err != nil {
		h.writeError(w, r, provider, "Failed to create multipart upload", err)
		return
	}

	CredentialsIssued.WithLabelValues(string(provider)).Inc()
	h.logger.Info("opened multipart upload", "provider", provider, "key", session.Key, "parts", len(session.Parts))
	render.JSON(w, r, session)
}

// CompleteMultipart handles POST /multipart/complete
func (h *Handler) CompleteMultipart(w http.ResponseWriter, r *http.Request) {
	var req simpleupload.CompleteRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, "", "Invalid request body", badRequest(err))
		return
	}

	mp, provider, err := h.multipartIssuer(req.Provider)
	if err != nil {
		h.writeError(w, r, req.Provider, "Failed to complete multipart upload", err)
		return
	}

	err = mp.Finalise(r.Context(), simpleupload.FinaliseRequest{Key: req.Key, UploadID: req.UploadID, Parts: req.Parts})
	if err != nil {
		h.writeError(w, r, provider, "Failed to complete multipart upload", err)
		return
	}

	render.JSON(w, r, map[string]string{"key": req.Key, "status": "completed"})
}

// AbortMultipart handles POST /multipart/abort
func (h *Handler) AbortMultipart(w http.ResponseWriter, r *http.Request) {
	var req simpleupload.CompleteRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		h.writeError(w, r, "", "Invalid request body", badRequest(err))
		return
	}
	if req.Key == "" || req.UploadID == "" {
		h.writeError(w, r, req.Provider, "Failed to abort multipart upload",
			simpleupload.NewUploadError(simpleupload.ErrFileValidation, http.StatusBadRequest, "key and uploadId are required"))
		return
	}

	mp, provider, err := h.multipartIssuer(req.Provider)
	if err != nil {
		h.writeError(w, r, req.Provider, "Failed to abort multipart upload", err)
		return
	}
	if err := mp.Abort(r.Context(), req.Key, req.UploadID); err != nil {
		h.writeError(w, r, provider, "Failed to abort multipart upload", err)
		return
	}

	render.JSON(w, r, map[string]string{"key": req.Key, "status": "aborted"})
}

// issuer resolves the requested provider. An empty provider is allowed
// when exactly one issuer is configured.
func (h *Handler) issuer(requested simpleupload.Provider) (simpleupload.Issuer, simpleupload.Provider, error) {
	if requested == "" && len(h.issuers) == 1 {
		for p, iss := range h.issuers {
			return iss, p, nil
		}
	}
	p, err := simpleupload.ParseProvider(string(requested))
	if err != nil {
		return nil, requested, simpleupload.WrapUploadError(simpleupload.ErrFileValidation, http.StatusBadRequest, err)
	}
	iss, err := h.issuers.Get(p)
	return iss, p, err
}

func (h *Handler) multipartIssuer(requested simpleupload.Provider) (simpleupload.MultipartIssuer, simpleupload.Provider, error) {
	iss, p, err := h.issuer(requested)
	if err != nil {
		return nil, p, err
	}
	mp, ok := iss.(simpleupload.MultipartIssuer)
	if !ok {
		return nil, p, simpleupload.NewUploadError(simpleupload.ErrFileValidation, http.StatusBadRequest,
			"provider "+string(p)+" does not support multipart uploads")
	}
	return mp, p, nil
}

// descriptor applies the server policy to the client's descriptor.
func (h *Handler) descriptor(req simpleupload.CredentialRequest) simpleupload.FileDescriptor {
	d := req.Descriptor()
	if d.Accept == nil && h.policy.Accept != "" {
		accept := h.policy.Accept
		d.Accept = &accept
	}
	if limit := h.policy.MaxFileSize; limit > 0 {
		if d.MaxFileSize == nil || *d.MaxFileSize == 0 || *d.MaxFileSize > limit {
			d.MaxFileSize = &limit
		}
	}
	return d
}

func (h *Handler) issueOptions(r *http.Request) simpleupload.IssueOptions {
	origin := h.policy.AllowedOrigin
	if origin == "" {
		origin = r.Header.Get("Origin")
	}
	return simpleupload.IssueOptions{
		Origin:          origin,
		EnableAutoCORS:  h.policy.EnableAutoCORS,
		Expiry:          h.policy.Expiry,
		PublicURLExpiry: h.policy.PublicURLExpiry,
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, provider simpleupload.Provider, summary string, err error) {
	resp := simpleupload.NewErrorResponse(summary, err)
	CredentialErrors.WithLabelValues(string(provider), string(resp.Type)).Inc()

	if resp.Status >= http.StatusInternalServerError {
		h.logger.Error(summary, "provider", provider, "type", resp.Type, "err", err)
	} else {
		h.logger.Warn(summary, "provider", provider, "type", resp.Type, "details", resp.Details)
	}
	render.Status(r, resp.Status)
	render.JSON(w, r, resp)
}

func badRequest(err error) error {
	return simpleupload.WrapUploadError(simpleupload.ErrFileValidation, http.StatusBadRequest, err)
}
