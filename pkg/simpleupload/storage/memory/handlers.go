package memory

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/minio/sha256-simd"
	"github.com/tendant/simple-upload/pkg/simpleupload/presigned"
)

// Handlers serves presigned PUT/GET requests for a Store. Every route
// requires a valid signature.
type Handlers struct {
	store  *Store
	signer *presigned.Signer
	logger *slog.Logger
}

// NewHandlers creates handlers for store
func NewHandlers(store *Store, signer *presigned.Signer, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: store, signer: signer, logger: logger}
}

// Routes returns a router to mount at the issuer's BaseURL path
func (h *Handlers) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(presigned.ValidateMiddleware(h.signer, h.logger))
	r.Put(UploadPrefix+"*", h.HandleUpload)
	r.Put(PartsPrefix+"{uploadID}/{partNumber}", h.HandleUploadPart)
	r.Get(DownloadPrefix+"*", h.HandleDownload)
	return r
}

// HandleUpload handles PUT {BaseURL}/upload/{key}. The Content-Type header
// must equal the one the URL was signed for.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		presigned.WriteError(w, r, http.StatusBadRequest, "missing_object_key", "object key is required in URL path")
		return
	}

	if !h.limitBody(w, r) {
		return
	}

	contentType := r.Header.Get("Content-Type")
	if want := r.URL.Query().Get("contentType"); want != "" && !sameMediaType(want, contentType) {
		h.logger.Warn("upload content type does not match signature", "key", key, "want", want, "got", contentType)
		presigned.WriteError(w, r, http.StatusForbidden, "signature_mismatch", "Content-Type does not match the signed URL")
		return
	}

	etag, err := h.store.Put(r.Context(), key, contentType, r.Body)
	if tooLarge(err) {
		presigned.WriteError(w, r, http.StatusRequestEntityTooLarge, "entity_too_large", "body exceeds the signed content length")
		return
	}
	if err != nil {
		h.logger.Error("local upload failed", "key", key, "err", err)
		presigned.WriteError(w, r, http.StatusInternalServerError, "upload_failed", "failed to store object")
		return
	}

	h.logger.Debug("local upload succeeded", "key", key)
	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// HandleUploadPart handles PUT {BaseURL}/parts/{uploadID}/{partNumber}
func (h *Handlers) HandleUploadPart(w http.ResponseWriter, r *http.Request) {
	if !h.limitBody(w, r) {
		return
	}

	uploadID := chi.URLParam(r, "uploadID")
	n, err := strconv.ParseInt(chi.URLParam(r, "partNumber"), 10, 32)
	if err != nil {
		presigned.WriteError(w, r, http.StatusBadRequest, "invalid_part", "part number must be an integer")
		return
	}

	var body io.Reader = r.Body
	if want := r.Header.Get("x-amz-checksum-sha256"); want != "" {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			body = errReader{err}
		} else if sum := sha256.Sum256(data); base64.StdEncoding.EncodeToString(sum[:]) != want {
			presigned.WriteError(w, r, http.StatusBadRequest, "bad_digest", "part does not match its SHA-256 checksum")
			return
		} else {
			body = bytes.NewReader(data)
		}
	}

	etag, err := h.store.PutPart(r.Context(), uploadID, int32(n), body)
	switch {
	case tooLarge(err):
		presigned.WriteError(w, r, http.StatusRequestEntityTooLarge, "entity_too_large", "body exceeds the signed content length")
		return
	case errors.Is(err, ErrNoSuchUpload):
		presigned.WriteError(w, r, http.StatusNotFound, "no_such_upload", err.Error())
		return
	case errors.Is(err, ErrInvalidPart):
		presigned.WriteError(w, r, http.StatusBadRequest, "invalid_part", err.Error())
		return
	case err != nil:
		h.logger.Error("local part upload failed", "upload_id", uploadID, "part", n, "err", err)
		presigned.WriteError(w, r, http.StatusInternalServerError, "upload_failed", "failed to store part")
		return
	}

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

// HandleDownload handles GET {BaseURL}/download/{key}
func (h *Handlers) HandleDownload(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	obj, err := h.store.Get(r.Context(), key)
	if err != nil {
		presigned.WriteError(w, r, http.StatusNotFound, "not_found", "object not found")
		return
	}

	w.Header().Set("Content-Type", obj.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("ETag", obj.ETag)
	if _, err := w.Write(obj.Data); err != nil {
		h.logger.Warn("local download write failed", "key", key, "err", err)
	}
}

// limitBody enforces the signed contentLength: the declared Content-Length
// must equal it and the body is cut off after it.
func (h *Handlers) limitBody(w http.ResponseWriter, r *http.Request) bool {
	want, err := strconv.ParseInt(r.URL.Query().Get("contentLength"), 10, 64)
	if err != nil || want < 0 {
		presigned.WriteError(w, r, http.StatusForbidden, "signature_mismatch", "URL is not bound to a content length")
		return false
	}
	if r.ContentLength != want {
		h.logger.Warn("upload length does not match signature", "path", r.URL.Path, "want", want, "got", r.ContentLength)
		presigned.WriteError(w, r, http.StatusForbidden, "signature_mismatch", "Content-Length does not match the signed URL")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, want)
	return true
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func sameMediaType(a, b string) bool {
	ma, _, errA := mime.ParseMediaType(a)
	mb, _, errB := mime.ParseMediaType(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ma == mb
}
