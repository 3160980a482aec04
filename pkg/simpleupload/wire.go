package simpleupload

import "net/http"

// CredentialRequest is the body of POST /upload-url.
type CredentialRequest struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Size        uint64   `json:"size"`
	Provider    Provider `json:"provider"`
	Multiple    bool     `json:"multiple"`
	Accept      *string  `json:"accept,omitempty"`
	MaxFileSize *uint64  `json:"maxFileSize,omitempty"`
}

// Descriptor returns the file descriptor the request proposes.
func (r CredentialRequest) Descriptor() FileDescriptor {
	return FileDescriptor{
		Name:        r.Name,
		Type:        r.Type,
		Size:        r.Size,
		Accept:      r.Accept,
		MaxFileSize: r.MaxFileSize,
	}
}

// MultipartRequest is the body of POST /multipart.
type MultipartRequest struct {
	CredentialRequest
	ChunkSize int64 `json:"chunkSize,omitempty"`
}

// CompleteRequest is the body of POST /multipart/complete and /multipart/abort.
type CompleteRequest struct {
	Key      string          `json:"key"`
	UploadID string          `json:"uploadId"`
	Provider Provider        `json:"provider"`
	Parts    []CompletedPart `json:"parts,omitempty"`
}

// ErrorResponse is the body sent with a non-200 status.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Details   string    `json:"details,omitempty"`
	Type      ErrorType `json:"type,omitempty"`
	Retryable bool      `json:"retryable"`
	Status    int       `json:"status,omitempty"`
}

// NewErrorResponse renders err under summary. Untyped errors become
// UNKNOWN_UPLOAD_ERROR with status 500.
func NewErrorResponse(summary string, err error) ErrorResponse {
	ue := Normalize(err, ErrUnknownUpload, http.StatusInternalServerError).(*UploadError)
	status := ue.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return ErrorResponse{
		Error:     summary,
		Details:   ue.Message,
		Type:      ue.Type,
		Retryable: ue.Retryable,
		Status:    status,
	}
}

// UploadError converts a decoded response back to an error. A body without
// a type becomes UNKNOWN_UPLOAD_ERROR.
func (r ErrorResponse) UploadError(status int) *UploadError {
	msg := r.Details
	if msg == "" {
		msg = r.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	if r.Type == "" {
		return NewUploadError(ErrUnknownUpload, status, msg)
	}
	return &UploadError{Message: msg, Type: r.Type, Retryable: r.Retryable, Status: status}
}
