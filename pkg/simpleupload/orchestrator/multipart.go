package orchestrator

import (
	"context"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/transport"
)

// MultipartUploader uploads one large file through a multipart session.
type MultipartUploader struct {
	client    *MultipartClient
	transport *transport.Client
	logger    *slog.Logger
}

// NewMultipartUploader creates a MultipartUploader. A nil transport uses
// transport.New().
func NewMultipartUploader(client *MultipartClient, tr *transport.Client, logger *slog.Logger) *MultipartUploader {
	if tr == nil {
		tr = transport.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MultipartUploader{client: client, transport: tr, logger: logger}
}

// Upload opens a session for req, uploads every part from r and completes
// the session. On failure the session is aborted so no parts are left
// behind. Every error is an *UploadError.
func (u *MultipartUploader) Upload(ctx context.Context, req simpleupload.MultipartRequest, r io.ReaderAt, opts transport.PartOptions) (*simpleupload.MultipartUploadSession, error) {
	session, err := u.client.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	u.logger.Info("multipart session opened", "key", session.Key, "parts", len(session.Parts),
		"part_size", humanize.IBytes(uint64(session.PartSize)))

	parts, err := u.transport.UploadParts(ctx, session, r, int64(req.Size), opts)
	if err != nil {
		u.abort(ctx, session)
		return nil, simpleupload.Normalize(err, simpleupload.ErrUnknownUpload, 0)
	}

	err = u.client.Complete(ctx, simpleupload.CompleteRequest{
		Key:      session.Key,
		UploadID: session.UploadID,
		Provider: session.Provider,
		Parts:    parts,
	})
	if err != nil {
		u.abort(ctx, session)
		return nil, err
	}
	u.logger.Info("multipart upload completed", "key", session.Key, "size", humanize.IBytes(req.Size))
	return session, nil
}

func (u *MultipartUploader) abort(ctx context.Context, session *simpleupload.MultipartUploadSession) {
	err := u.client.Abort(context.WithoutCancel(ctx), simpleupload.CompleteRequest{
		Key:      session.Key,
		UploadID: session.UploadID,
		Provider: session.Provider,
	})
	if err != nil {
		u.logger.Warn("abort multipart upload failed", "key", session.Key, "upload_id", session.UploadID, "err", err)
	}
}
