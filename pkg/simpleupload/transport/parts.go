package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/minio/sha256-simd"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"golang.org/x/sync/errgroup"
)

// DefaultPartConcurrency is how many parts UploadParts sends at once.
const DefaultPartConcurrency = 4

// PartOptions tunes UploadParts.
type PartOptions struct {
	Concurrency int
	// OnProgress receives progress summed over all parts.
	OnProgress ProgressFunc
}

// UploadParts PUTs every part of session from r, which holds size bytes.
// Parts run concurrently and are returned in completion order; the issuer
// sorts them on finalise. The first failure cancels the remaining parts.
func (c *Client) UploadParts(ctx context.Context, session *simpleupload.MultipartUploadSession, r io.ReaderAt, size int64, opts PartOptions) ([]simpleupload.CompletedPart, error) {
	if session.PartSize <= 0 {
		return nil, simpleupload.NewUploadError(simpleupload.ErrMultipartUploadID, 0, "session has no part size")
	}
	expected := (size + session.PartSize - 1) / session.PartSize
	if size == 0 {
		expected = 1
	}
	if int64(len(session.Parts)) != expected {
		return nil, simpleupload.NewUploadError(simpleupload.ErrMultipartUploadID, 0,
			fmt.Sprintf("session has %d parts, file needs %d", len(session.Parts), expected))
	}

	switch session.ChecksumAlgorithm {
	case "", simpleupload.ChecksumSHA256:
	default:
		return nil, simpleupload.NewUploadError(simpleupload.ErrMultipartUploadID, 0,
			fmt.Sprintf("unsupported part checksum %q", session.ChecksumAlgorithm))
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultPartConcurrency
	}

	var (
		mu        sync.Mutex
		loaded    = make([]int64, len(session.Parts))
		completed = make([]simpleupload.CompletedPart, 0, len(session.Parts))
	)
	report := func(idx int, n int64) {
		if opts.OnProgress == nil {
			return
		}
		mu.Lock()
		loaded[idx] = n
		var sum int64
		for _, l := range loaded {
			sum += l
		}
		mu.Unlock()
		opts.OnProgress(NewProgress(sum, size))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for idx, part := range session.Parts {
		offset := int64(part.PartNumber-1) * session.PartSize
		length := min(session.PartSize, size-offset)
		if length < 0 {
			length = 0
		}

		g.Go(func() error {
			var (
				checksum string
				headers  map[string]string
			)
			if session.ChecksumAlgorithm == simpleupload.ChecksumSHA256 {
				sum, err := partSHA256(io.NewSectionReader(r, offset, length))
				if err != nil {
					return simpleupload.WrapUploadError(simpleupload.ErrUpload, 0, err)
				}
				checksum = sum
				headers = map[string]string{ChecksumSHA256Header: sum}
			}

			res, err := c.Put(gctx, part.SignedURL, io.NewSectionReader(r, offset, length), length, PutOptions{
				Provider:   session.Provider,
				OnProgress: func(p Progress) { report(idx, p.Loaded) },
				Headers:    headers,
			})
			if err != nil {
				return err
			}
			if res.ETag == "" {
				return simpleupload.NewUploadError(simpleupload.ErrUpload, res.Status,
					fmt.Sprintf("part %d: response has no ETag header (is ETag exposed by the bucket CORS policy?)", part.PartNumber))
			}

			mu.Lock()
			completed = append(completed, simpleupload.CompletedPart{
				PartNumber:     part.PartNumber,
				ETag:           res.ETag,
				ChecksumSHA256: checksum,
			})
			mu.Unlock()
			c.logger.Debug("uploaded part", "key", session.Key, "part", part.PartNumber)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return completed, nil
}

// ChecksumSHA256Header carries a part's base64 SHA-256 digest.
const ChecksumSHA256Header = "x-amz-checksum-sha256"

func partSHA256(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}
