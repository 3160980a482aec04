package orchestrator

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/tendant/simple-upload/pkg/simpleupload"
)

// File is a file selected for upload.
type File struct {
	Name string
	Type string
	Size int64
	// Source identifies where the bytes come from (a path or URL). Two files
	// with the same non-empty Source are duplicates.
	Source string
	// Open returns a fresh reader for every attempt.
	Open func() (io.ReadCloser, error)
}

func (f File) descriptor(accept *string, maxFileSize uint64) simpleupload.FileDescriptor {
	d := simpleupload.FileDescriptor{
		Name:   f.Name,
		Type:   f.Type,
		Accept: accept,
	}
	if f.Size > 0 {
		d.Size = uint64(f.Size)
	}
	if maxFileSize > 0 {
		d.MaxFileSize = &maxFileSize
	}
	return d
}

// BytesFile is a File backed by data.
func BytesFile(name, mimeType string, data []byte) File {
	return File{
		Name: name,
		Type: mimeType,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// OpenFile is a File backed by the file at path. The MIME type comes from
// the extension.
func OpenFile(path string) (File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return File{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return File{}, err
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}

	return File{
		Name:   info.Name(),
		Type:   DetectType(abs),
		Size:   info.Size(),
		Source: abs,
		Open: func() (io.ReadCloser, error) {
			return os.Open(abs)
		},
	}, nil
}

// DetectType guesses a MIME type from the file extension.
func DetectType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// compressFile gzips f into memory. Name, type and source are kept; only
// the bytes and size change.
func compressFile(f File) (File, error) {
	rc, err := f.Open()
	if err != nil {
		return File{}, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := io.Copy(zw, rc); err != nil {
		zw.Close()
		return File{}, fmt.Errorf("compress %s: %w", f.Name, err)
	}
	if err := zw.Close(); err != nil {
		return File{}, fmt.Errorf("compress %s: %w", f.Name, err)
	}

	out := BytesFile(f.Name, f.Type, buf.Bytes())
	out.Source = f.Source
	return out, nil
}
