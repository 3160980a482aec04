// Package memory is the "local" provider: an in-process object store with
// HMAC-presigned upload and download URLs, for development and tests.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-upload/pkg/simpleupload"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrNoSuchUpload   = errors.New("multipart upload not found")
	ErrInvalidPart    = errors.New("invalid part")
	ErrInvalidPartSeq = errors.New("parts must be in ascending order")
)

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
	ETag        string
	UpdatedAt   time.Time
}

type multipartUpload struct {
	key         string
	contentType string
	parts       map[int32][]byte
}

// Store is an in-memory object store
type Store struct {
	mu      sync.RWMutex
	objects map[string]Object
	uploads map[string]*multipartUpload
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		objects: make(map[string]Object),
		uploads: make(map[string]*multipartUpload),
	}
}

// Put stores the content of r under key and returns its quoted ETag
func (s *Store) Put(ctx context.Context, key, contentType string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	etag := etagOf(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.objects[key] = Object{Data: data, ContentType: contentType, ETag: etag, UpdatedAt: time.Now()}
	return etag, nil
}

// Get returns a copy of the object stored under key
func (s *Store) Get(ctx context.Context, key string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	obj.Data = bytes.Clone(obj.Data)
	return obj, nil
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[key]; !ok {
		return ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

// Len returns the number of stored objects
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// CreateMultipart opens a multipart upload for key
func (s *Store) CreateMultipart(ctx context.Context, key, contentType string) string {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.uploads[id] = &multipartUpload{key: key, contentType: contentType, parts: make(map[int32][]byte)}
	return id
}

// PutPart stores one part. Re-uploading a part number replaces it.
func (s *Store) PutPart(ctx context.Context, uploadID string, partNumber int32, r io.Reader) (string, error) {
	if partNumber < 1 {
		return "", fmt.Errorf("%w: part number %d", ErrInvalidPart, partNumber)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[uploadID]
	if !ok {
		return "", ErrNoSuchUpload
	}
	up.parts[partNumber] = data
	return etagOf(data), nil
}

// CompleteMultipart assembles the listed parts into the final object. Like
// S3 it rejects lists that are not strictly ascending and ETags that do not
// match the stored part.
func (s *Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []simpleupload.CompletedPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[uploadID]
	if !ok || up.key != key {
		return ErrNoSuchUpload
	}

	var buf bytes.Buffer
	for idx, p := range parts {
		if idx > 0 && p.PartNumber <= parts[idx-1].PartNumber {
			return ErrInvalidPartSeq
		}
		data, ok := up.parts[p.PartNumber]
		if !ok {
			return fmt.Errorf("%w: part %d was not uploaded", ErrInvalidPart, p.PartNumber)
		}
		if p.ETag != "" && p.ETag != etagOf(data) {
			return fmt.Errorf("%w: etag mismatch for part %d", ErrInvalidPart, p.PartNumber)
		}
		buf.Write(data)
	}

	data := buf.Bytes()
	s.objects[key] = Object{Data: data, ContentType: up.contentType, ETag: etagOf(data), UpdatedAt: time.Now()}
	delete(s.uploads, uploadID)
	return nil
}

// AbortMultipart discards an upload and its parts
func (s *Store) AbortMultipart(ctx context.Context, uploadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.uploads, uploadID)
}

func etagOf(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
