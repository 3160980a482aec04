package orchestrator

import (
	"errors"

	"github.com/tendant/simple-upload/pkg/simpleupload"
)

// FileStatus is the state of one file.
type FileStatus string

const (
	StatusPending   FileStatus = "PENDING"
	StatusUploading FileStatus = "UPLOADING"
	StatusPaused    FileStatus = "PAUSED"
	StatusCompleted FileStatus = "COMPLETED"
	StatusFailed    FileStatus = "FAILED"
	StatusCanceled  FileStatus = "CANCELED"
)

// AggregateStatus is the state of the whole selection.
type AggregateStatus string

const (
	AggregatePending    AggregateStatus = "PENDING"
	AggregateOngoing    AggregateStatus = "ONGOING"
	AggregateSuccessful AggregateStatus = "SUCCESSFUL"
	AggregateFailed     AggregateStatus = "FAILED"
)

var (
	// ErrUnknownFile is returned for an ID the orchestrator does not track.
	ErrUnknownFile = errors.New("unknown file id")
	// ErrInvalidTransition is returned by Resume and Retry when the file is
	// not PAUSED or FAILED respectively.
	ErrInvalidTransition = errors.New("invalid file state transition")

	errPaused   = errors.New("upload paused")
	errCanceled = errors.New("upload canceled")
)

// FileState is a snapshot of one tracked file.
type FileState struct {
	ID         string                    `json:"id"`
	Name       string                    `json:"name"`
	Type       string                    `json:"type"`
	Status     FileStatus                `json:"status"`
	Loaded     int64                     `json:"loaded"`
	Total      int64                     `json:"total"`
	Err        *simpleupload.UploadError `json:"error,omitempty"`
	RetryCount int                       `json:"retryCount"`
	Key        string                    `json:"key,omitempty"`
	PublicURL  string                    `json:"publicUrl,omitempty"`
}

// Percentage is Loaded/Total as 0-100; an empty file reports 0.
func (s FileState) Percentage() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Loaded) / float64(s.Total) * 100
}

// BatchResult is the outcome of ProceedUpload. Every file of the batch is
// in exactly one list.
type BatchResult struct {
	Succeeded []FileState `json:"succeeded"`
	Failed    []FileState `json:"failed"`
	// Interrupted holds files paused or canceled during the batch.
	Interrupted []FileState `json:"interrupted,omitempty"`
}

// Keys returns the object keys of the succeeded files.
func (r *BatchResult) Keys() []string {
	keys := make([]string, 0, len(r.Succeeded))
	for _, s := range r.Succeeded {
		keys = append(keys, s.Key)
	}
	return keys
}
