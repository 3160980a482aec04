// Package orchestrator runs client-side uploads: it requests a credential
// per file from the credential server, PUTs the bytes to the returned URL
// and tracks per-file and aggregate state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/transport"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is how many files upload at once.
const DefaultConcurrency = 4

// credentialSkew is subtracted from a credential's lifetime before reuse.
const credentialSkew = 5 * time.Second

// Uploader performs the PUT of a single file. *transport.Client implements it.
type Uploader interface {
	Put(ctx context.Context, url string, body io.Reader, size int64, opts transport.PutOptions) (*transport.Result, error)
}

// Callbacks are invoked outside the orchestrator's lock. Any of them may be nil.
type Callbacks struct {
	OnFileUploadStart     func(FileState)
	OnFileUploadProgress  func(FileState, transport.Progress)
	OnFileUploadComplete  func(state FileState, key string)
	OnFilesUploadComplete func(keys []string)
	OnFileUploadFail      func(FileState, *simpleupload.UploadError)
	// OnTotalUploadProgress receives bytes loaded and total bytes over all tracked files.
	OnTotalUploadProgress func(loaded, total int64)
	// OnTotalFilesProgress receives the number of COMPLETED files and the
	// number of tracked files each time a file completes.
	OnTotalFilesProgress func(completed, total int)
	OnFileTypeMismatch    func(file File, accept string)
	OnError               func(message string)
	OnWarn                func(message string)
}

// Config configures an Orchestrator.
type Config struct {
	// TokenEndpoint is the credential endpoint URL. Ignored when Credentials is set.
	TokenEndpoint string
	Provider      simpleupload.Provider

	// Accept is the accept pattern; nil accepts everything.
	Accept *string
	// MaxFileSize caps file sizes; 0 uses simpleupload.DefaultMaxFileSize.
	MaxFileSize uint64
	// Limit caps the number of tracked files; 0 is unlimited. Without
	// Multiple the limit is 1.
	Limit    int
	Multiple bool

	ShouldCompress bool
	// PrepareFiles transforms the batch before upload. It must return one
	// file per input file, in order.
	PrepareFiles func(ctx context.Context, files []File) ([]File, error)

	Concurrency int
	Callbacks   Callbacks

	Credentials   CredentialSource
	Uploader      Uploader
	ClientOptions []ClientOption
	Logger        *slog.Logger
	Now           func() time.Time
}

type entry struct {
	file   File
	state  FileState
	cred   *simpleupload.PresignedURLResponse
	issued time.Time
	gen    int
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Orchestrator tracks a selection of files through upload. It is safe for
// concurrent use.
type Orchestrator struct {
	cfg         Config
	credentials CredentialSource
	uploader    Uploader
	logger      *slog.Logger
	now         func() time.Time

	mu     sync.Mutex
	order  []*entry
	byID   map[string]*entry
	status AggregateStatus
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if _, err := simpleupload.ParseProvider(string(cfg.Provider)); err != nil {
		return nil, err
	}
	if cfg.Credentials == nil && cfg.TokenEndpoint == "" {
		return nil, errors.New("token endpoint is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	o := &Orchestrator{
		cfg:         cfg,
		credentials: cfg.Credentials,
		uploader:    cfg.Uploader,
		logger:      cfg.Logger,
		now:         cfg.Now,
		byID:        make(map[string]*entry),
		status:      AggregatePending,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.credentials == nil {
		opts := append([]ClientOption{WithClientLogger(o.logger)}, cfg.ClientOptions...)
		o.credentials = NewTokenClient(cfg.TokenEndpoint, opts...)
	}
	if o.uploader == nil {
		o.uploader = transport.New(transport.WithLogger(o.logger))
	}
	return o, nil
}

func (o *Orchestrator) acceptPattern() string {
	if o.cfg.Accept == nil {
		return simpleupload.DefaultAccept
	}
	return *o.cfg.Accept
}

// Enqueue adds files to the selection and returns the accepted ones.
// Files over the limit, duplicates and files failing the accept or size
// constraints are skipped with a warning. Enqueueing after the selection
// reached SUCCESSFUL or FAILED starts a fresh selection.
func (o *Orchestrator) Enqueue(files ...File) []FileState {
	var (
		accepted   []FileState
		warnings   []string
		mismatches []File
	)

	o.mu.Lock()
	if o.status == AggregateSuccessful || o.status == AggregateFailed {
		o.clearLocked()
	}

	limit := o.cfg.Limit
	if !o.cfg.Multiple {
		limit = 1
	}
	names := make(map[string]bool, len(o.order))
	sources := make(map[string]bool, len(o.order))
	for _, e := range o.order {
		names[e.file.Name] = true
		if e.file.Source != "" {
			sources[e.file.Source] = true
		}
	}

	for _, f := range files {
		switch {
		case limit > 0 && len(o.order) >= limit:
			warnings = append(warnings, fmt.Sprintf("file limit of %d reached, skipping %s", limit, f.Name))
			continue
		case names[f.Name]:
			warnings = append(warnings, fmt.Sprintf("duplicate file name %s skipped", f.Name))
			continue
		case f.Source != "" && sources[f.Source]:
			warnings = append(warnings, fmt.Sprintf("duplicate file source %s skipped", f.Source))
			continue
		case f.Open == nil:
			warnings = append(warnings, fmt.Sprintf("file %s has no content", f.Name))
			continue
		}

		if err := simpleupload.Validate(f.descriptor(o.cfg.Accept, o.cfg.MaxFileSize)); err != nil {
			if !simpleupload.MatchAccept(o.acceptPattern(), f.Name, f.Type) {
				mismatches = append(mismatches, f)
			} else {
				warnings = append(warnings, fmt.Sprintf("%s skipped: %s", f.Name, messageOf(err)))
			}
			continue
		}

		e := &entry{
			file: f,
			state: FileState{
				ID:     uuid.NewString(),
				Name:   f.Name,
				Type:   f.Type,
				Status: StatusPending,
				Total:  f.Size,
			},
		}
		o.order = append(o.order, e)
		o.byID[e.state.ID] = e
		names[f.Name] = true
		if f.Source != "" {
			sources[f.Source] = true
		}
		accepted = append(accepted, e.state)
	}
	o.mu.Unlock()

	cb := o.cfg.Callbacks
	for _, f := range mismatches {
		o.logger.Warn("file type not accepted", "file", f.Name, "type", f.Type, "accept", o.acceptPattern())
		if cb.OnFileTypeMismatch != nil {
			cb.OnFileTypeMismatch(f, o.acceptPattern())
		}
	}
	for _, w := range warnings {
		o.warn(w)
	}
	return accepted
}

// ProceedUpload uploads every PENDING file and waits for all of them to
// settle. A failed file does not stop its siblings. With nothing queued it
// returns an empty result.
func (o *Orchestrator) ProceedUpload(ctx context.Context) (*BatchResult, error) {
	o.mu.Lock()
	var batch []*entry
	for _, e := range o.order {
		if e.state.Status == StatusPending {
			batch = append(batch, e)
		}
	}
	if len(batch) == 0 {
		o.mu.Unlock()
		return &BatchResult{}, nil
	}
	o.status = AggregateOngoing
	o.mu.Unlock()

	if err := o.prepare(ctx, batch); err != nil {
		ue := simpleupload.Normalize(err, simpleupload.ErrUnknownUpload, 0)
		o.mu.Lock()
		o.status = AggregateFailed
		o.mu.Unlock()
		o.logger.Error("prepare files failed", "err", ue)
		o.emitError(messageOf(ue))
		return nil, ue
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for _, e := range batch {
		g.Go(func() error {
			// Failures are recorded on the file; the group only waits.
			_ = o.attempt(ctx, e, StatusPending, false)
			return nil
		})
	}
	g.Wait()

	o.mu.Lock()
	result := &BatchResult{}
	for _, e := range batch {
		switch e.state.Status {
		case StatusCompleted:
			result.Succeeded = append(result.Succeeded, e.state)
		case StatusFailed:
			result.Failed = append(result.Failed, e.state)
		default:
			result.Interrupted = append(result.Interrupted, e.state)
		}
	}
	o.mu.Unlock()

	o.settle()
	if n := len(result.Failed); n > 0 {
		o.emitError(fmt.Sprintf("%d of %d files failed to upload", n, len(batch)))
	}
	return result, nil
}

func (o *Orchestrator) prepare(ctx context.Context, batch []*entry) error {
	if !o.cfg.ShouldCompress && o.cfg.PrepareFiles == nil {
		return nil
	}

	o.mu.Lock()
	files := make([]File, len(batch))
	for i, e := range batch {
		files[i] = e.file
	}
	o.mu.Unlock()

	if o.cfg.ShouldCompress {
		for i, f := range files {
			c, err := compressFile(f)
			if err != nil {
				return err
			}
			o.logger.Debug("compressed file", "file", f.Name,
				"from", humanize.Bytes(uint64(f.Size)), "to", humanize.Bytes(uint64(c.Size)))
			files[i] = c
		}
	}
	if o.cfg.PrepareFiles != nil {
		prepared, err := o.cfg.PrepareFiles(ctx, files)
		if err != nil {
			return err
		}
		if len(prepared) != len(files) {
			return fmt.Errorf("prepare files returned %d files for %d", len(prepared), len(files))
		}
		files = prepared
	}

	o.mu.Lock()
	for i, e := range batch {
		e.file = files[i]
		e.state.Name = files[i].Name
		e.state.Type = files[i].Type
		e.state.Total = files[i].Size
	}
	o.mu.Unlock()
	return nil
}

// attempt runs one upload of e if e is in state from. fresh discards any
// stored credential and counts a retry.
func (o *Orchestrator) attempt(ctx context.Context, e *entry, from FileStatus, fresh bool) error {
	o.mu.Lock()
	if e.state.Status != from {
		o.mu.Unlock()
		return ErrInvalidTransition
	}
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	e.gen++
	gen := e.gen
	e.cancel = cancel
	e.done = make(chan struct{})
	done := e.done
	e.state.Status = StatusUploading
	e.state.Loaded = 0
	e.state.Err = nil
	if fresh {
		e.state.RetryCount++
		e.cred = nil
	}
	if e.cred != nil && !o.credentialValid(e) {
		e.cred = nil
	}
	file, cred, started := e.file, e.cred, e.state
	o.mu.Unlock()

	if cb := o.cfg.Callbacks.OnFileUploadStart; cb != nil {
		cb(started)
	}

	cred, err := o.upload(attemptCtx, e, gen, file, cred)

	o.mu.Lock()
	cause := context.Cause(attemptCtx)
	switch {
	case err == nil:
		e.state.Status = StatusCompleted
		e.state.Loaded = e.state.Total
		e.state.Key = cred.Key
		e.state.PublicURL = cred.PublicURL
		e.cred = nil
	case errors.Is(cause, errPaused):
		e.state.Status = StatusPaused
		err = nil
	case errors.Is(cause, errCanceled):
		e.state.Status = StatusCanceled
		err = nil
	default:
		ue, _ := simpleupload.AsUploadError(err)
		e.state.Status = StatusFailed
		e.state.Err = ue
		if ue.Type == simpleupload.ErrExpiredURL {
			e.cred = nil
		}
	}
	e.cancel = nil
	final := e.state
	completed, tracked := o.filesLocked()
	close(done)
	o.mu.Unlock()

	cb := o.cfg.Callbacks
	switch final.Status {
	case StatusCompleted:
		o.logger.Info("upload completed", "file", final.Name, "key", final.Key, "size", humanize.Bytes(uint64(final.Total)))
		if cb.OnFileUploadComplete != nil {
			cb.OnFileUploadComplete(final, final.Key)
		}
		if cb.OnTotalFilesProgress != nil {
			cb.OnTotalFilesProgress(completed, tracked)
		}
	case StatusFailed:
		o.logger.Warn("upload failed", "file", final.Name, "type", final.Err.Type, "retryable", final.Err.Retryable, "err", final.Err.Message)
		if cb.OnFileUploadFail != nil {
			cb.OnFileUploadFail(final, final.Err)
		}
	default:
		o.logger.Info("upload interrupted", "file", final.Name, "status", final.Status)
	}
	return err
}

// upload requests a credential when cred is nil and PUTs the file. Every
// error is an *UploadError.
func (o *Orchestrator) upload(ctx context.Context, e *entry, gen int, file File, cred *simpleupload.PresignedURLResponse) (*simpleupload.PresignedURLResponse, error) {
	if cred == nil {
		req := CredentialRequest{
			Name:     file.Name,
			Type:     file.Type,
			Size:     uint64(file.Size),
			Provider: o.cfg.Provider,
			Multiple: o.cfg.Multiple,
			Accept:   o.cfg.Accept,
		}
		if o.cfg.MaxFileSize > 0 {
			limit := o.cfg.MaxFileSize
			req.MaxFileSize = &limit
		}

		c, err := o.credentials.RequestCredential(ctx, req)
		if err != nil {
			return nil, simpleupload.Normalize(err, simpleupload.ErrUnknownUpload, 0)
		}
		cred = c
		o.mu.Lock()
		e.cred, e.issued = c, o.now()
		o.mu.Unlock()
	}

	rc, err := file.Open()
	if err != nil {
		return nil, simpleupload.WrapUploadError(simpleupload.ErrUnknownUpload, 0, err)
	}
	defer rc.Close()

	_, err = o.uploader.Put(ctx, cred.UploadURL, rc, file.Size, transport.PutOptions{
		ContentType: file.Type,
		Provider:    o.cfg.Provider,
		OnProgress:  func(p transport.Progress) { o.progress(e, gen, p) },
	})
	if err != nil {
		return nil, simpleupload.Normalize(err, simpleupload.ErrUnknownUpload, 0)
	}
	return cred, nil
}

func (o *Orchestrator) filesLocked() (completed, total int) {
	for _, e := range o.order {
		if e.state.Status == StatusCompleted {
			completed++
		}
	}
	return completed, len(o.order)
}

func (o *Orchestrator) credentialValid(e *entry) bool {
	lifetime := time.Duration(e.cred.ExpiresIn)*time.Second - credentialSkew
	return o.now().Before(e.issued.Add(lifetime))
}

func (o *Orchestrator) progress(e *entry, gen int, p transport.Progress) {
	o.mu.Lock()
	if e.gen != gen || e.state.Status != StatusUploading || p.Loaded < e.state.Loaded {
		o.mu.Unlock()
		return
	}
	e.state.Loaded = p.Loaded
	state := e.state
	loaded, total := o.bytesLocked()
	o.mu.Unlock()

	cb := o.cfg.Callbacks
	if cb.OnFileUploadProgress != nil {
		cb.OnFileUploadProgress(state, p)
	}
	if cb.OnTotalUploadProgress != nil {
		cb.OnTotalUploadProgress(loaded, total)
	}
}

// Pause stops an UPLOADING file and blocks until its transfer has ended.
// Pausing a file in any other state is a no-op.
func (o *Orchestrator) Pause(id string) error {
	return o.interrupt(id, errPaused)
}

// Resume restarts the PUT of a PAUSED file from the first byte and waits
// for it to settle. The stored credential is reused while it is valid.
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	e, err := o.lookup(id)
	if err != nil {
		return err
	}
	err = o.attempt(ctx, e, StatusPaused, false)
	o.settle()
	return err
}

// Retry re-uploads a FAILED file with a fresh credential and waits for it
// to settle. It increments the file's retry count.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	e, err := o.lookup(id)
	if err != nil {
		return err
	}
	err = o.attempt(ctx, e, StatusFailed, true)
	o.settle()
	return err
}

// Cancel stops a file for good. A COMPLETED file is left alone.
func (o *Orchestrator) Cancel(id string) error {
	if err := o.interrupt(id, errCanceled); err != nil {
		return err
	}

	o.mu.Lock()
	if e := o.byID[id]; e != nil {
		switch e.state.Status {
		case StatusPending, StatusPaused, StatusFailed:
			e.state.Status = StatusCanceled
			e.cred = nil
		}
	}
	o.mu.Unlock()
	o.settle()
	return nil
}

func (o *Orchestrator) interrupt(id string, cause error) error {
	o.mu.Lock()
	e, ok := o.byID[id]
	if !ok {
		o.mu.Unlock()
		return ErrUnknownFile
	}
	if e.state.Status != StatusUploading || e.cancel == nil {
		o.mu.Unlock()
		return nil
	}
	e.cancel(cause)
	done := e.done
	o.mu.Unlock()

	<-done
	return nil
}

// Reset cancels every running upload and forgets all files. Files still
// queued in a batch are canceled so they never start.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	var running []chan struct{}
	for _, e := range o.order {
		switch {
		case e.cancel != nil:
			e.cancel(errCanceled)
			running = append(running, e.done)
		case e.state.Status != StatusCompleted:
			e.state.Status = StatusCanceled
			e.cred = nil
		}
	}
	o.mu.Unlock()

	for _, done := range running {
		<-done
	}

	o.mu.Lock()
	o.clearLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) clearLocked() {
	o.order = nil
	o.byID = make(map[string]*entry)
	o.status = AggregatePending
}

// settle recomputes the aggregate status and reports a selection that just
// became SUCCESSFUL.
func (o *Orchestrator) settle() {
	o.mu.Lock()
	prev := o.status
	var uploading, failed, paused, completed int
	var keys []string
	for _, e := range o.order {
		switch e.state.Status {
		case StatusUploading:
			uploading++
		case StatusFailed:
			failed++
		case StatusPaused:
			paused++
		case StatusCompleted:
			completed++
			keys = append(keys, e.state.Key)
		}
	}
	switch {
	case uploading > 0, paused > 0 && failed == 0:
		o.status = AggregateOngoing
	case failed > 0:
		o.status = AggregateFailed
	case completed > 0:
		o.status = AggregateSuccessful
	default:
		o.status = AggregatePending
	}
	now := o.status
	o.mu.Unlock()

	if now == AggregateSuccessful && prev != AggregateSuccessful {
		if cb := o.cfg.Callbacks.OnFilesUploadComplete; cb != nil {
			cb(keys)
		}
	}
}

func (o *Orchestrator) lookup(id string) (*entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byID[id]
	if !ok {
		return nil, ErrUnknownFile
	}
	return e, nil
}

// TotalProgress is the mean of every tracked file's percentage. Empty
// files count as 0%.
func (o *Orchestrator) TotalProgress() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.order) == 0 {
		return 0
	}
	var sum float64
	for _, e := range o.order {
		sum += e.state.Percentage()
	}
	return sum / float64(len(o.order))
}

func (o *Orchestrator) bytesLocked() (loaded, total int64) {
	for _, e := range o.order {
		loaded += e.state.Loaded
		total += e.state.Total
	}
	return loaded, total
}

// Status returns the aggregate status.
func (o *Orchestrator) Status() AggregateStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// File returns a snapshot of one file.
func (o *Orchestrator) File(id string) (FileState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.byID[id]
	if !ok {
		return FileState{}, false
	}
	return e.state, true
}

// Files returns snapshots of all files in enqueue order.
func (o *Orchestrator) Files() []FileState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]FileState, len(o.order))
	for i, e := range o.order {
		out[i] = e.state
	}
	return out
}

func (o *Orchestrator) warn(msg string) {
	o.logger.Warn(msg)
	if cb := o.cfg.Callbacks.OnWarn; cb != nil {
		cb(msg)
	}
}

func (o *Orchestrator) emitError(msg string) {
	if cb := o.cfg.Callbacks.OnError; cb != nil {
		cb(msg)
	}
}

func messageOf(err error) string {
	if ue, ok := simpleupload.AsUploadError(err); ok {
		return ue.Message
	}
	return err.Error()
}
