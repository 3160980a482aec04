package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/transport"
)

type fakeCredentials struct {
	mu     sync.Mutex
	issued map[string]int
	fail   map[string]error
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{issued: map[string]int{}, fail: map[string]error{}}
}

func (f *fakeCredentials) RequestCredential(ctx context.Context, req CredentialRequest) (*simpleupload.PresignedURLResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[req.Name]; err != nil {
		return nil, err
	}
	f.issued[req.Name]++
	n := f.issued[req.Name]
	return &simpleupload.PresignedURLResponse{
		Key:       fmt.Sprintf("key-%s-%d", req.Name, n),
		UploadURL: fmt.Sprintf("https://bucket.example.com/%s?attempt=%d", req.Name, n),
		PublicURL: "https://bucket.example.com/" + req.Name,
		ExpiresIn: 3600,
	}, nil
}

func (f *fakeCredentials) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issued[name]
}

// fakeUploader reports half and full progress. failures[url prefix] makes
// the next N PUTs of that file fail; block makes PUTs wait for ctx.
type fakeUploader struct {
	mu       sync.Mutex
	failures map[string]int
	failWith error
	block    bool
	started  chan string
	bodies   map[string][]byte
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		failures: map[string]int{},
		failWith: simpleupload.NewUploadError(simpleupload.ErrNetwork, 0, "connection reset"),
		started:  make(chan string, 16),
		bodies:   map[string][]byte{},
	}
}

func (f *fakeUploader) Put(ctx context.Context, url string, body io.Reader, size int64, opts transport.PutOptions) (*transport.Result, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	name := url[len("https://bucket.example.com/"):]
	name = name[:bytes.IndexByte([]byte(name), '?')]

	f.mu.Lock()
	block := f.block
	fail := f.failures[name] > 0
	if fail {
		f.failures[name]--
	}
	f.bodies[name] = data
	f.mu.Unlock()

	if opts.OnProgress != nil {
		opts.OnProgress(transport.NewProgress(size/2, size))
	}
	if block {
		f.started <- name
		<-ctx.Done()
		return nil, simpleupload.WrapUploadError(simpleupload.ErrNetwork, 0, ctx.Err())
	}
	if fail {
		return nil, f.failWith
	}
	if opts.OnProgress != nil {
		opts.OnProgress(transport.NewProgress(size, size))
	}
	return &transport.Result{Status: http.StatusOK, ETag: `"etag"`}, nil
}

func (f *fakeUploader) setBlock(b bool) {
	f.mu.Lock()
	f.block = b
	f.mu.Unlock()
}

type recorder struct {
	mu         sync.Mutex
	warnings   []string
	errors     []string
	mismatches []string
	failed     []string
	completed  []string
	batchKeys  [][]string
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnWarn:  func(m string) { r.mu.Lock(); r.warnings = append(r.warnings, m); r.mu.Unlock() },
		OnError: func(m string) { r.mu.Lock(); r.errors = append(r.errors, m); r.mu.Unlock() },
		OnFileTypeMismatch: func(f File, accept string) {
			r.mu.Lock()
			r.mismatches = append(r.mismatches, f.Name+" "+accept)
			r.mu.Unlock()
		},
		OnFileUploadFail: func(s FileState, _ *simpleupload.UploadError) {
			r.mu.Lock()
			r.failed = append(r.failed, s.Name)
			r.mu.Unlock()
		},
		OnFileUploadComplete: func(s FileState, key string) {
			r.mu.Lock()
			r.completed = append(r.completed, key)
			r.mu.Unlock()
		},
		OnFilesUploadComplete: func(keys []string) {
			r.mu.Lock()
			r.batchKeys = append(r.batchKeys, keys)
			r.mu.Unlock()
		},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *fakeCredentials, *fakeUploader, *recorder) {
	t.Helper()
	creds, up, rec := newFakeCredentials(), newFakeUploader(), &recorder{}
	if cfg.Provider == "" {
		cfg.Provider = simpleupload.ProviderAWS
	}
	cfg.Credentials = creds
	cfg.Uploader = up
	cfg.Callbacks = rec.callbacks()
	cfg.Logger = quietLogger()
	o, err := New(cfg)
	require.NoError(t, err)
	return o, creds, up, rec
}

func textFile(name, content string) File {
	return BytesFile(name, "text/plain", []byte(content))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Provider: "ftp", TokenEndpoint: "http://x"})
	assert.Error(t, err)
	_, err = New(Config{Provider: simpleupload.ProviderAWS})
	assert.Error(t, err)
	_, err = New(Config{Provider: simpleupload.ProviderAWS, TokenEndpoint: "http://x"})
	assert.NoError(t, err)
}

func TestProceedUpload_PartialFailureThenRetry(t *testing.T) {
	o, creds, up, rec := newTestOrchestrator(t, Config{Multiple: true})
	up.failures["2.txt"] = 1

	accepted := o.Enqueue(textFile("1.txt", "one"), textFile("2.txt", "two"), textFile("3.txt", "three"))
	require.Len(t, accepted, 3)
	assert.Equal(t, AggregatePending, o.Status())

	result, err := o.ProceedUpload(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Succeeded, 2)
	require.Len(t, result.Failed, 1)
	assert.Empty(t, result.Interrupted)

	failed := result.Failed[0]
	assert.Equal(t, "2.txt", failed.Name)
	assert.Equal(t, StatusFailed, failed.Status)
	require.NotNil(t, failed.Err)
	assert.True(t, failed.Err.Retryable)
	assert.Equal(t, simpleupload.ErrNetwork, failed.Err.Type)
	assert.Equal(t, AggregateFailed, o.Status())
	assert.Equal(t, []string{"2.txt"}, rec.failed)
	assert.Empty(t, rec.batchKeys)
	assert.Len(t, rec.errors, 1)

	for _, s := range result.Succeeded {
		st, ok := o.File(s.ID)
		require.True(t, ok)
		assert.Equal(t, StatusCompleted, st.Status)
		assert.Equal(t, st.Total, st.Loaded)
	}

	require.NoError(t, o.Retry(context.Background(), failed.ID))
	st, _ := o.File(failed.ID)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, st.RetryCount)
	assert.Nil(t, st.Err)
	assert.Equal(t, "key-2.txt-2", st.Key)
	assert.Equal(t, 2, creds.count("2.txt"), "retry requests a fresh credential")

	assert.Equal(t, AggregateSuccessful, o.Status())
	require.Len(t, rec.batchKeys, 1)
	assert.ElementsMatch(t, []string{"key-1.txt-1", "key-2.txt-2", "key-3.txt-1"}, rec.batchKeys[0])
	assert.Equal(t, float64(100), o.TotalProgress())
}

func TestProceedUpload_NothingQueued(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, Config{})
	result, err := o.ProceedUpload(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Succeeded)
	assert.Empty(t, result.Failed)
	assert.Equal(t, AggregatePending, o.Status())
}

func TestProceedUpload_CredentialError(t *testing.T) {
	o, creds, _, _ := newTestOrchestrator(t, Config{})
	creds.fail["a.txt"] = simpleupload.NewUploadError(simpleupload.ErrFileValidation, http.StatusRequestEntityTooLarge, "too big")
	o.Enqueue(textFile("a.txt", "a"))

	result, err := o.ProceedUpload(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, simpleupload.ErrFileValidation, result.Failed[0].Err.Type)
	assert.False(t, result.Failed[0].Err.Retryable)
}

func TestProceedUpload_UntypedErrorsAreNormalized(t *testing.T) {
	o, creds, _, _ := newTestOrchestrator(t, Config{})
	creds.fail["a.txt"] = errors.New("boom")
	o.Enqueue(textFile("a.txt", "a"))

	result, err := o.ProceedUpload(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, simpleupload.ErrUnknownUpload, result.Failed[0].Err.Type)
}

func TestRetry_ExpiredURL(t *testing.T) {
	o, creds, up, _ := newTestOrchestrator(t, Config{})
	up.failWith = simpleupload.NewUploadError(simpleupload.ErrExpiredURL, http.StatusForbidden, "Request has expired")
	up.failures["a.txt"] = 1
	o.Enqueue(textFile("a.txt", "a"))

	result, err := o.ProceedUpload(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.True(t, result.Failed[0].Err.Retryable)

	require.NoError(t, o.Retry(context.Background(), result.Failed[0].ID))
	assert.Equal(t, 2, creds.count("a.txt"))
	assert.Equal(t, AggregateSuccessful, o.Status())
}

func TestEnqueue_Guards(t *testing.T) {
	accept := "image/*"
	o, _, _, rec := newTestOrchestrator(t, Config{Multiple: true, Limit: 3, Accept: &accept, MaxFileSize: 10})

	img := func(name string, size int) File {
		f := BytesFile(name, "image/png", bytes.Repeat([]byte{1}, size))
		return f
	}
	dupSource := img("other.png", 1)
	dupSource.Source = "/tmp/a.png"
	first := img("a.png", 1)
	first.Source = "/tmp/a.png"

	accepted := o.Enqueue(
		first,
		img("a.png", 2),         // duplicate name
		dupSource,               // duplicate source
		textFile("doc.txt", "x"), // type mismatch
		img("huge.png", 11),     // too large
		img("b.png", 1),
		img("c.png", 1),
		img("d.png", 1), // over limit
	)

	names := make([]string, 0, len(accepted))
	for _, s := range accepted {
		names = append(names, s.Name)
		assert.NotEmpty(t, s.ID)
		assert.Equal(t, StatusPending, s.Status)
	}
	assert.Equal(t, []string{"a.png", "b.png", "c.png"}, names)
	assert.Equal(t, []string{"doc.txt image/*"}, rec.mismatches)
	assert.Len(t, rec.warnings, 4)
	assert.Len(t, o.Files(), 3)
}

func TestEnqueue_SingleFile(t *testing.T) {
	o, _, _, rec := newTestOrchestrator(t, Config{})
	accepted := o.Enqueue(textFile("a.txt", "a"), textFile("b.txt", "b"))
	assert.Len(t, accepted, 1)
	assert.Len(t, rec.warnings, 1)
}

func TestEnqueue_AfterTerminalStateResets(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, Config{Multiple: true})
	o.Enqueue(textFile("a.txt", "a"))
	_, err := o.ProceedUpload(context.Background())
	require.NoError(t, err)
	require.Equal(t, AggregateSuccessful, o.Status())

	o.Enqueue(textFile("a.txt", "again"))
	assert.Equal(t, AggregatePending, o.Status())
	files := o.Files()
	require.Len(t, files, 1)
	assert.Equal(t, StatusPending, files[0].Status)
}

func TestPauseResume(t *testing.T) {
	o, creds, up, _ := newTestOrchestrator(t, Config{})
	up.setBlock(true)
	st := o.Enqueue(textFile("a.txt", "hello"))[0]

	type outcome struct {
		result *BatchResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := o.ProceedUpload(context.Background())
		done <- outcome{r, err}
	}()

	select {
	case <-up.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload did not start")
	}
	cur, _ := o.File(st.ID)
	assert.Equal(t, StatusUploading, cur.Status)
	assert.Equal(t, AggregateOngoing, o.Status())

	require.NoError(t, o.Pause(st.ID))
	cur, _ = o.File(st.ID)
	assert.Equal(t, StatusPaused, cur.Status)

	out := <-done
	require.NoError(t, out.err)
	require.Len(t, out.result.Interrupted, 1)
	assert.Equal(t, AggregateOngoing, o.Status())

	// Pausing again is a no-op; retry is only valid for failed files.
	require.NoError(t, o.Pause(st.ID))
	assert.ErrorIs(t, o.Retry(context.Background(), st.ID), ErrInvalidTransition)

	up.setBlock(false)
	require.NoError(t, o.Resume(context.Background(), st.ID))
	cur, _ = o.File(st.ID)
	assert.Equal(t, StatusCompleted, cur.Status)
	assert.Equal(t, 1, creds.count("a.txt"), "a valid credential is reused on resume")
	assert.Equal(t, []byte("hello"), up.bodies["a.txt"], "resume re-sends the whole file")
	assert.Equal(t, AggregateSuccessful, o.Status())

	assert.ErrorIs(t, o.Resume(context.Background(), st.ID), ErrInvalidTransition)
	assert.NoError(t, o.Pause(st.ID), "pausing a completed file is a no-op")
}

func TestResume_ExpiredCredentialIsReplaced(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time { mu.Lock(); defer mu.Unlock(); return now }

	o, creds, up, _ := newTestOrchestrator(t, Config{Now: clock})
	up.setBlock(true)
	st := o.Enqueue(textFile("a.txt", "hello"))[0]

	go o.ProceedUpload(context.Background())
	<-up.started
	require.NoError(t, o.Pause(st.ID))

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	up.setBlock(false)
	require.NoError(t, o.Resume(context.Background(), st.ID))
	assert.Equal(t, 2, creds.count("a.txt"))
}

func TestCancel(t *testing.T) {
	o, _, up, _ := newTestOrchestrator(t, Config{Multiple: true})
	up.setBlock(true)
	states := o.Enqueue(textFile("a.txt", "a"), textFile("b.txt", "b"))

	done := make(chan *BatchResult, 1)
	go func() {
		r, _ := o.ProceedUpload(context.Background())
		done <- r
	}()
	<-up.started
	<-up.started

	require.NoError(t, o.Cancel(states[0].ID))
	require.NoError(t, o.Cancel(states[1].ID))
	result := <-done
	assert.Len(t, result.Interrupted, 2)

	for _, s := range o.Files() {
		assert.Equal(t, StatusCanceled, s.Status)
	}
	assert.ErrorIs(t, o.Resume(context.Background(), states[0].ID), ErrInvalidTransition)
	assert.ErrorIs(t, o.Cancel("nope"), ErrUnknownFile)
	assert.Equal(t, AggregatePending, o.Status())
}

func TestCancel_PendingFile(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, Config{Multiple: true})
	states := o.Enqueue(textFile("a.txt", "a"), textFile("b.txt", "b"))
	require.NoError(t, o.Cancel(states[0].ID))

	result, err := o.ProceedUpload(context.Background())
	require.NoError(t, err)
	assert.Len(t, result.Succeeded, 1)
	cur, _ := o.File(states[0].ID)
	assert.Equal(t, StatusCanceled, cur.Status)
}

func TestReset(t *testing.T) {
	o, _, up, _ := newTestOrchestrator(t, Config{})
	up.setBlock(true)
	o.Enqueue(textFile("a.txt", "a"))

	done := make(chan struct{})
	go func() {
		o.ProceedUpload(context.Background())
		close(done)
	}()
	<-up.started

	o.Reset()
	<-done
	assert.Empty(t, o.Files())
	assert.Equal(t, AggregatePending, o.Status())
}

func TestReset_QueuedFilesNeverStart(t *testing.T) {
	o, creds, up, _ := newTestOrchestrator(t, Config{Multiple: true, Concurrency: 1})
	up.setBlock(true)
	o.Enqueue(textFile("a.txt", "a"), textFile("b.txt", "b"))

	done := make(chan *BatchResult, 1)
	go func() {
		r, _ := o.ProceedUpload(context.Background())
		done <- r
	}()
	assert.Equal(t, "a.txt", <-up.started)

	o.Reset()
	result := <-done
	assert.Empty(t, o.Files())
	assert.Len(t, result.Interrupted, 2)
	assert.Zero(t, creds.count("b.txt"))
	assert.Empty(t, up.started)
}

func TestTotalProgress(t *testing.T) {
	o, _, up, _ := newTestOrchestrator(t, Config{Multiple: true})
	assert.Zero(t, o.TotalProgress())

	up.failures["b.txt"] = 1
	o.Enqueue(textFile("a.txt", "aaaa"), textFile("b.txt", "bbbb"))
	_, err := o.ProceedUpload(context.Background())
	require.NoError(t, err)

	// a: 100%, b: failed after half its bytes.
	assert.InDelta(t, 75.0, o.TotalProgress(), 0.001)
	assert.Zero(t, FileState{Loaded: 5}.Percentage())
}

func TestProgressCallbacks(t *testing.T) {
	var mu sync.Mutex
	var perFile []transport.Progress
	var totals [][2]int64

	creds, up := newFakeCredentials(), newFakeUploader()
	o, err := New(Config{
		Provider:    simpleupload.ProviderAWS,
		Credentials: creds,
		Uploader:    up,
		Logger:      quietLogger(),
		Callbacks: Callbacks{
			OnFileUploadProgress: func(_ FileState, p transport.Progress) {
				mu.Lock()
				perFile = append(perFile, p)
				mu.Unlock()
			},
			OnTotalUploadProgress: func(loaded, total int64) {
				mu.Lock()
				totals = append(totals, [2]int64{loaded, total})
				mu.Unlock()
			},
		},
	})
	require.NoError(t, err)

	o.Enqueue(textFile("a.txt", "abcdefgh"))
	_, err = o.ProceedUpload(context.Background())
	require.NoError(t, err)

	require.Len(t, perFile, 2)
	assert.Equal(t, float64(50), perFile[0].Percentage)
	assert.Equal(t, float64(100), perFile[1].Percentage)
	assert.Equal(t, [2]int64{8, 8}, totals[len(totals)-1])
}

func TestFilesProgressCallback(t *testing.T) {
	var mu sync.Mutex
	var counts [][2]int

	creds, up := newFakeCredentials(), newFakeUploader()
	up.failures["b.txt"] = 1
	o, err := New(Config{
		Provider:    simpleupload.ProviderAWS,
		Multiple:    true,
		Concurrency: 1,
		Credentials: creds,
		Uploader:    up,
		Logger:      quietLogger(),
		Callbacks: Callbacks{
			OnTotalFilesProgress: func(completed, total int) {
				mu.Lock()
				counts = append(counts, [2]int{completed, total})
				mu.Unlock()
			},
		},
	})
	require.NoError(t, err)

	o.Enqueue(textFile("a.txt", "a"), textFile("b.txt", "b"), textFile("c.txt", "c"))
	_, err = o.ProceedUpload(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [][2]int{{1, 3}, {2, 3}}, counts, "failed files are not counted")
}

func TestShouldCompress(t *testing.T) {
	o, _, up, _ := newTestOrchestrator(t, Config{ShouldCompress: true})
	content := bytes.Repeat([]byte("compress me "), 100)
	o.Enqueue(BytesFile("a.txt", "text/plain", content))

	result, err := o.ProceedUpload(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Succeeded, 1)
	assert.Less(t, result.Succeeded[0].Total, int64(len(content)))

	zr, err := gzip.NewReader(bytes.NewReader(up.bodies["a.txt"]))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, content, plain)
}

func TestPrepareFiles(t *testing.T) {
	o, creds, _, _ := newTestOrchestrator(t, Config{
		PrepareFiles: func(_ context.Context, files []File) ([]File, error) {
			out := make([]File, len(files))
			for i, f := range files {
				f.Name = "prepared-" + f.Name
				out[i] = f
			}
			return out, nil
		},
	})
	o.Enqueue(textFile("a.txt", "a"))
	result, err := o.ProceedUpload(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Succeeded, 1)
	assert.Equal(t, "prepared-a.txt", result.Succeeded[0].Name)
	assert.Equal(t, 1, creds.count("prepared-a.txt"))
}

func TestPrepareFiles_Error(t *testing.T) {
	o, _, _, rec := newTestOrchestrator(t, Config{
		PrepareFiles: func(_ context.Context, files []File) ([]File, error) {
			return nil, nil
		},
	})
	o.Enqueue(textFile("a.txt", "a"))
	_, err := o.ProceedUpload(context.Background())
	ue, ok := simpleupload.AsUploadError(err)
	require.True(t, ok)
	assert.Equal(t, simpleupload.ErrUnknownUpload, ue.Type)
	assert.Equal(t, AggregateFailed, o.Status())
	assert.Len(t, rec.errors, 1)
}
