package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gocloud.dev/blob/memblob"

	"download-queue/internal/domain"
	"download-queue/internal/queue"
	"download-queue/internal/repository"
	"download-queue/internal/repository/sqlite"
	"download-queue/internal/storage"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
}

func newFakeObjects() *fakeObjects { return &fakeObjects{objects: make(map[string][]byte)} }

func (f *fakeObjects) Sink(bucket, key string) queue.Sink {
	return &fakeObjectSink{store: f, uri: storage.URI(bucket, key)}
}

func (f *fakeObjects) ListObjects(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (f *fakeObjects) DeleteObject(ctx context.Context, bucket, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	uri := storage.URI(bucket, key)
	delete(f.objects, uri)
	f.deleted = append(f.deleted, uri)
	return nil
}

func (f *fakeObjects) DeletePrefix(ctx context.Context, bucket, prefix string) error { return nil }

func (f *fakeObjects) GetObjectURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	return "https://signed.example/" + bucket + "/" + key + "?expires=" + expires.String(), nil
}

type fakeObjectSink struct {
	store *fakeObjects
	uri   string
	buf   bytes.Buffer
}

func (s *fakeObjectSink) String() string { return s.uri }

func (s *fakeObjectSink) Open(ctx context.Context) (queue.SinkWriter, error) { return s, nil }

func (s *fakeObjectSink) Write(p []byte) (int, error) { return s.buf.Write(p) }

func (s *fakeObjectSink) Commit() error {
	s.store.mu.Lock()
	s.store.objects[s.uri] = s.buf.Bytes()
	s.store.mu.Unlock()
	return nil
}

func (s *fakeObjectSink) Abort() error { return nil }

// echoFetcher writes the locator into the sink, failing for locators
// containing "fail" and blocking for locators containing "hold" until
// release is closed.
type echoFetcher struct {
	release chan struct{}
	opts    chan queue.TransferOptions
}

func (f *echoFetcher) Transfer(ctx context.Context, locator string, s queue.Sink, opts queue.TransferOptions) (int64, error) {
	select {
	case f.opts <- opts:
	default:
	}
	if bytes.Contains([]byte(locator), []byte("hold")) {
		<-f.release
	}
	if bytes.Contains([]byte(locator), []byte("fail")) {
		return 0, errors.New("remote closed connection")
	}
	w, err := s.Open(ctx)
	if err != nil {
		return 0, err
	}
	n, err := io.WriteString(w, locator)
	if err != nil {
		_ = w.Abort()
		return int64(n), err
	}
	return int64(n), w.Commit()
}

type env struct {
	svc     DownloadService
	repo    repository.DownloadRepository
	queue   *queue.Queue
	objects *fakeObjects
	blob    *storage.Blob
	fetcher *echoFetcher
	dataDir string
}

func newEnv(t *testing.T, withStorage bool) *env {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "downloads.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := sqlite.NewDownloadRepository(db)
	if err := repo.Init(ctx); err != nil {
		t.Fatalf("init repo: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &echoFetcher{release: make(chan struct{}), opts: make(chan queue.TransferOptions, 16)}
	q, err := queue.New(f, queue.Config{
		Capacity: 2,
		Logger:   logger,
		Observer: NewHistoryObserver(repo, logger),
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() {
		select {
		case <-f.release:
		default:
			close(f.release)
		}
		q.Close()
	})

	e := &env{repo: repo, queue: q, fetcher: f, dataDir: t.TempDir()}
	var objects storage.Service
	if withStorage {
		e.objects = newFakeObjects()
		objects = e.objects
		e.blob = storage.NewBlob(memblob.OpenBucket(nil), "mem://")
		t.Cleanup(func() { e.blob.Close() })
	}

	e.svc = NewDownloadService(DownloadConfig{
		DataDir:  e.dataDir,
		Defaults: queue.TransferOptions{ChunkSize: 4096, Headers: map[string]string{"X-Default": "1"}},
		Logger:   logger,
	}, repo, q, objects, e.blob)
	return e
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.svc.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestSubmitLocalFile(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	d, err := e.svc.Submit(ctx, SubmitRequest{
		UserID:  3,
		Locator: "https://example.com/files/report.pdf",
		Headers: map[string]string{"X-Request": "a"},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.drain(t)

	want := filepath.Join(e.dataDir, "report.pdf")
	if d.Destination != want {
		t.Errorf("expected destination %s, got %s", want, d.Destination)
	}
	data, err := os.ReadFile(want)
	if err != nil || string(data) != "https://example.com/files/report.pdf" {
		t.Fatalf("unexpected file content %q (%v)", data, err)
	}

	got, err := e.svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.DownloadStatusCompleted || got.Bytes != int64(len(data)) || got.UserID != 3 {
		t.Errorf("unexpected record %+v", got)
	}

	opts := <-e.fetcher.opts
	if opts.ChunkSize != 4096 || opts.Headers["X-Default"] != "1" || opts.Headers["X-Request"] != "a" {
		t.Errorf("unexpected transfer options %+v", opts)
	}
}

func TestSubmitFailureIsRecorded(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	d, err := e.svc.Submit(ctx, SubmitRequest{Locator: "https://example.com/fail.bin", Destination: "out/"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.drain(t)

	got, err := e.svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.DownloadStatusFailed || got.ErrorMessage == "" {
		t.Fatalf("expected failed record with message, got %+v", got)
	}
	if _, err := os.Stat(filepath.Join(e.dataDir, "out", "fail.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Error("failed download left a file behind")
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"empty locator", SubmitRequest{}, ErrInvalidLocator},
		{"no scheme", SubmitRequest{Locator: "example.com/a"}, ErrInvalidLocator},
		{"escaping path", SubmitRequest{Locator: "https://x/a", Destination: "../etc/passwd"}, ErrInvalidDestination},
		{"absolute path", SubmitRequest{Locator: "https://x/a", Destination: "/tmp/a"}, ErrInvalidDestination},
		{"s3 without storage", SubmitRequest{Locator: "https://x/a", Destination: "s3://bucket/key"}, ErrStorageUnavailable},
		{"blob without storage", SubmitRequest{Locator: "https://x/a", Destination: "blob:key"}, ErrStorageUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.svc.Submit(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	all, err := e.svc.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("rejected submissions must not be persisted, got %d", len(all))
	}
}

func TestSubmitUnsupportedScheme(t *testing.T) {
	e := newEnv(t, false)
	svc := e.svc.(*downloadService)
	svc.cfg.Supported = func(locator string) bool { return false }

	if _, err := svc.Submit(context.Background(), SubmitRequest{Locator: "ftp://host/a"}); !errors.Is(err, ErrInvalidLocator) {
		t.Fatalf("expected ErrInvalidLocator, got %v", err)
	}
}

func TestSubmitAfterQueueClosed(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()
	if err := e.queue.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := e.svc.Submit(ctx, SubmitRequest{Locator: "https://x/a.bin"}); !errors.Is(err, queue.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	failed, err := e.repo.ListByStatuses(ctx, domain.DownloadStatusFailed)
	if err != nil {
		t.Fatalf("ListByStatuses: %v", err)
	}
	if len(failed) != 1 {
		t.Fatalf("expected the rejected download to be recorded as failed, got %d", len(failed))
	}
}

func TestObjectDestinations(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	s3d, err := e.svc.Submit(ctx, SubmitRequest{Locator: "https://example.com/a/movie.mkv", Destination: "s3://media/incoming/"})
	if err != nil {
		t.Fatalf("Submit s3: %v", err)
	}
	blobd, err := e.svc.Submit(ctx, SubmitRequest{Locator: "magnet:?xt=urn:btih:abc&dn=album.zip", Destination: "blob:music/"})
	if err != nil {
		t.Fatalf("Submit blob: %v", err)
	}
	e.drain(t)

	if s3d.Destination != "s3://media/incoming/movie.mkv" {
		t.Errorf("unexpected s3 destination %s", s3d.Destination)
	}
	if string(e.objects.objects[s3d.Destination]) != "https://example.com/a/movie.mkv" {
		t.Errorf("s3 object not written")
	}
	if blobd.Destination != "blob:music/album.zip" {
		t.Errorf("unexpected blob destination %s", blobd.Destination)
	}
	if data, err := e.blob.ReadAll(ctx, "music/album.zip"); err != nil || len(data) == 0 {
		t.Errorf("blob object not written: %v", err)
	}

	link, err := e.svc.Link(ctx, s3d.ID)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if link == "" {
		t.Error("expected a presigned link")
	}
	if _, err := e.svc.Link(ctx, blobd.ID); !errors.Is(err, ErrNoLink) {
		t.Errorf("expected ErrNoLink for blob destination, got %v", err)
	}

	if err := e.svc.Delete(ctx, s3d.ID, true); err != nil {
		t.Fatalf("Delete s3: %v", err)
	}
	if len(e.objects.deleted) != 1 || e.objects.deleted[0] != s3d.Destination {
		t.Errorf("expected s3 object purge, got %v", e.objects.deleted)
	}
	if err := e.svc.Delete(ctx, blobd.ID, true); err != nil {
		t.Fatalf("Delete blob: %v", err)
	}
	if _, err := e.blob.ReadAll(ctx, "music/album.zip"); err == nil {
		t.Error("blob object still present after purge")
	}
	if _, err := e.svc.Get(ctx, s3d.ID); !errors.Is(err, ErrDownloadNotFound) {
		t.Errorf("expected ErrDownloadNotFound, got %v", err)
	}
}

func TestDeleteActiveDownload(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	d, err := e.svc.Submit(ctx, SubmitRequest{Locator: "https://example.com/hold.bin"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := e.svc.Delete(ctx, d.ID, false); !errors.Is(err, ErrDownloadActive) {
		t.Fatalf("expected ErrDownloadActive, got %v", err)
	}
	if _, err := e.svc.Link(ctx, d.ID); !errors.Is(err, ErrDownloadActive) {
		t.Fatalf("expected ErrDownloadActive for link, got %v", err)
	}
	if s := e.svc.Stats(); s.Outstanding != 1 {
		t.Errorf("expected 1 outstanding task, got %d", s.Outstanding)
	}

	close(e.fetcher.release)
	e.drain(t)

	if err := e.svc.Delete(ctx, d.ID, true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(d.Destination); !errors.Is(err, os.ErrNotExist) {
		t.Error("expected local file to be purged")
	}
}

func TestSubmitRejectsBusyDestination(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	first, err := e.svc.Submit(ctx, SubmitRequest{Locator: "https://example.com/hold/video.mp4"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := e.svc.Submit(ctx, SubmitRequest{Locator: "https://mirror.example.com/hold/video.mp4"}); !errors.Is(err, ErrDestinationBusy) {
		t.Fatalf("expected ErrDestinationBusy, got %v", err)
	}
	if s := e.svc.Stats(); s.Outstanding != 1 {
		t.Fatalf("rejected submission reached the queue: %d outstanding", s.Outstanding)
	}

	close(e.fetcher.release)
	e.drain(t)

	data, err := os.ReadFile(first.Destination)
	if err != nil || string(data) != "https://example.com/hold/video.mp4" {
		t.Fatalf("unexpected file content %q (%v)", data, err)
	}

	again, err := e.svc.Submit(ctx, SubmitRequest{Locator: "https://mirror.example.com/video.mp4", Overwrite: true})
	if err != nil {
		t.Fatalf("Submit after completion: %v", err)
	}
	e.drain(t)
	got, err := e.svc.Get(ctx, again.ID)
	if err != nil || got.Status != domain.DownloadStatusCompleted {
		t.Fatalf("expected completed download, got %+v (%v)", got, err)
	}
}

func TestMarkInterrupted(t *testing.T) {
	e := newEnv(t, false)
	ctx := context.Background()

	if err := e.repo.Create(ctx, &domain.Download{ID: "stale", Locator: "https://x/a", Destination: "a"}); err != nil {
		t.Fatal(err)
	}
	n, err := e.svc.MarkInterrupted(ctx)
	if err != nil {
		t.Fatalf("MarkInterrupted: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 interrupted download, got %d", n)
	}
	d, err := e.svc.Get(ctx, "stale")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.Status != domain.DownloadStatusFailed || d.ErrorMessage != interruptedReason {
		t.Errorf("unexpected record %+v", d)
	}
}

func TestFileName(t *testing.T) {
	tests := []struct {
		locator string
		want    string
	}{
		{"https://example.com/a/b/file.tar.gz", "file.tar.gz"},
		{"https://example.com/", "id"},
		{"https://example.com", "id"},
		{"magnet:?xt=urn:btih:abc&dn=ubuntu.iso", "ubuntu.iso"},
		{"magnet:?xt=urn:btih:abc&dn=../evil", "id"},
		{"magnet:?xt=urn:btih:abc", "id"},
	}
	for _, tt := range tests {
		if got := fileName("id", tt.locator); got != tt.want {
			t.Errorf("fileName(%s) = %s, want %s", tt.locator, got, tt.want)
		}
	}
}
