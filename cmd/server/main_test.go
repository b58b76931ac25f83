package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"download-queue/internal/queue"
	"download-queue/internal/sink"
)

func TestShutdownReleasesBlockedSubmissions(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	release := make(chan struct{})
	hold := queue.FetcherFunc(func(ctx context.Context, locator string, s queue.Sink, opts queue.TransferOptions) (int64, error) {
		<-release
		return 0, nil
	})
	q, err := queue.New(hold, queue.Config{Capacity: 1, Logger: logger})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() {
		close(release)
		q.Close()
	})
	if _, err := q.Add(context.Background(), queue.Task{Locator: "https://example.com/busy", Sink: sink.NewWriter("busy", io.Discard, false)}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := q.Add(r.Context(), queue.Task{Locator: "https://example.com/next", Sink: sink.NewWriter("next", io.Discard, false)})
		if errors.Is(err, queue.ErrQueueClosed) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)

	status := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/downloads")
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()

	deadline := time.Now().Add(5 * time.Second)
	for q.Stats().Waiting != 1 {
		if time.Now().After(deadline) {
			t.Fatal("request never blocked on the full queue")
		}
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	err = shutdown(logger, srv, q, 10*time.Second, 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the held download to outlive the drain timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("shutdown waited %s for a blocked submission", elapsed)
	}
	if got := <-status; got != http.StatusServiceUnavailable {
		t.Fatalf("expected blocked submission to get 503, got %d", got)
	}
}
