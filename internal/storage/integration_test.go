//go:build integration

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	minioAccessKey = "minioadmin"
	minioSecretKey = "minioadmin"
	testBucket     = "downloads"
)

func startMinio(t *testing.T, ctx context.Context) string {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioAccessKey,
				"MINIO_ROOT_PASSWORD": minioSecretKey,
			},
			Cmd:        []string{"server", "/data"},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate minio container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func TestIntegrationS3Sink(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	endpoint := startMinio(t, ctx)
	client, err := NewS3Client(ctx, S3Options{
		Region:    "us-east-1",
		Endpoint:  endpoint,
		AccessKey: minioAccessKey,
		SecretKey: minioSecretKey,
	})
	if err != nil {
		t.Fatalf("NewS3Client: %v", err)
	}
	if _, err := client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(testBucket)}); err != nil {
		t.Fatalf("create bucket: %v", err)
	}

	svc := NewS3Service(client)
	payload := bytes.Repeat([]byte("0123456789"), 700_000) // spans two multipart parts

	t.Run("commit", func(t *testing.T) {
		w, err := svc.Sink(testBucket, "movies/big.bin").Open(ctx)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if _, err := io.Copy(w, bytes.NewReader(payload)); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		objects, err := svc.ListObjects(ctx, testBucket, "movies/")
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		if len(objects) != 1 || objects[0].Size != int64(len(payload)) {
			t.Fatalf("unexpected listing %+v", objects)
		}

		link, err := svc.GetObjectURL(ctx, testBucket, "movies/big.bin", time.Minute)
		if err != nil {
			t.Fatalf("GetObjectURL: %v", err)
		}
		resp, err := http.Get(link)
		if err != nil {
			t.Fatalf("get presigned url: %v", err)
		}
		defer resp.Body.Close()
		got, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK || !bytes.Equal(got, payload) {
			t.Fatalf("presigned download returned %d with %d bytes", resp.StatusCode, len(got))
		}
	})

	t.Run("abort", func(t *testing.T) {
		w, err := svc.Sink(testBucket, "aborted/x.bin").Open(ctx)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		_, _ = io.Copy(w, strings.NewReader("partial"))
		if err := w.Abort(); err != nil {
			t.Fatalf("Abort: %v", err)
		}
		objects, err := svc.ListObjects(ctx, testBucket, "aborted/")
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		if len(objects) != 0 {
			t.Fatalf("expected no object after abort, got %+v", objects)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := svc.DeletePrefix(ctx, testBucket, "movies/"); err != nil {
			t.Fatalf("DeletePrefix: %v", err)
		}
		objects, err := svc.ListObjects(ctx, testBucket, "")
		if err != nil {
			t.Fatalf("ListObjects: %v", err)
		}
		if len(objects) != 0 {
			t.Fatalf("expected empty bucket, got %+v", objects)
		}
	})
}
