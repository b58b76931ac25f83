package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"download-queue/internal/config"
	"download-queue/internal/fetcher"
	apphttp "download-queue/internal/http"
	"download-queue/internal/metrics"
	"download-queue/internal/queue"
	"download-queue/internal/repository/sqlite"
	"download-queue/internal/service"
	"download-queue/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Log.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
	}

	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		logger.Fatalf("auth jwt secret is required")
	}
	if strings.TrimSpace(cfg.Auth.RegisterPassword) == "" {
		logger.Fatalf("auth registration password is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	downloadRepo := sqlite.NewDownloadRepository(db)
	userRepo := sqlite.NewUserRepository(db)
	if err := downloadRepo.Init(ctx); err != nil {
		logger.Fatalf("init download repository: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	var objects storage.Service
	if cfg.Storage.Bucket != "" {
		client, err := storage.NewS3Client(ctx, storage.S3Options{
			Region:    cfg.Storage.Region,
			Endpoint:  cfg.Storage.Endpoint,
			Profile:   cfg.AWS.Profile,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
		})
		if err != nil {
			logger.Fatalf("setup storage: %v", err)
		}
		objects = storage.NewS3Service(client)
		logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	}

	var blobs *storage.Blob
	if cfg.Storage.BlobURL != "" {
		blobs, err = storage.OpenBlob(ctx, cfg.Storage.BlobURL)
		if err != nil {
			logger.Fatalf("open blob bucket: %v", err)
		}
		defer blobs.Close()
		logger.Infof("using blob bucket %s", blobs)
	}

	router := fetcher.NewRouter().Handle(fetcher.NewHTTP(fetcher.Options{
		UserAgent: cfg.Transfer.UserAgent,
		ChunkSize: cfg.Transfer.ChunkSize,
		Logger:    logger,
	}), "http", "https")
	if cfg.Torrent.Enabled {
		t, err := fetcher.NewTorrent(fetcher.TorrentOptions{DataDir: cfg.Torrent.DataDir, Logger: logger})
		if err != nil {
			logger.Fatalf("start torrent client: %v", err)
		}
		router.Handle(t, "magnet")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	queueMetrics, err := metrics.NewObserver(reg, metrics.Options{})
	if err != nil {
		logger.Fatalf("register metrics: %v", err)
	}

	q, err := queue.New(router, queue.Config{
		Capacity: cfg.Queue.Capacity,
		Logger:   logger,
		Observer: queue.Observers(
			queue.NewLogObserver(logger),
			service.NewHistoryObserver(downloadRepo, logger),
			queueMetrics,
		),
		OnAbandon: func(s queue.Stats) {
			logger.Errorf("download queue abandoned with %d downloads outstanding", s.Outstanding)
		},
	})
	if err != nil {
		logger.Fatalf("create queue: %v", err)
	}
	if err := metrics.RegisterQueueStats(reg, "", q.Stats); err != nil {
		logger.Fatalf("register queue metrics: %v", err)
	}

	downloadService := service.NewDownloadService(service.DownloadConfig{
		DataDir:   cfg.Download.DataDir,
		Overwrite: cfg.Download.Overwrite,
		Defaults: queue.TransferOptions{
			ChunkSize: cfg.Transfer.ChunkSize,
			Timeout:   cfg.Transfer.Timeout,
		},
		Supported:     router.Supports,
		PresignExpiry: cfg.Storage.PresignExpiry,
		Logger:        logger,
	}, downloadRepo, q, objects, blobs)
	userService := service.NewUserService(userRepo, cfg.Auth.RegisterPassword)

	if _, err := downloadService.MarkInterrupted(ctx); err != nil {
		logger.Warnf("mark interrupted downloads: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Options{
		Downloads: downloadService,
		Users:     userService,
		Auth:      apphttp.NewAuthenticator(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute),
		Storage:   objects,
		Bucket:    cfg.Storage.Bucket,
		KeyPrefix: cfg.Storage.KeyPrefix,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:    logger,
	})
	handler.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: engine,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	if err := shutdown(logger, srv, q, 10*time.Second, cfg.Queue.ShutdownTimeout); err != nil {
		logger.Warnf("download queue did not drain: %v", err)
	}

	logger.Info("bye")
}

// shutdown closes the queue to new downloads before stopping the HTTP server,
// so handlers blocked on a full queue fail fast instead of holding the server
// open. A zero drainTimeout waits for every admitted download.
func shutdown(logger *logrus.Logger, srv *http.Server, q *queue.Queue, httpTimeout, drainTimeout time.Duration) error {
	drainCtx := context.Background()
	if drainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(drainCtx, drainTimeout)
		defer cancel()
	}
	drained := make(chan error, 1)
	go func() { drained <- q.Shutdown(drainCtx) }()

	httpCtx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	return <-drained
}
