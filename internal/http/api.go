package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"download-queue/internal/domain"
	"download-queue/internal/queue"
	"download-queue/internal/service"
	"download-queue/internal/storage"
)

// Options wires the handler dependencies. Storage and Metrics are optional.
type Options struct {
	Downloads service.DownloadService
	Users     service.UserService
	Auth      *Authenticator
	Storage   storage.Service
	Bucket    string
	// KeyPrefix is listed when a storage listing names no prefix.
	KeyPrefix string
	Metrics   http.Handler
	Logger    *logrus.Logger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	downloads service.DownloadService
	users     service.UserService
	auth      *Authenticator
	storage   storage.Service
	bucket    string
	keyPrefix string
	metrics   http.Handler
	logger    *logrus.Logger
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Handler{
		downloads: opts.Downloads,
		users:     opts.Users,
		auth:      opts.Auth,
		storage:   opts.Storage,
		bucket:    opts.Bucket,
		keyPrefix: opts.KeyPrefix,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	if h.metrics != nil {
		router.GET("/metrics", gin.WrapH(h.metrics))
	}

	api := router.Group("/api")
	{
		api.GET("/health", h.health)
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)
	}

	protected := api.Group("")
	protected.Use(h.auth.Middleware())
	{
		protected.POST("/downloads", h.createDownload)
		protected.GET("/downloads", h.listDownloads)
		protected.GET("/downloads/:id", h.getDownload)
		protected.DELETE("/downloads/:id", h.deleteDownload)
		protected.GET("/downloads/:id/link", h.downloadLink)
		protected.POST("/queue/drain", h.drainQueue)
		protected.GET("/queue/stats", h.queueStats)
		protected.GET("/storage/objects", h.listObjects)
		protected.DELETE("/storage/objects", h.deleteObjects)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) health(c *gin.Context) {
	stats := h.downloads.Stats()
	status := http.StatusOK
	if stats.Closed {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ok": !stats.Closed, "active": stats.Active, "waiting": stats.Waiting})
}

type credentialsRequest struct {
	Username             string `json:"username" binding:"required"`
	Password             string `json:"password" binding:"required"`
	RegistrationPassword string `json:"registration_password"`
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Register(c.Request.Context(), req.Username, req.Password, req.RegistrationPassword)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": user.ID, "username": user.Username})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.users.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		h.fail(c, err)
		return
	}
	token, expires, err := h.auth.Issue(user)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expires.Format(time.RFC3339)})
}

type createDownloadRequest struct {
	URL            string            `json:"url" binding:"required"`
	Destination    string            `json:"destination"`
	Headers        map[string]string `json:"headers"`
	Cookies        map[string]string `json:"cookies"`
	Params         map[string]string `json:"params"`
	ChunkSize      int               `json:"chunk_size" binding:"omitempty,min=1"`
	TimeoutSeconds int               `json:"timeout_seconds" binding:"omitempty,min=1"`
	Overwrite      bool              `json:"overwrite"`
}

// createDownload blocks until the queue admitted the download, so a saturated
// queue slows clients down instead of buffering without bound.
func (h *Handler) createDownload(c *gin.Context) {
	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.downloads.Submit(c.Request.Context(), service.SubmitRequest{
		UserID:      currentUserID(c),
		Locator:     req.URL,
		Destination: req.Destination,
		Headers:     req.Headers,
		Cookies:     req.Cookies,
		Params:      req.Params,
		ChunkSize:   req.ChunkSize,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
		Overwrite:   req.Overwrite,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, downloadToResponse(*d))
}

func (h *Handler) listDownloads(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	downloads, err := h.downloads.List(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]DownloadResponse, len(downloads))
	for i := range downloads {
		resp[i] = downloadToResponse(downloads[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getDownload(c *gin.Context) {
	d, err := h.downloads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, downloadToResponse(*d))
}

func (h *Handler) deleteDownload(c *gin.Context) {
	purge, err := strconv.ParseBool(c.DefaultQuery("purge", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag purge"})
		return
	}

	id := c.Param("id")
	if err := h.downloads.Delete(c.Request.Context(), id, purge); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id, "purged": purge})
}

func (h *Handler) downloadLink(c *gin.Context) {
	link, err := h.downloads.Link(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": link})
}

func (h *Handler) drainQueue(c *gin.Context) {
	timeout := 30 * time.Second
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		timeout = d
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	if err := h.downloads.Drain(ctx); err != nil {
		c.JSON(http.StatusAccepted, gin.H{"drained": false, "stats": statsToResponse(h.downloads.Stats())})
		return
	}
	c.JSON(http.StatusOK, gin.H{"drained": true, "stats": statsToResponse(h.downloads.Stats())})
}

func (h *Handler) queueStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsToResponse(h.downloads.Stats()))
}

func (h *Handler) listObjects(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": service.ErrStorageUnavailable.Error()})
		return
	}

	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, c.DefaultQuery("prefix", h.keyPrefix))
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

// deleteObjects removes every object under a non-empty prefix.
func (h *Handler) deleteObjects(c *gin.Context) {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": service.ErrStorageUnavailable.Error()})
		return
	}
	prefix := strings.TrimLeft(strings.TrimSpace(c.Query("prefix")), "/")
	if prefix == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prefix is required"})
		return
	}

	if err := h.storage.DeletePrefix(c.Request.Context(), h.bucket, prefix); err != nil {
		h.fail(c, err)
		return
	}
	h.logger.WithField("prefix", prefix).Infof("deleted objects from bucket %s", h.bucket)
	c.JSON(http.StatusOK, gin.H{"deleted_prefix": prefix})
}

// fail maps service errors to status codes.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidLocator),
		errors.Is(err, service.ErrInvalidDestination),
		errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrInvalidRegistrationPassword):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrDownloadNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrDownloadActive),
		errors.Is(err, service.ErrNoLink),
		errors.Is(err, service.ErrDestinationBusy),
		errors.Is(err, service.ErrUserAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, service.ErrStorageUnavailable),
		errors.Is(err, queue.ErrQueueClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type DownloadResponse struct {
	ID           string                `json:"id"`
	URL          string                `json:"url"`
	Destination  string                `json:"destination"`
	Status       domain.DownloadStatus `json:"status"`
	Bytes        int64                 `json:"bytes"`
	Worker       int                   `json:"worker,omitempty"`
	ErrorMessage string                `json:"error_message,omitempty"`
	CreatedAt    string                `json:"created_at"`
	UpdatedAt    string                `json:"updated_at"`
	StartedAt    *string               `json:"started_at,omitempty"`
	FinishedAt   *string               `json:"finished_at,omitempty"`
}

func downloadToResponse(d domain.Download) DownloadResponse {
	resp := DownloadResponse{
		ID:           d.ID,
		URL:          d.Locator,
		Destination:  d.Destination,
		Status:       d.Status,
		Bytes:        d.Bytes,
		Worker:       d.Worker,
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    d.UpdatedAt.Format(time.RFC3339),
	}
	if d.StartedAt != nil {
		v := d.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &v
	}
	if d.FinishedAt != nil {
		v := d.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &v
	}
	return resp
}

type StatsResponse struct {
	Capacity    int   `json:"capacity"`
	Active      int   `json:"active"`
	Running     int   `json:"running"`
	Waiting     int   `json:"waiting"`
	Outstanding int   `json:"outstanding"`
	Workers     int   `json:"workers"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Closed      bool  `json:"closed"`
}

func statsToResponse(s queue.Stats) StatsResponse {
	return StatsResponse{
		Capacity:    s.Capacity,
		Active:      s.Active,
		Running:     s.Running,
		Waiting:     s.Waiting,
		Outstanding: s.Outstanding,
		Workers:     s.Workers,
		Completed:   s.Completed,
		Failed:      s.Failed,
		Closed:      s.Closed,
	}
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
