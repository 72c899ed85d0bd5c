package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"aegiscdr/internal/artifact"
	"aegiscdr/internal/auditlog"
	"aegiscdr/internal/auth"
	"aegiscdr/internal/models"
	"aegiscdr/internal/orchestrator"
	"aegiscdr/internal/worker"
)

const (
	uploadField       = "files"
	keepAliveInterval = 15 * time.Second
)

// Engine is the task lifecycle the HTTP surface drives.
type Engine interface {
	Submit(ctx context.Context, files []models.FileDescriptor) ([]*models.TaskRecord, error)
	History(ctx context.Context) []*models.TaskRecord
	Task(ctx context.Context, id string) (*models.TaskRecord, error)
	ClearHistory(ctx context.Context) error
	Download(ctx context.Context, id string) (artifact.Artifact, error)
	Stats() worker.Stats
}

// Handler wires HTTP routes to the task engine and the audit log.
type Handler struct {
	engine    Engine
	logs      *auditlog.Store
	guard     *auth.Guard
	maxUpload int64
	log       *zap.Logger
}

// NewHandler constructs a Handler instance. maxUpload bounds the request body
// of a batch upload; zero or less disables the check.
func NewHandler(engine Engine, logs *auditlog.Store, guard *auth.Guard, maxUpload int64, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		engine:    engine,
		logs:      logs,
		guard:     guard,
		maxUpload: maxUpload,
		log:       log.Named("api"),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.GET("/health", h.health)

	protected := api.Group("")
	protected.Use(h.guard.Middleware())
	protected.POST("/tasks", h.submitTasks)
	protected.GET("/tasks", h.listTasks)
	protected.DELETE("/tasks", h.clearTasks)
	protected.GET("/tasks/:id", h.getTask)
	protected.GET("/tasks/:id/artifact", h.downloadArtifact)
	protected.GET("/logs", h.listLogs)
	protected.DELETE("/logs", h.clearLogs)
	protected.GET("/logs/events", h.streamLogs)
}

func (h *Handler) health(c *gin.Context) {
	stats := h.engine.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"workers": stats.Workers,
		"idle":    stats.Idle,
		"pending": stats.Pending,
	})
}

func (h *Handler) submitTasks(c *gin.Context) {
	if h.maxUpload > 0 {
		if c.Request.ContentLength > h.maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds size limit"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)
	}
	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds size limit"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	headers := form.File[uploadField]
	if len(headers) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files uploaded"})
		return
	}

	files := make([]models.FileDescriptor, 0, len(headers))
	for _, fh := range headers {
		desc, err := readUpload(fh)
		if err != nil {
			h.log.Warn("failed to read upload", zap.String("filename", fh.Filename), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("read %s: %v", fh.Filename, err)})
			return
		}
		files = append(files, desc)
	}

	tasks, err := h.engine.Submit(c.Request.Context(), files)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoFiles) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, orchestrator.ErrClosed) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"tasks": publicTasks(tasks)})
}

// readUpload loads one multipart file. Parts sent without a content type are
// sniffed from their bytes.
func readUpload(fh *multipart.FileHeader) (models.FileDescriptor, error) {
	f, err := fh.Open()
	if err != nil {
		return models.FileDescriptor{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return models.FileDescriptor{}, err
	}

	mimeType := strings.TrimSpace(fh.Header.Get("Content-Type"))
	if mimeType == "" && len(data) > 0 {
		mimeType = mimetype.Detect(data).String()
	}
	if base, _, ok := strings.Cut(mimeType, ";"); ok {
		mimeType = strings.TrimSpace(base)
	}
	return models.FileDescriptor{
		Filename: fh.Filename,
		Size:     int64(len(data)),
		MimeType: mimeType,
		Content:  data,
	}, nil
}

func (h *Handler) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": publicTasks(h.engine.History(c.Request.Context()))})
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.engine.Task(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeTaskError(c, err)
		return
	}
	c.JSON(http.StatusOK, publicTask(task))
}

func (h *Handler) clearTasks(c *gin.Context) {
	if err := h.engine.ClearHistory(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) downloadArtifact(c *gin.Context) {
	art, err := h.engine.Download(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeTaskError(c, err)
		return
	}
	c.Header("Content-Disposition", contentDisposition(art.Filename))
	c.Data(http.StatusOK, art.ContentType, art.Data)
}

// contentDisposition quotes or RFC 2231 encodes the filename as needed.
func contentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}

func (h *Handler) writeTaskError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
	case errors.Is(err, orchestrator.ErrNotTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handler) listLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"logs": h.logs.Query(c.Request.Context())})
}

func (h *Handler) clearLogs(c *gin.Context) {
	if err := h.logs.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// streamLogs pushes an "update" event for every audit log change until the
// client goes away.
func (h *Handler) streamLogs(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	updates, cancel := h.logs.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	flusher.Flush()

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-updates:
			if !ok {
				return
			}
			if err := sendEvent("update", n); err != nil {
				h.log.Debug("log stream closed", zap.Error(err))
				return
			}
		case <-keepAlive.C:
			if _, err := io.WriteString(c.Writer, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// publicTask drops the content snapshot from API responses; it is only ever
// served through the artifact endpoint.
func publicTask(rec *models.TaskRecord) *models.TaskRecord {
	if rec == nil {
		return nil
	}
	out := rec.Clone()
	out.Content = nil
	return out
}

func publicTasks(recs []*models.TaskRecord) []*models.TaskRecord {
	out := make([]*models.TaskRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, publicTask(rec))
	}
	return out
}
