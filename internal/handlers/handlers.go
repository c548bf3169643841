package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/ncshot-verify/internal/auth"
	"github.com/example/ncshot-verify/internal/configbuilder"
	"github.com/example/ncshot-verify/internal/imagesource"
	"github.com/example/ncshot-verify/internal/ncshot"
	"github.com/example/ncshot-verify/internal/result"
	"github.com/example/ncshot-verify/internal/usecase"
)

// DefaultMaxUploadSize bounds a request body when no limit is configured.
const DefaultMaxUploadSize = 256 << 20

// BatchRunner runs one batch. *usecase.BatchUseCase implements it.
type BatchRunner interface {
	Run(ctx context.Context, configBlob string, images [][]byte) (*usecase.BatchResult, error)
}

// RecognitionService exposes the diagnostics of the recognition service.
// *ncshot.Client implements it.
type RecognitionService interface {
	Ping(ctx context.Context) error
	ListConfigurations(ctx context.Context) ([]string, error)
}

// storePinger is implemented by object stores that can report reachability.
// *imagesource.MinIOStore implements it.
type storePinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the collaborators the HTTP surface needs. Store may be nil,
// which disables the storage batch endpoint.
type Dependencies struct {
	Batches       BatchRunner
	Recognition   RecognitionService
	Builder       configbuilder.Builder
	Store         imagesource.ObjectStore
	MaxUploadSize int64
	MaxBatchSize  int
	Logger        *zap.Logger
}

type handler struct {
	deps   Dependencies
	logger *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router. Routes under /v1
// require authMiddleware.
func RegisterRoutes(router *gin.Engine, deps Dependencies, authMiddleware gin.HandlerFunc) {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = DefaultMaxUploadSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{deps: deps, logger: logger.Named("handlers")}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/ready", h.ready)

	v1 := router.Group("/v1")
	v1.Use(authMiddleware)
	v1.POST("/parse", h.parse)
	v1.POST("/config", h.buildConfig)
	v1.GET("/recognition/configs", h.listConfigurations)
	v1.POST("/batches", h.runUploadedBatch)
	v1.POST("/batches/storage", h.runStoredBatch)
}

func (h *handler) ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := h.deps.Recognition.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "component": "recognition", "error": err.Error()})
		return
	}
	if store, ok := h.deps.Store.(storePinger); ok {
		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "component": "storage", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (h *handler) parse(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.deps.MaxUploadSize)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.bodyError(c, err)
		return
	}
	c.JSON(http.StatusOK, result.Parse(raw))
}

func (h *handler) buildConfig(c *gin.Context) {
	var params configbuilder.Parameters
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid parameters: " + err.Error()})
		return
	}
	text, err := h.deps.Builder.Build(params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": text})
}

func (h *handler) listConfigurations(c *gin.Context) {
	names, err := h.deps.Recognition.ListConfigurations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configurations": names})
}

func (h *handler) runUploadedBatch(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.deps.MaxUploadSize)
	form, err := c.MultipartForm()
	if err != nil {
		h.bodyError(c, err)
		return
	}

	configBlob, err := h.resolveConfig(first(form.Value["config"]), first(form.Value["parameters"]))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	files := form.File["images"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one image file is required"})
		return
	}
	if h.deps.MaxBatchSize > 0 && len(files) > h.deps.MaxBatchSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("batch limited to %d images", h.deps.MaxBatchSize)})
		return
	}

	images := make([][]byte, 0, len(files))
	for _, file := range files {
		if !isImageContentType(file.Header.Get("Content-Type")) {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": fmt.Sprintf("%s is not an image", file.Filename)})
			return
		}
		data, err := readFile(file)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read " + file.Filename})
			return
		}
		images = append(images, data)
	}

	h.runBatch(c, configBlob, images)
}

type storedBatchRequest struct {
	Config     string                    `json:"config"`
	Parameters *configbuilder.Parameters `json:"parameters"`
	Prefix     string                    `json:"prefix" binding:"required"`
}

func (h *handler) runStoredBatch(c *gin.Context) {
	if h.deps.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "image storage is not configured"})
		return
	}

	var req storedBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	var paramsJSON string
	if req.Parameters != nil {
		encoded, err := json.Marshal(req.Parameters)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		paramsJSON = string(encoded)
	}
	configBlob, err := h.resolveConfig(req.Config, paramsJSON)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	src, err := imagesource.OpenStore(c.Request.Context(), h.deps.Store, req.Prefix)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	images, err := imagesource.Collect(c.Request.Context(), src, h.deps.MaxBatchSize)
	switch {
	case errors.Is(err, imagesource.ErrLimitExceeded):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	case len(images) == 0:
		c.JSON(http.StatusNotFound, gin.H{"error": "no images under prefix " + req.Prefix})
		return
	}

	h.runBatch(c, configBlob, images)
}

func (h *handler) runBatch(c *gin.Context, configBlob string, images [][]byte) {
	operator, _ := auth.GetOperator(c.Request.Context())
	res, err := h.deps.Batches.Run(c.Request.Context(), configBlob, images)

	fields := []zap.Field{zap.String("operator", operator), zap.Int("images", len(images))}
	if res != nil {
		fields = append(fields, zap.String("batch_id", res.BatchID))
	}
	if err != nil {
		h.logger.Warn("batch finished with error", append(fields, zap.Error(err))...)
		c.JSON(batchErrorStatus(err), gin.H{"error": err.Error(), "batch": res})
		return
	}
	h.logger.Info("batch served", fields...)
	c.JSON(http.StatusOK, gin.H{"batch": res})
}

// resolveConfig prefers literal configuration text over parameters.
func (h *handler) resolveConfig(text, paramsJSON string) (string, error) {
	if strings.TrimSpace(text) != "" {
		return text, nil
	}
	if strings.TrimSpace(paramsJSON) == "" {
		return "", errors.New("config or parameters is required")
	}
	var params configbuilder.Parameters
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return "", fmt.Errorf("invalid parameters: %w", err)
	}
	return h.deps.Builder.Build(params)
}

func (h *handler) bodyError(c *gin.Context, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
}

func batchErrorStatus(err error) int {
	switch {
	case errors.Is(err, usecase.ErrBatchTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, usecase.ErrHostBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, ncshot.ErrConfigRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ncshot.ErrSystemicFailure):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func isImageContentType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	return contentType == "" || strings.HasPrefix(contentType, "image/") || contentType == "application/octet-stream"
}

func readFile(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
