// Package server exposes the gallery over HTTP. Handlers are thin: they
// decode the request, call the gallery service and shape the JSON envelope.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/mediavault/internal/gallery"
	"github.com/dharsanguruparan/mediavault/internal/model"
	"github.com/dharsanguruparan/mediavault/internal/storage"
)

// uploadField is the multipart field carrying files. "file" is accepted too.
const uploadField = "files"

// Server hosts the HTTP API.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	gallery         *gallery.Service
	log             *zap.Logger
	engine          *gin.Engine
}

// New creates a configured server.
func New(addr string, shutdownTimeout time.Duration, svc *gallery.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	s := &Server{
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
		gallery:         svc,
		log:             logger.Named("http"),
	}
	s.engine = s.routes()
	return s
}

// Handler returns the routed engine.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens until ctx is cancelled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}()
	s.log.Info("http server listening", zap.String("addr", s.addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), loggingMiddleware(s.log), corsMiddleware())

	r.GET("/healthz", s.handleHealth)
	api := r.Group("/api")
	api.POST("/upload", s.handleUpload)
	api.GET("/media", s.handleMedia)
	api.GET("/download/:id", s.handleDownload)
	api.DELETE("/delete", s.handleDelete)
	api.POST("/cleanup", s.handleCleanup)
	api.GET("/conversion-status", s.handleConversionStatus)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUpload(c *gin.Context) {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		fail(c, http.StatusBadRequest, "expecting multipart form")
		return
	}
	items := []model.MediaItem{}
	var errs []string
	seen := 0
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fail(c, http.StatusBadRequest, "failed to read upload")
			return
		}
		if (part.FormName() != uploadField && part.FormName() != "file") || part.FileName() == "" {
			part.Close()
			continue
		}
		seen++
		item, err := s.gallery.Upload(c.Request.Context(), gallery.UploadRequest{
			Name:     part.FileName(),
			MimeType: part.Header.Get("Content-Type"),
			Body:     part,
		})
		part.Close()
		switch {
		case err == nil:
			items = append(items, item)
		case errors.Is(err, storage.ErrWriteFailed), errors.Is(err, storage.ErrReadFailed):
			s.log.Error("upload could not be recorded", zap.Int("stored", len(items)), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"success": false,
				"error":   "failed to record upload",
				"items":   items,
				"count":   len(items),
			})
			return
		default:
			errs = append(errs, uploadError(part.FileName(), err, s.gallery.MaxFileSize()))
		}
	}
	if seen == 0 {
		fail(c, http.StatusBadRequest, "no files provided")
		return
	}
	message := "files uploaded"
	for _, item := range items {
		if item.ConversionStatus == model.StatusPending {
			message = "files uploaded; videos will appear once their conversion to MP4 finishes"
			break
		}
	}
	body := gin.H{
		"success": true,
		"items":   items,
		"count":   len(items),
		"message": message,
	}
	if len(errs) > 0 {
		body["errors"] = errs
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleMedia(c *gin.Context) {
	items, err := s.gallery.ListReady(c.Request.Context())
	if err != nil {
		s.log.Error("list media", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to list media")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "items": items, "count": len(items)})
}

func (s *Server) handleDownload(c *gin.Context) {
	thumb, _ := strconv.ParseBool(c.Query("thumb"))
	asset, err := s.gallery.Open(c.Request.Context(), c.Param("id"), thumb)
	switch {
	case errors.Is(err, gallery.ErrNotFound):
		fail(c, http.StatusNotFound, "file not found")
		return
	case errors.Is(err, gallery.ErrNotReady):
		fail(c, http.StatusConflict, "file is not ready yet")
		return
	case err != nil:
		s.log.Error("open download", zap.String("item_id", c.Param("id")), zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to download file")
		return
	}
	defer asset.File.Close()

	h := c.Writer.Header()
	h.Set("Content-Type", asset.ContentType)
	if thumb {
		h.Set("Cache-Control", "public, max-age=31536000")
	} else {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": asset.Name}))
	}
	http.ServeContent(c.Writer, c.Request, asset.Name, asset.ModTime, asset.File)
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleDelete(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		fail(c, http.StatusBadRequest, "an array of ids is required")
		return
	}
	deleted := []string{}
	var errs []string
	for _, id := range req.IDs {
		ok, err := s.gallery.Delete(c.Request.Context(), id)
		switch {
		case err != nil:
			s.log.Error("delete item", zap.String("item_id", id), zap.Error(err))
			errs = append(errs, id+": failed to delete")
		case !ok:
			errs = append(errs, id+": not found")
		default:
			deleted = append(deleted, id)
		}
	}
	body := gin.H{
		"success":    true,
		"deleted":    len(deleted),
		"deletedIds": deleted,
		"message":    fmt.Sprintf("%d file(s) deleted", len(deleted)),
	}
	if len(errs) > 0 {
		body["errors"] = errs
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleCleanup(c *gin.Context) {
	removed, err := s.gallery.Cleanup(c.Request.Context())
	if err != nil {
		s.log.Error("cleanup", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to clean the index")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"removedCount": removed,
		"message":      fmt.Sprintf("cleanup finished: %d entr(ies) removed from the index", removed),
	})
}

func (s *Server) handleConversionStatus(c *gin.Context) {
	n, err := s.gallery.CountInFlight(c.Request.Context())
	if err != nil {
		s.log.Error("conversion status", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to read conversion status")
		return
	}
	message := "no conversions in progress"
	if n > 0 {
		message = fmt.Sprintf("%d video(s) converting", n)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "converting": n, "message": message})
}

func uploadError(name string, err error, max int64) string {
	switch {
	case errors.Is(err, gallery.ErrUnsupportedType):
		return name + ": file type not allowed"
	case errors.Is(err, gallery.ErrTooLarge):
		return fmt.Sprintf("%s: file too large (max %d MB)", name, max>>20)
	case errors.Is(err, gallery.ErrEmptyFile):
		return name + ": empty file"
	default:
		return name + ": failed to process file"
	}
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "error": msg})
}
