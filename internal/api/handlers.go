package api

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	fileutil "uploadq/internal/file"
	"uploadq/internal/queue"
)

// API exposes the upload queue facade over HTTP and streams coalesced queue
// snapshots to observers via SSE.
type API struct {
	manager    *queue.Manager
	stagingDir string
}

func NewAPI(manager *queue.Manager, stagingDir string) *API {
	return &API{manager: manager, stagingDir: stagingDir}
}

// RegisterRoutes registers API routes on the provided gin engine.
func (a *API) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/uploads", a.AddFiles)
		v1.POST("/uploads/start", a.StartUpload)
		v1.POST("/uploads/pause", a.PauseAll)
		v1.POST("/uploads/resume", a.ResumeAll)
		v1.POST("/uploads/:id/pause", a.PauseUpload)
		v1.POST("/uploads/:id/resume", a.ResumeUpload)
		v1.POST("/uploads/:id/cancel", a.CancelUpload)
		v1.POST("/uploads/:id/retry", a.RetryUpload)
		v1.DELETE("/uploads/completed", a.ClearCompleted)
		v1.DELETE("/uploads/:id", a.RemoveTask)
		v1.DELETE("/uploads", a.ClearAll)
		v1.GET("/uploads", a.GetQueue)
		v1.GET("/uploads/stats", a.GetStats)
		v1.GET("/uploads/events", a.StreamEvents)
	}
}

type addFilesResponse struct {
	Tasks []queue.UploadTask `json:"tasks"`
}

// AddFiles stages the multipart "files" parts into the data dir and
// enqueues one pending task per file. Transfers do not start until
// StartUpload.
func (a *API) AddFiles(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		log.Warn().Err(err).Msg("invalid multipart request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart request"})
		return
	}
	parts := form.File["files"]
	if len(parts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no files provided"})
		return
	}

	refs := make([]queue.FileRef, 0, len(parts))
	for _, part := range parts {
		ref, err := a.stageFile(part)
		if err != nil {
			log.Warn().Str("name", part.Filename).Err(err).Msg("staging upload failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stage file: " + part.Filename})
			return
		}
		refs = append(refs, ref)
	}

	tasks := a.manager.AddFiles(refs)
	log.Info().Int("count", len(tasks)).Msg("files enqueued")
	c.JSON(http.StatusCreated, addFilesResponse{Tasks: tasks})
}

// stageFile copies one multipart part to local disk so the transfer can be
// chunked, paused and resumed independently of the client connection.
func (a *API) stageFile(part *multipart.FileHeader) (queue.FileRef, error) {
	src, err := part.Open()
	if err != nil {
		return queue.FileRef{}, err //nolint:wrapcheck
	}
	defer func() { _ = src.Close() }()

	dst := filepath.Join(a.stagingDir, uuid.NewString()+filepath.Ext(part.Filename))
	if err := fileutil.CopyAtomic(dst, src); err != nil {
		return queue.FileRef{}, err //nolint:wrapcheck
	}
	return queue.FileRef{
		Name:        part.Filename,
		Path:        dst,
		Size:        part.Size,
		ContentType: part.Header.Get("Content-Type"),
	}, nil
}

// StartUpload stamps options onto pending tasks and kicks off admission.
// The call returns 202 immediately; completion is observed via the event
// stream or the stats endpoint.
func (a *API) StartUpload(c *gin.Context) {
	var opts queue.UploadOptions
	if err := c.ShouldBindJSON(&opts); err != nil {
		log.Warn().Err(err).Msg("invalid start request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if opts.EditorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": queue.ErrMissingEditor.Error()})
		return
	}
	go func() {
		if err := a.manager.StartUpload(context.Background(), opts); err != nil {
			log.Warn().Err(err).Msg("upload batch did not settle")
			return
		}
		stats := a.manager.Stats()
		log.Info().Int("completed", stats.Completed).Int("failed", stats.Failed).Msg("upload batch settled")
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}

func (a *API) PauseUpload(c *gin.Context)  { a.taskAction(c, a.manager.Pause) }
func (a *API) ResumeUpload(c *gin.Context) { a.taskAction(c, a.manager.Resume) }
func (a *API) CancelUpload(c *gin.Context) { a.taskAction(c, a.manager.Cancel) }
func (a *API) RetryUpload(c *gin.Context)  { a.taskAction(c, a.manager.Retry) }
func (a *API) RemoveTask(c *gin.Context)   { a.taskAction(c, a.manager.RemoveTask) }

// taskAction applies a single-task operation and maps queue errors onto
// HTTP statuses.
func (a *API) taskAction(c *gin.Context, action func(string) error) {
	id := c.Param("id")
	if err := action(id); err != nil {
		status := http.StatusConflict
		if errors.Is(err, queue.ErrTaskNotFound) {
			status = http.StatusNotFound
		}
		log.Warn().Str("task_id", id).Err(err).Msg("task action rejected")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if t, ok := a.findTask(id); ok {
		c.JSON(http.StatusOK, t)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) findTask(id string) (queue.UploadTask, bool) {
	for _, t := range a.manager.Tasks() {
		if t.ID == id {
			return t, true
		}
	}
	return queue.UploadTask{}, false
}

func (a *API) PauseAll(c *gin.Context) {
	a.manager.PauseAll()
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (a *API) ResumeAll(c *gin.Context) {
	a.manager.ResumeAll()
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (a *API) ClearCompleted(c *gin.Context) {
	removed := a.manager.ClearCompleted()
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (a *API) ClearAll(c *gin.Context) {
	removed := a.manager.ClearAll()
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type queueResponse struct {
	Tasks     []queue.UploadTask `json:"tasks"`
	Uploading bool               `json:"uploading"`
}

// GetQueue returns a synchronous snapshot, so a new observer never misses
// the state between this call and its first event.
func (a *API) GetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, queueResponse{
		Tasks:     a.manager.Tasks(),
		Uploading: a.manager.IsUploading(),
	})
}

func (a *API) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.manager.Stats())
}

// StreamEvents pushes coalesced queue snapshots over SSE. The first event
// carries the current state; later events arrive once per coalescing tick
// while the queue mutates.
func (a *API) StreamEvents(c *gin.Context) {
	events, cancel := a.manager.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.SSEvent("queue", a.manager.Tasks())
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case snapshot, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent("queue", snapshot)
			c.Writer.Flush()
		case <-clientGone:
			return
		}
	}
}
