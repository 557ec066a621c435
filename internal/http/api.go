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

	"magnet-queue/internal/backup"
	"magnet-queue/internal/domain"
	"magnet-queue/internal/downloader"
	"magnet-queue/internal/registry"
	"magnet-queue/internal/scheduler"
	"magnet-queue/internal/service"
)

// Backups is the part of the backup service the API exposes.
type Backups interface {
	Run(ctx context.Context) (*backup.Snapshot, error)
	List(ctx context.Context) ([]backup.Snapshot, error)
	URL(ctx context.Context, key string) (string, error)
}

type Options struct {
	Manager downloader.Manager
	// Operators enables token auth on the job routes when set.
	Operators service.OperatorService
	Backups   Backups
	Metrics   http.Handler
	Logger    *logrus.Logger
}

// Handler wires HTTP routes to the download manager.
type Handler struct {
	manager   downloader.Manager
	operators service.OperatorService
	backups   Backups
	metrics   http.Handler
	logger    *logrus.Logger
}

func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	return &Handler{
		manager:   opts.Manager,
		operators: opts.Operators,
		backups:   opts.Backups,
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
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})
	if h.operators != nil {
		api.POST("/auth/register", h.register)
		api.POST("/auth/login", h.login)
	}

	protected := api.Group("")
	if h.operators != nil {
		protected.Use(authMiddleware(h.operators))
	}
	{
		protected.POST("/jobs", h.createJob)
		protected.GET("/jobs", h.listJobs)
		protected.GET("/jobs/:id", h.getJob)
		protected.DELETE("/jobs/:id", h.deleteJob)
		protected.POST("/jobs/:id/pause", h.pauseJob)
		protected.POST("/jobs/:id/resume", h.resumeJob)
		protected.PUT("/jobs/:id/auto-managed", h.setAutoManaged)
		protected.POST("/jobs/:id/queue", h.moveJob)
		protected.GET("/scheduler", h.schedulerState)
		protected.GET("/scheduler/limits", h.getLimits)
		protected.PUT("/scheduler/limits", h.updateLimits)
		protected.GET("/backups", h.listBackups)
		protected.POST("/backups", h.runBackup)
		protected.GET("/backups/url", h.backupURL)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// writeError maps domain errors to status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrNotQueued), errors.Is(err, registry.ErrJobExists):
		status = http.StatusConflict
	case errors.Is(err, service.ErrInvalidMagnet),
		errors.Is(err, scheduler.ErrInvalidLimits),
		errors.Is(err, backup.ErrUnknownObject):
		status = http.StatusBadRequest
	case errors.Is(err, backup.ErrNotConfigured), errors.Is(err, downloader.ErrNotStarted):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type createJobRequest struct {
	Magnet string `json:"magnet" binding:"required"`
	// AutoManaged defaults to true.
	AutoManaged *bool `json:"auto_managed"`
	Start       bool  `json:"start"`
}

func (h *Handler) createJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := h.manager.Add(c.Request.Context(), downloader.AddRequest{
		MagnetURI: strings.TrimSpace(req.Magnet),
		Unmanaged: req.AutoManaged != nil && !*req.AutoManaged,
		StartNow:  req.Start,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, jobToResponse(*view))
}

func (h *Handler) listJobs(c *gin.Context) {
	views := h.manager.Jobs()
	resp := make([]JobResponse, len(views))
	for i := range views {
		resp[i] = jobToResponse(views[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getJob(c *gin.Context) {
	view, err := h.manager.Job(domain.JobID(c.Param("id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*view))
}

func (h *Handler) deleteJob(c *gin.Context) {
	deleteData, err := strconv.ParseBool(c.DefaultQuery("delete_data", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_data"})
		return
	}

	id := domain.JobID(c.Param("id"))
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	if err := h.manager.Remove(ctx, id, deleteData); err != nil {
		writeError(c, err)
		return
	}
	h.audit(c, "remove", id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// audit logs an operator action on a job.
func (h *Handler) audit(c *gin.Context, action string, id domain.JobID) {
	entry := h.logger.WithField("action", action)
	if id != "" {
		entry = entry.WithField("job_id", id)
	}
	if claims := operatorFrom(c); claims != nil {
		entry = entry.WithField("operator", claims.Username)
	}
	entry.Info("operator action")
}

func (h *Handler) pauseJob(c *gin.Context) {
	h.jobAction(c, "pause", h.manager.Pause)
}

func (h *Handler) resumeJob(c *gin.Context) {
	h.jobAction(c, "resume", h.manager.Resume)
}

func (h *Handler) jobAction(c *gin.Context, name string, action func(context.Context, domain.JobID) error) {
	id := domain.JobID(c.Param("id"))
	if err := action(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	h.audit(c, name, id)
	h.respondJob(c, id)
}

func (h *Handler) respondJob(c *gin.Context, id domain.JobID) {
	view, err := h.manager.Job(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobToResponse(*view))
}

type autoManagedRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *Handler) setAutoManaged(c *gin.Context) {
	var req autoManagedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := domain.JobID(c.Param("id"))
	if err := h.manager.SetAutoManaged(c.Request.Context(), id, *req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	h.audit(c, "auto_managed", id)
	h.respondJob(c, id)
}

type moveRequest struct {
	Move string `json:"move" binding:"required"`
}

func (h *Handler) moveJob(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	move, err := registry.ParseMove(req.Move)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := domain.JobID(c.Param("id"))
	if _, err := h.manager.Move(c.Request.Context(), id, move); err != nil {
		writeError(c, err)
		return
	}
	h.audit(c, "queue_"+req.Move, id)
	h.respondJob(c, id)
}

func (h *Handler) schedulerState(c *gin.Context) {
	c.JSON(http.StatusOK, reportToResponse(h.manager.Report()))
}

func (h *Handler) getLimits(c *gin.Context) {
	c.JSON(http.StatusOK, limitsToResponse(h.manager.Limits()))
}

// limitsRequest updates only the fields present.
type limitsRequest struct {
	ActiveDownloads       *int   `json:"active_downloads"`
	ActiveSeeds           *int   `json:"active_seeds"`
	ActiveChecking        *int   `json:"active_checking"`
	ActiveLimit           *int   `json:"active_limit"`
	DontCountSlowTorrents *bool  `json:"dont_count_slow_torrents"`
	InactiveDownRate      *int64 `json:"inactive_down_rate"`
	InactiveUpRate        *int64 `json:"inactive_up_rate"`
	SlowGraceSeconds      *int64 `json:"slow_grace_seconds"`
}

func (h *Handler) updateLimits(c *gin.Context) {
	var req limitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	l := h.manager.Limits()
	if req.ActiveDownloads != nil {
		l.ActiveDownloads = *req.ActiveDownloads
	}
	if req.ActiveSeeds != nil {
		l.ActiveSeeds = *req.ActiveSeeds
	}
	if req.ActiveChecking != nil {
		l.ActiveChecking = *req.ActiveChecking
	}
	if req.ActiveLimit != nil {
		l.ActiveLimit = *req.ActiveLimit
	}
	if req.DontCountSlowTorrents != nil {
		l.DontCountSlowTorrents = *req.DontCountSlowTorrents
	}
	if req.InactiveDownRate != nil {
		l.InactiveDownloadRate = *req.InactiveDownRate
	}
	if req.InactiveUpRate != nil {
		l.InactiveUploadRate = *req.InactiveUpRate
	}
	if req.SlowGraceSeconds != nil {
		l.SlowGracePeriod = time.Duration(*req.SlowGraceSeconds) * time.Second
	}

	if err := h.manager.SetLimits(l); err != nil {
		writeError(c, err)
		return
	}
	h.audit(c, "set_limits", "")
	c.JSON(http.StatusOK, limitsToResponse(h.manager.Limits()))
}

func (h *Handler) listBackups(c *gin.Context) {
	if h.backups == nil {
		writeError(c, backup.ErrNotConfigured)
		return
	}
	snapshots, err := h.backups.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshots)
}

func (h *Handler) runBackup(c *gin.Context) {
	if h.backups == nil {
		writeError(c, backup.ErrNotConfigured)
		return
	}
	snap, err := h.backups.Run(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	h.audit(c, "backup", "")
	c.JSON(http.StatusCreated, snap)
}

func (h *Handler) backupURL(c *gin.Context) {
	if h.backups == nil {
		writeError(c, backup.ErrNotConfigured)
		return
	}
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	u, err := h.backups.URL(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "url": u})
}
