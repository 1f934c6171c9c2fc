package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"feedsync/internal/apperrors"
	"feedsync/internal/service"
)

type Handler struct {
	feed      *service.FeedService
	sync      *service.SyncService
	status    *service.StatusService
	scheduler interface {
		GetNextUpdateTime() time.Time
		GetNextSyncTime() time.Time
	}
}

func NewHandler(feed *service.FeedService, sync *service.SyncService, status *service.StatusService) *Handler {
	return &Handler{
		feed:   feed,
		sync:   sync,
		status: status,
	}
}

// SetScheduler lets GetStatus report the next scheduled passes.
func (h *Handler) SetScheduler(scheduler interface {
	GetNextUpdateTime() time.Time
	GetNextSyncTime() time.Time
}) {
	h.scheduler = scheduler
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		// Feeds
		api.GET("/feeds", h.ListFeeds)
		api.POST("/feeds", h.CreateFeed)
		api.POST("/feeds/update", h.UpdateFeeds)
		api.DELETE("/feeds/:id", h.DeleteFeed)
		api.POST("/feeds/:id/update", h.UpdateFeed)
		api.PUT("/feeds/:id/settings", h.UpdateFeedSettings)

		// Articles
		api.GET("/articles", h.ListArticles)
		api.POST("/articles/:id/read", h.SetArticleRead)
		api.DELETE("/articles/:id", h.DeleteArticle)

		// Sync
		api.POST("/sync", h.Sync)

		// Status
		api.GET("/status", h.GetStatus)
	}
}

// writeError maps service errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	var (
		netErr     *apperrors.NetworkError
		backendErr *apperrors.BackendError
	)
	switch {
	case apperrors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidFeedURL):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.As(err, &netErr), errors.As(err, &backendErr):
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// ===== Feeds =====

func (h *Handler) ListFeeds(c *gin.Context) {
	feeds, err := h.feed.ListFeeds(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, feeds)
}

type createFeedRequest struct {
	URL string `json:"url" binding:"required"`
}

func (h *Handler) CreateFeed(c *gin.Context) {
	var req createFeedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	feed, err := h.feed.AddFeed(c.Request.Context(), req.URL)
	if err != nil && feed == nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"feed": feed}
	if err != nil {
		// Subscribed, but the first download failed.
		resp["update_error"] = err.Error()
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) DeleteFeed(c *gin.Context) {
	if err := h.feed.DeleteFeed(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

func (h *Handler) UpdateFeed(c *gin.Context) {
	ctx := c.Request.Context()
	feed, err := h.feed.Feed(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	updated, err := h.feed.UpdateFeed(ctx, feed)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type feedUpdateOutcome struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

func (h *Handler) UpdateFeeds(c *gin.Context) {
	results, err := h.feed.UpdateFeeds(c.Request.Context(), nil)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]feedUpdateOutcome, len(results))
	failed := 0
	for i, r := range results {
		out[i] = feedUpdateOutcome{URL: r.URL}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": out, "failed": failed})
}

type feedSettingsRequest struct {
	MaxArticles *int `json:"max_articles" binding:"required,min=0"`
}

func (h *Handler) UpdateFeedSettings(c *gin.Context) {
	var req feedSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	feed, err := h.feed.SetMaxArticles(c.Request.Context(), c.Param("id"), *req.MaxArticles)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, feed)
}

// ===== Articles =====

func (h *Handler) ListArticles(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize := 20

	articles, total, err := h.feed.ListArticles(c.Request.Context(), service.ArticleQuery{
		FeedID:     c.Query("feed_id"),
		UnreadOnly: c.Query("unread") == "true",
		Limit:      pageSize,
		Offset:     (page - 1) * pageSize,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":  articles,
		"total": total,
		"page":  page,
	})
}

type readRequest struct {
	Read *bool `json:"read" binding:"required"`
}

// SetArticleRead records the read state locally; the backend push runs in
// the background.
func (h *Handler) SetArticleRead(c *gin.Context) {
	var req readRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	article, _, err := h.sync.SetRead(c.Request.Context(), c.Param("id"), *req.Read, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, article)
}

func (h *Handler) DeleteArticle(c *gin.Context) {
	if err := h.feed.DeleteArticle(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

// ===== Sync =====

func (h *Handler) Sync(c *gin.Context) {
	ctx := c.Request.Context()
	op, err := h.sync.Sync(ctx, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := op.Wait(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "synced", "configured": h.sync.Configured()})
}

// ===== Status =====

func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.status.GetSystemStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	status.BackendConfigured = h.sync.Configured()
	if h.scheduler != nil {
		status.NextUpdateTime = h.scheduler.GetNextUpdateTime()
		status.NextSyncTime = h.scheduler.GetNextSyncTime()
	}

	c.JSON(http.StatusOK, status)
}
