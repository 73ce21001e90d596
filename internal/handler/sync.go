package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"gridsync/internal/engine"
)

// SyncHandler is the read-only projection of the engine: paginated
// positions plus connectivity state. Surfacing these is the consumer's
// responsibility; the engine itself stays silent.
type SyncHandler struct {
	Engine *engine.Engine
}

func (h *SyncHandler) Register(r *gin.Engine) {
	g := r.Group("/v1")
	g.GET("/positions", h.positions)
	g.GET("/state", h.state)
	g.POST("/positions/more", h.loadMore)
}

func (h *SyncHandler) positions(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable")
		return
	}
	page := intQuery(c, "page", 0)
	if page < 0 {
		page = 0
	}
	items := h.Engine.Cache.Page(page)
	OkPaged(c, items, page, h.Engine.Cache.PageCount(), h.Engine.Cache.Len())
}

func (h *SyncHandler) state(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable")
		return
	}
	lastErr := ""
	if err := h.Engine.LastError(); err != nil {
		lastErr = err.Error()
	}
	Ok(c, gin.H{
		"live":           h.Engine.Live(),
		"fallbackActive": h.Engine.FallbackActive(),
		"lastError":      lastErr,
	})
}

func (h *SyncHandler) loadMore(c *gin.Context) {
	if h.Engine == nil {
		Error(c, http.StatusInternalServerError, "engine unavailable")
		return
	}
	more, err := h.Engine.LoadMore(c.Request.Context())
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error())
		return
	}
	Ok(c, gin.H{"hasMore": more, "total": h.Engine.Cache.Len()})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
