package server

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/derekparent/wheelhouse/config"
	"github.com/derekparent/wheelhouse/internal/chat"
	"github.com/derekparent/wheelhouse/internal/index"
	"github.com/derekparent/wheelhouse/internal/search"
	"github.com/derekparent/wheelhouse/internal/session"
	"github.com/derekparent/wheelhouse/internal/websearch"
)

// Handlers carries the wired assistant core into the echo routes.
type Handlers struct {
	Cfg       *config.Config
	Engine    *search.Engine
	Orch      *chat.Orchestrator
	Sessions  *session.Store
	Augmenter *websearch.Augmenter
	Logger    *log.Logger
}

func (h *Handlers) Register(g *echo.Group) {
	g.GET("/search", h.search)
	g.GET("/sessions", h.listSessions)
	g.DELETE("/sessions/:id", h.deleteSession)
	g.POST("/sessions/:id/chat", h.chat)
	g.POST("/chat", h.chat)
	g.POST("/sessions/:id/augment", h.augment)
	g.GET("/augment/available", h.augmentAvailable)
}

// owner identifies the requesting user. Authentication is handled by
// the surrounding application; this core only scopes data by owner.
func owner(c echo.Context) string {
	if v := strings.TrimSpace(c.Request().Header.Get("X-Owner-ID")); v != "" {
		return v
	}
	return "anonymous"
}

func (h *Handlers) search(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	filters := index.Filters{
		Equipment: strings.TrimSpace(c.QueryParam("equipment")),
		DocType:   strings.TrimSpace(c.QueryParam("doc_type")),
	}
	results, prep, err := h.Engine.Search(c.Request().Context(), q, filters, limit, h.Cfg.Search.AuthorityBoost)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"results":             results,
		"suggested_equipment": prep.SuggestedEquipment,
	})
}

func (h *Handlers) listSessions(c echo.Context) error {
	items, err := h.Sessions.ListSessions(c.Request().Context(), owner(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handlers) deleteSession(c echo.Context) error {
	err := h.Sessions.DeleteSession(c.Request().Context(), c.Param("id"), owner(c))
	if err == session.ErrNotFound {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handlers) augmentAvailable(c echo.Context) error {
	// The client hides the augmentation action when this is false.
	return c.JSON(http.StatusOK, map[string]bool{"available": h.Augmenter.Available() && h.Orch.LLM != nil})
}
