package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/derekparent/wheelhouse/internal/chat"
	"github.com/derekparent/wheelhouse/internal/websearch"
)

type augmentRequest struct {
	Query     string   `json:"query"`
	Equipment string   `json:"equipment,omitempty"`
	Domains   []string `json:"domains,omitempty"`
}

// augment runs the user-triggered web augmentation: cached/looked-up
// web results first, then a synthesis turn comparing them against the
// session's grounded answer. Only ever explicit, never automatic.
func (h *Handlers) augment(c echo.Context) error {
	req := c.Request()
	ctx, span := chatTracer.Start(req.Context(), "Handlers.augment")
	defer span.End()
	c.SetRequest(req.WithContext(ctx))

	if !h.Augmenter.Available() {
		// Unconfigured augmentation hides itself.
		return echo.NewHTTPError(http.StatusNotFound, "not found")
	}

	var body augmentRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(body.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	sessionID := c.Param("id")
	span.SetAttributes(attribute.String("session_id", sessionID))

	domains := body.Domains
	if len(domains) == 0 {
		domains = h.Cfg.WebSearch.AllowDomains
	}

	w, err := newSSEWriter(c)
	if err != nil {
		return err
	}

	results, err := h.Augmenter.Search(ctx, body.Query, body.Equipment, domains)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, websearch.ErrUnavailable) {
			return w.event("unavailable", map[string]string{"reason": "web search providers unavailable"})
		}
		span.SetStatus(codes.Error, err.Error())
		return w.event("error", map[string]string{"error": "web search failed"})
	}
	if err := w.event("web_results", map[string]interface{}{"results": results}); err != nil {
		return nil
	}

	result, err := h.Orch.Synthesize(ctx, sessionID, owner(c), body.Query, results, func(token string) error {
		return w.event("token", map[string]string{"content": token})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil
		}
		msg := "synthesis failed, please try again"
		if errors.Is(err, chat.ErrNoGroundedAnswer) {
			msg = "ask a manual-grounded question before requesting a web check"
		}
		_ = w.event("error", map[string]string{"error": msg})
		return nil
	}
	return w.event("done", result)
}
