package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/derekparent/wheelhouse/internal/chat"
	"github.com/derekparent/wheelhouse/models"
	"github.com/derekparent/wheelhouse/provider"
)

var chatTracer = otel.Tracer("wheelhouse/server")

type chatRequest struct {
	Query     string `json:"query"`
	Equipment string `json:"equipment,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// sseWriter pushes server-sent events and flushes per event so tokens
// reach the client as they are generated.
type sseWriter struct {
	resp    *echo.Response
	flusher http.Flusher
}

func newSSEWriter(c echo.Context) (*sseWriter, error) {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}
	return &sseWriter{resp: resp, flusher: flusher}, nil
}

func (w *sseWriter) event(name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := w.resp.Write([]byte("event: " + name + "\n")); err != nil {
		return err
	}
	if _, err := w.resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// chat streams one conversational turn: token events while the model
// generates, then a terminal done event with the finalized session id
// and extracted source list.
func (h *Handlers) chat(c echo.Context) error {
	req := c.Request()
	ctx, span := chatTracer.Start(req.Context(), "Handlers.chat")
	defer span.End()
	c.SetRequest(req.WithContext(ctx))

	var body chatRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(body.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	sessionID := c.Param("id")
	span.SetAttributes(attribute.String("session_id", sessionID))

	w, err := newSSEWriter(c)
	if err != nil {
		return err
	}

	turn := chat.TurnRequest{
		SessionID: sessionID,
		Owner:     owner(c),
		Query:     body.Query,
		Equipment: body.Equipment,
		Limit:     body.Limit,
	}
	// Client disconnect cancels ctx, which tears down the upstream
	// generation instead of buffering into the void.
	result, err := h.Orch.Turn(ctx, turn, func(token string) error {
		return w.event("token", map[string]string{"content": token})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil
		}
		h.Logger.Printf("chat turn failed: %v", err)
		msg := "generation failed, please try again"
		var rle *models.RateLimitError
		if errors.As(err, &rle) {
			msg = "the assistant is rate limited, please retry shortly"
		}
		if errors.Is(err, provider.ErrNotConfigured) {
			msg = "assistant generation is not configured"
		}
		_ = w.event("error", map[string]string{"error": msg})
		return nil
	}
	span.SetAttributes(attribute.String("mode", string(result.Mode)))
	return w.event("done", result)
}
