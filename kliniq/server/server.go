// Package server exposes the conversation manager over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness"
	ports "github.com/ZanzyTHEbar/kliniq-orchestrator/kliniq/harness/ports"
)

// UserHeader carries the user ID resolved by the upstream auth layer.
const UserHeader = "X-User-ID"

// Conversations is the subset of the conversation manager the routes need.
type Conversations interface {
	Handle(ctx context.Context, in harness.InboundRequest) (*harness.OutboundResponse, error)
	SetLanguagePreference(ctx context.Context, conversationID, userID string, lang ports.Language) error
	History(ctx context.Context, conversationID, userID string) (ports.Conversation, error)
}

// Handler holds route dependencies.
type Handler struct {
	conversations  Conversations
	requestTimeout time.Duration
	logger         zerolog.Logger
}

// NewHandler creates a handler. A zero timeout leaves requests unbounded.
func NewHandler(conversations Conversations, requestTimeout time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{conversations: conversations, requestTimeout: requestTimeout, logger: logger}
}

// New builds the echo server with middleware and routes.
func New(h *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := h.logger.Info()
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				ev = h.logger.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("request_id", v.RequestID).
				Msg("request")
			return nil
		},
	}))

	h.RegisterRoutes(e)
	return e
}

// RegisterRoutes registers the HTTP routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", h.Health)

	v1 := e.Group("/v1")
	v1.POST("/chat", h.Chat)
	v1.GET("/conversations/:id", h.GetConversation)
	v1.PUT("/conversations/:id/language", h.SetLanguage)
}

// Health reports liveness.
// GET /healthz
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Chat handles one user utterance.
// POST /v1/chat
func (h *Handler) Chat(c echo.Context) error {
	var req harness.InboundRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body", ports.ErrInvalidRequest))
	}
	if user := c.Request().Header.Get(UserHeader); user != "" {
		req.UserID = user
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	resp, err := h.conversations.Handle(ctx, req)
	if err != nil {
		if resp != nil && resp.State == harness.StateFailed {
			// The cause stays in the logs; the user gets the fallback reply.
			return c.JSON(http.StatusBadGateway, resp)
		}
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetConversation returns the turn log of a conversation.
// GET /v1/conversations/:id
func (h *Handler) GetConversation(c echo.Context) error {
	ctx, cancel := h.requestContext(c)
	defer cancel()

	conv, err := h.conversations.History(ctx, c.Param("id"), c.Request().Header.Get(UserHeader))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, conv)
}

// LanguageRequest changes the conversation language preference.
type LanguageRequest struct {
	Language string `json:"language"`
}

// SetLanguage records an explicit language choice.
// PUT /v1/conversations/:id/language
func (h *Handler) SetLanguage(c echo.Context) error {
	var req LanguageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body", ports.ErrInvalidRequest))
	}
	lang, ok := ports.ParseLanguage(req.Language)
	if !ok {
		return c.JSON(http.StatusBadRequest, errorBody("unsupported language", ports.ErrInvalidRequest))
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	if err := h.conversations.SetLanguagePreference(ctx, c.Param("id"), c.Request().Header.Get(UserHeader), lang); err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"conversationId": c.Param("id"), "languagePreference": lang})
}

func (h *Handler) requestContext(c echo.Context) (context.Context, context.CancelFunc) {
	ctx := c.Request().Context()
	if h.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.requestTimeout)
}

func (h *Handler) writeError(c echo.Context, err error) error {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		return c.JSON(status, errorBody("internal error", err))
	}
	return c.JSON(status, errorBody(err.Error(), err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ports.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ports.ErrConversationNotOwned):
		return http.StatusForbidden
	case errors.Is(err, ports.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ports.ErrConversationBusy):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(msg string, err error) map[string]string {
	body := map[string]string{"error": msg}
	if kind := ports.KindName(err); kind != "" {
		body["kind"] = kind
	}
	return body
}
