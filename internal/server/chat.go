package server

import (
	"context"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/aide/internal/engine"
	"github.com/mohammad-safakhou/aide/internal/session"
	"github.com/mohammad-safakhou/aide/internal/store"
)

// Runner is the engine surface the chat handler needs.
type Runner interface {
	Run(ctx context.Context, req engine.Request) *engine.Outcome
}

type ChatHandler struct {
	Engine         Runner
	History        session.Store
	Store          *store.Store
	DefaultBackend string
	Logger         *log.Logger
}

func (h *ChatHandler) Register(g *echo.Group, secret []byte) {
	g.Use(AuthMiddleware(secret))
	g.POST("", h.chat)
}

func (h *ChatHandler) chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	backendName := req.Backend
	if backendName == "" {
		backendName = h.DefaultBackend
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	userID, _ := c.Get("user_id").(string)
	ctx := c.Request().Context()

	history, err := h.History.Load(ctx, sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "loading history: "+err.Error())
	}

	outcome := h.Engine.Run(ctx, engine.Request{
		Message: req.Message,
		History: history,
		Backend: backendName,
	})

	switch outcome.Status {
	case engine.StatusNoOp:
		return c.JSON(http.StatusOK, ChatResponse{SessionID: sessionID, Status: outcome.Status})
	case engine.StatusError:
		// The final text still carries the user-facing error line.
	}

	if err := h.History.Save(ctx, sessionID, outcome.History); err != nil {
		h.Logger.Printf("saving history for session %s: %v", sessionID, err)
	}
	if h.Store != nil && outcome.RequestID != "" {
		if err := h.Store.AttachOutcomeOwner(ctx, outcome.RequestID, userID, sessionID); err != nil {
			h.Logger.Printf("attaching outcome owner %s: %v", outcome.RequestID, err)
		}
	}

	return c.JSON(http.StatusOK, ChatResponse{
		RequestID:  outcome.RequestID,
		SessionID:  sessionID,
		Reply:      outcome.FinalText,
		Status:     outcome.Status,
		ToolErrors: outcome.ToolErrors,
	})
}
