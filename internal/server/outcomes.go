package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/aide/internal/store"
)

type OutcomesHandler struct {
	Store *store.Store
}

func (h *OutcomesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(AuthMiddleware(secret))
	g.GET("", h.list)
}

func (h *OutcomesHandler) list(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	records, err := h.Store.ListOutcomes(c.Request().Context(), userID, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make([]OutcomeResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, OutcomeResponse{
			RequestID:        rec.RequestID,
			Model:            rec.Model,
			UserQuestion:     rec.UserQuestion,
			DurationSeconds:  rec.DurationSeconds,
			InvokedTools:     rec.InvokedTools,
			InvokedProviders: rec.InvokedProviders,
			Status:           rec.Status,
			ErrorMessage:     rec.ErrorMessage,
			ToolErrors:       rec.ToolErrors,
			CreatedAt:        rec.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}
