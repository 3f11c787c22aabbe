package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/evently/internal/service/ingest"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type submitEventReq struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func submitEventHandler(ingestSvc *ingest.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req submitEventReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.Type = strings.TrimSpace(req.Type)
		req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

		res, err := ingestSvc.Submit(c.Request().Context(), req.Type, req.Payload, req.IdempotencyKey)
		if err != nil {
			if errors.Is(err, ingest.ErrValidation) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}

			log.Errorf("submit event failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"id":        res.Event.ID,
			"duplicate": res.Duplicate,
			"jobs":      len(res.JobIDs),
		})
	}
}
