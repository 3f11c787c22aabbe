package http

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmehdipour/evently/internal/model"
	"github.com/jmehdipour/evently/internal/repository"
	"github.com/jmehdipour/evently/internal/util"
	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

type createRouteReq struct {
	EventType   string             `json:"event_type"`
	ActionType  string             `json:"action_type"`
	Destination model.Destination  `json:"destination"`
	RetryPolicy *model.RetryPolicy `json:"retry_policy"`
	Enabled     *bool              `json:"enabled"`
}

func createRouteHandler(routesRepo repository.RoutesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createRouteReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.EventType = strings.TrimSpace(req.EventType)
		if req.EventType == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "event_type required"})
		}

		// MVP guardrail: webhook.deliver only
		action, ok := model.ParseActionType(req.ActionType)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "action_type must be 'webhook.deliver'"})
		}

		u, err := url.Parse(strings.TrimSpace(req.Destination.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "destination.url must be a valid http(s) URL"})
		}
		req.Destination.URL = u.String()

		policy := model.RetryPolicy{}
		if req.RetryPolicy != nil {
			policy = *req.RetryPolicy
		}
		policy = policy.Normalized()

		destJSON, err := json.Marshal(req.Destination)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad destination"})
		}
		policyJSON, err := json.Marshal(policy)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad retry_policy"})
		}

		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}

		route := model.Route{
			ID:          util.NewID(),
			EventType:   req.EventType,
			ActionType:  action,
			Destination: destJSON,
			RetryPolicy: policyJSON,
			Enabled:     enabled,
		}
		if err := routesRepo.Insert(c.Request().Context(), nil, route); err != nil {
			log.Errorf("create route failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusCreated, map[string]string{"id": route.ID})
	}
}

func listRoutesHandler(routesRepo repository.RoutesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		routes, err := routesRepo.List(c.Request().Context(), 100)
		if err != nil {
			log.Errorf("list routes failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		out := make([]map[string]any, 0, len(routes))
		for _, r := range routes {
			out = append(out, map[string]any{
				"id":           r.ID,
				"event_type":   r.EventType,
				"action_type":  r.ActionType.String(),
				"destination":  json.RawMessage(r.Destination),
				"retry_policy": json.RawMessage(r.RetryPolicy),
				"enabled":      r.Enabled,
				"created_at":   r.CreatedAt,
			})
		}
		return c.JSON(http.StatusOK, out)
	}
}
