package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jmehdipour/evently/internal/config"
	"github.com/jmehdipour/evently/internal/http/middleware"
	"github.com/jmehdipour/evently/internal/metrics"
	"github.com/jmehdipour/evently/internal/repository"
	"github.com/jmehdipour/evently/internal/service/ingest"
	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, pg *sqlx.DB, rds *redis.Client) *Server {
	// repos
	routesRepo := repository.NewRoutesRepository(pg)
	eventsRepo := repository.NewEventsRepository(pg)
	jobsRepo := repository.NewJobsRepository(pg)
	attemptsRepo := repository.NewAttemptsRepository(pg)
	outboxRepo := repository.NewOutboxRepository(pg)

	// services
	ingestSvc := ingest.New(pg, routesRepo, eventsRepo, jobsRepo, outboxRepo, cfg.Kafka.Topic)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error {
		if err := pg.PingContext(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"ok": false})
		}
		return c.JSON(http.StatusOK, map[string]any{"ok": true})
	})

	// middlewares
	authMW := middleware.APIKeyMiddleware(cfg.HTTP.APIKeys)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		RPS:            cfg.RateLimit.RPS,
		KeyPrefix:      "rl:key:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/routes", createRouteHandler(routesRepo))
	v1.GET("/routes", listRoutesHandler(routesRepo))
	v1.POST("/events", submitEventHandler(ingestSvc))
	v1.GET("/jobs/:id", getJobHandler(jobsRepo, attemptsRepo))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
