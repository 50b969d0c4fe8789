package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/inkwell-labs/inkwell-events/internal/config"
	"github.com/inkwell-labs/inkwell-events/internal/http/middleware"
	"github.com/inkwell-labs/inkwell-events/internal/logger"
	"github.com/inkwell-labs/inkwell-events/internal/repository"
	"github.com/inkwell-labs/inkwell-events/internal/service/journal"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client) *Server {
	// repos (MySQL)
	usersRepo := repository.NewUsersRepository(mysqlDB)
	entriesRepo := repository.NewEntriesRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)

	// repos (ClickHouse)
	auditRepo := repository.NewAuditRepository(clickhouseDB)

	// services
	journalSvc := journal.New(mysqlDB, entriesRepo, outboxRepo)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(usersRepo)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:user:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/entries", createEntryHandler(journalSvc))
	v1.PUT("/entries/:id", updateEntryHandler(journalSvc))
	v1.DELETE("/entries/:id", deleteEntryHandler(journalSvc))
	v1.POST("/entries/:id/reindex", reindexEntryHandler(journalSvc))
	v1.GET("/reports/events", listEventsHandler(auditRepo))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	logger.Log.Info("http listening", zap.String("addr", addr))
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
