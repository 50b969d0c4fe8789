package http

import (
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"

	"github.com/inkwell-labs/inkwell-events/internal/http/middleware"
	"github.com/inkwell-labs/inkwell-events/internal/repository"
	"github.com/inkwell-labs/inkwell-events/internal/service/journal"
)

const maxBodyRunes = 100_000

type entryReq struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (r *entryReq) normalize() bool {
	r.Title = strings.TrimSpace(r.Title)
	r.Body = strings.TrimSpace(r.Body)
	if r.Title == "" && r.Body == "" {
		return false
	}
	return utf8.RuneCountInString(r.Body) <= maxBodyRunes
}

func createEntryHandler(svc *journal.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok || userID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		var req entryReq
		if err := c.Bind(&req); err != nil || !req.normalize() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		id, err := svc.Create(c.Request().Context(), userID, req.Title, req.Body)
		if err != nil {
			log.Errorf("create entry failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusCreated, map[string]any{"id": id})
	}
}

func updateEntryHandler(svc *journal.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok || userID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		entryID := c.Param("id")
		var req entryReq
		if err := c.Bind(&req); err != nil || !req.normalize() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		err := svc.Update(c.Request().Context(), userID, entryID, req.Title, req.Body)
		if errors.Is(err, repository.ErrEntryNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		if err != nil {
			log.Errorf("update entry failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{"id": entryID})
	}
}

func deleteEntryHandler(svc *journal.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok || userID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		entryID := c.Param("id")
		err := svc.Delete(c.Request().Context(), userID, entryID)
		if errors.Is(err, repository.ErrEntryNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		if err != nil {
			log.Errorf("delete entry failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.NoContent(http.StatusNoContent)
	}
}

func reindexEntryHandler(svc *journal.Service) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok || userID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		entryID := c.Param("id")
		err := svc.Reindex(c.Request().Context(), userID, entryID)
		if errors.Is(err, repository.ErrEntryNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}
		if err != nil {
			log.Errorf("reindex entry failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusAccepted, map[string]any{"id": entryID, "enqueued": true})
	}
}
