package http

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/inkwell-labs/inkwell-events/internal/model"
	"github.com/inkwell-labs/inkwell-events/internal/repository"
)

// listEventsHandler serves the published-event audit log from ClickHouse.
func listEventsHandler(audit repository.AuditRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var eventType string
		if raw := strings.TrimSpace(c.QueryParam("event_type")); raw != "" {
			if t, ok := model.ParseEventType(raw); ok {
				eventType = t.String()
			}
		}
		aggregateID := strings.TrimSpace(c.QueryParam("aggregate_id"))

		rows, err := audit.List(c.Request().Context(), aggregateID, eventType, limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(rows),
			"results": rows,
		})
	}
}
