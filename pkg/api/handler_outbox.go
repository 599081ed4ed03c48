package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentmesh/relay/pkg/outbox"
)

const failedListLimit = 200

// failedOutboxHandler lists permanently failed outbox entries for operator
// triage.
func (s *Server) failedOutboxHandler(c *echo.Context) error {
	entries, err := outbox.FailedEntries(c.Request().Context(), s.dbClient.DB(), failedListLimit)
	if err != nil {
		return mapError(err)
	}
	if entries == nil {
		entries = []outbox.Entry{}
	}
	return c.JSON(http.StatusOK, map[string]any{"entries": entries})
}

// retryOutboxHandler re-arms one failed entry.
func (s *Server) retryOutboxHandler(c *echo.Context) error {
	entryID := c.Param("entry_id")
	if entryID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "entry_id is required")
	}
	if err := outbox.RetryFailed(c.Request().Context(), s.dbClient.DB(), entryID); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"entry_id": entryID, "state": outbox.StatePending})
}
