package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/agentmesh/relay/pkg/database"
	"github.com/agentmesh/relay/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusUnhealthy = "unhealthy"
)

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status      string                 `json:"status"`
	Version     string                 `json:"version"`
	Connections int                    `json:"connections"`
	Checks      map[string]HealthCheck `json:"checks"`
}

// healthHandler handles GET /health. Only the relay's own components are
// checked; the external substrate is deliberately excluded so its outages
// never restart the relay.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := database.Health(reqCtx, s.dbClient.DB()); err != nil {
		status = healthStatusUnhealthy
		checks["database"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["database"] = HealthCheck{Status: healthStatusHealthy}
	}

	connections := 0
	if s.manager != nil {
		connections = s.manager.ActiveConnections()
		checks["subscriptions"] = HealthCheck{Status: healthStatusHealthy}
	} else {
		checks["subscriptions"] = HealthCheck{Status: healthStatusUnhealthy, Message: "manager not wired"}
		status = healthStatusUnhealthy
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{
		Status:      status,
		Version:     version.GitCommit,
		Connections: connections,
		Checks:      checks,
	})
}
