package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/agentmesh/relay/pkg/claims"
)

// wsHandler authenticates the bearer claim, upgrades the connection, and
// hands it to the subscription manager.
//
// The claim arrives in the Authorization header, or in the short-lived
// "token" query parameter for environments that cannot set headers on the
// upgrade request.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.manager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "subscriptions not available")
	}

	token := bearerToken(c.Request())
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer claim")
	}
	claim, err := s.verifier.Verify(token)
	if err != nil {
		if errors.Is(err, claims.ErrExpired) {
			return echo.NewHTTPError(http.StatusUnauthorized, "claim expired")
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid claim")
	}

	opts := &websocket.AcceptOptions{}
	if len(s.cfg.Server.AllowedWSOrigins) > 0 {
		opts.OriginPatterns = s.cfg.Server.AllowedWSOrigins
	} else {
		opts.InsecureSkipVerify = true
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.manager.HandleConnection(c.Request().Context(), conn, claim)
	return nil
}

// bearerToken extracts the claim token from the Authorization header or the
// token query parameter.
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return rest
		}
	}
	return r.URL.Query().Get("token")
}
