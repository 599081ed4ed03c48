package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentmesh/relay/pkg/reducer"
	"github.com/agentmesh/relay/pkg/store"
)

// mapError maps transport-layer errors to HTTP error responses.
func mapError(err error) *echo.HTTPError {
	var re *reducer.Error
	if errors.As(err, &re) {
		return echo.NewHTTPError(httpStatusFor(re.Code), re.Message)
	}
	if errors.Is(err, store.ErrUnknownStream) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown stream")
	}

	slog.Error("Unexpected API error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

func httpStatusFor(code reducer.Code) int {
	switch code {
	case reducer.CodeUnauthorized, reducer.CodeClaimExpired:
		return http.StatusUnauthorized
	case reducer.CodeInvalidRequest, reducer.CodeUnknownReducer, reducer.CodeUnknownStream:
		return http.StatusBadRequest
	case reducer.CodeNotFound:
		return http.StatusNotFound
	case reducer.CodeIllegalTransition, reducer.CodeConflictingIdempotency:
		return http.StatusConflict
	case reducer.CodeThrottled, reducer.CodeBudgetExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
