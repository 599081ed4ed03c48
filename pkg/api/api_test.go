package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentmesh/relay/pkg/reducer"
	"github.com/agentmesh/relay/pkg/store"
)

func TestBearerTokenFromHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
	r.Header.Set("Authorization", "Bearer abc123")
	assert.Equal(t, "abc123", bearerToken(r))
}

func TestBearerTokenFromQueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/ws?token=qp456", nil)
	assert.Equal(t, "qp456", bearerToken(r))
}

func TestBearerTokenHeaderWinsOverQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/ws?token=qp", nil)
	r.Header.Set("Authorization", "Bearer hdr")
	assert.Equal(t, "hdr", bearerToken(r))
}

func TestBearerTokenMissing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/ws", nil)
	assert.Empty(t, bearerToken(r))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Empty(t, bearerToken(r))
}

func TestMapErrorReducerCodes(t *testing.T) {
	tests := []struct {
		code reducer.Code
		want int
	}{
		{reducer.CodeUnauthorized, http.StatusUnauthorized},
		{reducer.CodeClaimExpired, http.StatusUnauthorized},
		{reducer.CodeInvalidRequest, http.StatusBadRequest},
		{reducer.CodeUnknownReducer, http.StatusBadRequest},
		{reducer.CodeUnknownStream, http.StatusBadRequest},
		{reducer.CodeNotFound, http.StatusNotFound},
		{reducer.CodeIllegalTransition, http.StatusConflict},
		{reducer.CodeConflictingIdempotency, http.StatusConflict},
		{reducer.CodeThrottled, http.StatusTooManyRequests},
		{reducer.CodeBudgetExhausted, http.StatusTooManyRequests},
		{reducer.CodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			he := mapError(reducer.Errorf(tt.code, "boom"))
			assert.Equal(t, tt.want, he.Code)
		})
	}
}

func TestMapErrorStoreAndUnknown(t *testing.T) {
	he := mapError(store.ErrUnknownStream)
	assert.Equal(t, http.StatusNotFound, he.Code)

	he = mapError(errors.New("something odd"))
	assert.Equal(t, http.StatusInternalServerError, he.Code)
}
