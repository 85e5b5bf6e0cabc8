package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, 400, problem.Status)
	assert.Equal(t, "Bad Request", problem.Title)
	assert.Equal(t, "field is missing", problem.Detail)
	assert.Equal(t, "urn:dataport:error:400", problem.Type)
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.NotContains(t, problem.Detail, "10.0.0.1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	WriteTooManyRequests(w, 30)

	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestWriteUnauthorized_DefaultDetail(t *testing.T) {
	w := httptest.NewRecorder()
	WriteUnauthorized(w, "")

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, "Authentication required", problem.Detail)
}

func TestWriteErrorR_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest("GET", "/incidents/stream", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	WriteErrorR(w, req, http.StatusNotFound, "Not Found", "unknown topic")

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&problem))
	assert.Equal(t, "/incidents/stream", problem.Instance)
	assert.Equal(t, "req-123", problem.TraceID)
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantDetail string
		wantReq    string
	}{
		{"problem", `{"title":"Service Unavailable","status":503,"detail":"warming up","trace_id":"r-1"}`, "warming up", "r-1"},
		{"legacy message", `{"message":"db down"}`, "db down", ""},
		{"not json", `<html>bad gateway</html>`, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := parseError(503, "GET /incidents", "", []byte(tt.body))
			assert.Equal(t, tt.wantDetail, e.Detail)
			assert.Equal(t, tt.wantReq, e.RequestID)
			assert.True(t, e.Retryable())
			assert.Contains(t, e.Error(), "GET /incidents")
		})
	}

	assert.False(t, (&APIError{Status: 404}).Retryable())
	assert.Contains(t, (&APIError{Status: 404, Endpoint: "x"}).Error(), "Not Found")
}
