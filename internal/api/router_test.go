package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/couchcryptid/pgwatch/internal/model"
	"github.com/couchcryptid/pgwatch/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReporter struct {
	status model.Status
}

func (s stubReporter) Status() model.Status { return s.status }

func (s stubReporter) CheckReadiness(context.Context) error {
	if !s.status.Connected {
		return errors.New("database not connected")
	}
	return nil
}

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Healthz(t *testing.T) {
	h := NewRouter(stubReporter{}, observability.NewTestMetrics(), 4)
	assert.Equal(t, http.StatusOK, serve(t, h, "/healthz").Code)
}

func TestRouter_ReadyzFollowsConnectivity(t *testing.T) {
	m := observability.NewTestMetrics()

	up := NewRouter(stubReporter{status: model.Status{Connected: true}}, m, 4)
	assert.Equal(t, http.StatusOK, serve(t, up, "/readyz").Code)

	down := NewRouter(stubReporter{}, m, 4)
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, down, "/readyz").Code)
}

func TestRouter_Status(t *testing.T) {
	since := time.Date(2024, 5, 26, 12, 0, 0, 0, time.UTC)
	h := NewRouter(stubReporter{status: model.Status{Connected: true, Since: since, Transitions: 3}}, observability.NewTestMetrics(), 4)

	rec := serve(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got model.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Connected)
	assert.True(t, since.Equal(got.Since))
	assert.Equal(t, uint64(3), got.Transitions)
}

func TestRouter_Metrics(t *testing.T) {
	h := NewRouter(stubReporter{}, observability.NewTestMetrics(), 4)

	rec := serve(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestRouter_UnknownPath(t *testing.T) {
	h := NewRouter(stubReporter{}, observability.NewTestMetrics(), 4)
	assert.Equal(t, http.StatusNotFound, serve(t, h, "/nope").Code)
}
