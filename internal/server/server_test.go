package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SimpnicServerTeam/scs-pggate/internal/metrics"
	"github.com/SimpnicServerTeam/scs-pggate/internal/models"
	"github.com/SimpnicServerTeam/scs-pggate/internal/server"
)

func performServerRequest(app *echo.Echo, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	app.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	app := server.New(nil)

	rec := performServerRequest(app, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	t.Run("ExportsGatewayMetrics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		m.ClientSessions.Set(3)
		app := server.New(reg)

		rec := performServerRequest(app, http.MethodGet, "/metrics")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "pggate_client_sessions 3")
	})

	t.Run("UnmountedWithoutGatherer", func(t *testing.T) {
		app := server.New(nil)

		rec := performServerRequest(app, http.MethodGet, "/metrics")

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_ErrorBodies(t *testing.T) {
	app := server.New(nil)
	app.GET("/http-error", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "Snapshot already loading")
	})
	app.GET("/opaque-error", func(c echo.Context) error {
		return assert.AnError
	})

	t.Run("HTTPErrorKeepsCodeAndMessage", func(t *testing.T) {
		rec := performServerRequest(app, http.MethodGet, "/http-error")

		assert.Equal(t, http.StatusConflict, rec.Code)
		var resp models.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Snapshot already loading", resp.Error)
	})

	t.Run("OpaqueErrorIsNotLeaked", func(t *testing.T) {
		rec := performServerRequest(app, http.MethodGet, "/opaque-error")

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		var resp models.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Internal server error", resp.Error)
		assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
	})

	t.Run("UnknownRouteIsNotFound", func(t *testing.T) {
		rec := performServerRequest(app, http.MethodGet, "/no-such-route")

		assert.Equal(t, http.StatusNotFound, rec.Code)
		var resp models.ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "Not Found", resp.Error)
	})
}
