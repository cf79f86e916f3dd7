package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tiderelay/internal/sensor"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp["error"]
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter)
		status int
		msg    string
	}{
		{"json error", func(w http.ResponseWriter) { WriteJSONError(w, http.StatusTeapot, "short and stout") }, http.StatusTeapot, "short and stout"},
		{"method", MethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed"},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "bad") }, http.StatusBadRequest, "bad"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "oops") }, http.StatusInternalServerError, "oops"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "gone") }, http.StatusNotFound, "gone"},
		{"unavailable", func(w http.ResponseWriter) { ServiceUnavailable(w, "storage down") }, http.StatusServiceUnavailable, "storage down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.msg, decodeError(t, rec))
		})
	}
}

func TestWriteJSONOK(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteJSONOK(rec, []int{1, 2})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[1,2]`, rec.Body.String())
}

func TestQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/events?limit=20&bad=x&big=900", nil)

	n, err := QueryInt(req, "limit", 50, 1, 500)
	require.NoError(t, err)
	assert.Equal(t, 20, n)

	n, err = QueryInt(req, "absent", 50, 1, 500)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	_, err = QueryInt(req, "bad", 50, 1, 500)
	assert.Error(t, err)
	_, err = QueryInt(req, "big", 50, 1, 500)
	assert.Error(t, err)
}

func TestQuerySensor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/sequences?sensor=aa:bb:cc:dd:ee:ff&bad=zz", nil)

	id, ok, err := QuerySensor(req, "sensor")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sensor.MustParse("AA:BB:CC:DD:EE:FF"), id)

	_, ok, err = QuerySensor(req, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = QuerySensor(req, "bad")
	assert.Error(t, err)
}
