package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/tiderelay/internal/monitoring"
	"github.com/banshee-data/tiderelay/internal/sensor"
)

// WriteJSONError writes {"error": msg} with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log := monitoring.Component("http")
		log.Warn().Err(err).Msg("failed to encode json response")
	}
}

// WriteJSONOK writes a 200 JSON response.
func WriteJSONOK(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, data)
}

func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}

// ServiceUnavailable is written when the subsystem behind a route did not
// start.
func ServiceUnavailable(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusServiceUnavailable, msg)
}

// QueryInt returns the named query parameter as an int in [lo, hi], or def
// when it is absent.
func QueryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid '%s' parameter: want an integer in [%d, %d]", name, lo, hi)
	}
	return n, nil
}

// QuerySensor returns the named query parameter as a sensor identity. ok
// is false when it is absent.
func QuerySensor(r *http.Request, name string) (id sensor.Identity, ok bool, err error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return sensor.Identity{}, false, nil
	}
	id, err = sensor.Parse(v)
	if err != nil {
		return sensor.Identity{}, false, fmt.Errorf("invalid '%s' parameter: %w", name, err)
	}
	return id, true, nil
}
