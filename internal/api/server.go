// Package api serves the relay's JSON API, its metrics and the /debug/
// pages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/banshee-data/tiderelay/internal/dedup"
	"github.com/banshee-data/tiderelay/internal/events"
	"github.com/banshee-data/tiderelay/internal/health"
	"github.com/banshee-data/tiderelay/internal/httputil"
	"github.com/banshee-data/tiderelay/internal/readings"
	"github.com/banshee-data/tiderelay/internal/registry"
	"github.com/banshee-data/tiderelay/internal/sensor"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// SensorLister lists known sensors.
type SensorLister interface {
	List(ctx context.Context) ([]registry.Sensor, error)
}

// SequenceLister lists persisted sequence progress.
type SequenceLister interface {
	Sequences(ctx context.Context) ([]dedup.SequenceState, error)
}

// UploadSwitch toggles the upload beacon.
type UploadSwitch interface {
	SetActive(active bool) (previous bool)
	Active() bool
}

// ReadingsSource reads exported readings.
type ReadingsSource interface {
	Rows(ctx context.Context, id sensor.Identity, seq uint16) ([]readings.Row, error)
	Exports(ctx context.Context, limit int) ([]readings.ExportRecord, error)
}

// Config wires a Server. Nil collaborators make their routes answer 503.
type Config struct {
	Sensors   SensorLister
	Sequences SequenceLister
	Ring      *events.Ring
	Upload    UploadSwitch
	Readings  ReadingsSource
	Health    *health.Monitor
	Gatherer  prometheus.Gatherer
	Logger    zerolog.Logger
}

type Server struct {
	cfg     Config
	display *events.Display
	log     zerolog.Logger
}

func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg, log: cfg.Logger}
	if cfg.Ring != nil {
		s.display = events.NewDisplay(cfg.Ring)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration. color selects
// ANSI-coloured messages for console output.
func LoggingMiddleware(log zerolog.Logger, color bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		ms := float64(time.Since(start).Nanoseconds()) / 1e6
		if color {
			log.Info().Msgf("[%s] %s %s%s%s %vms",
				statusCodeColor(lrw.statusCode), r.Method,
				colorCyan, r.RequestURI, colorReset, ms)
			return
		}
		log.Info().
			Int("status", lrw.statusCode).
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Float64("ms", ms).
			Msg("http request")
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/sensors", s.listSensors)
	mux.HandleFunc("/api/sequences", s.listSequences)
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/display", s.showDisplay)
	mux.HandleFunc("/api/upload", s.upload)
	mux.HandleFunc("/api/readings", s.listReadings)
	mux.HandleFunc("/api/exports", s.listExports)
	mux.HandleFunc("/api/health", s.showHealth)
	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) listSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Sensors == nil {
		httputil.ServiceUnavailable(w, "sensor registry unavailable")
		return
	}
	list, err := s.cfg.Sensors.List(r.Context())
	if err != nil {
		httputil.InternalServerError(w, "Failed to list sensors: "+err.Error())
		return
	}
	if list == nil {
		list = []registry.Sensor{}
	}
	httputil.WriteJSONOK(w, list)
}

func (s *Server) listSequences(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Sequences == nil {
		httputil.ServiceUnavailable(w, "packet store unavailable")
		return
	}
	id, filter, err := httputil.QuerySensor(r, "sensor")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	all, err := s.cfg.Sequences.Sequences(r.Context())
	if err != nil {
		httputil.InternalServerError(w, "Failed to list sequences: "+err.Error())
		return
	}
	out := make([]dedup.SequenceState, 0, len(all))
	for _, st := range all {
		if filter && st.Sensor != id {
			continue
		}
		out = append(out, st)
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Ring == nil {
		httputil.ServiceUnavailable(w, "event ring unavailable")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 0, 0, 100000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	evs := s.cfg.Ring.Recent(limit)
	if t := r.URL.Query().Get("type"); t != "" {
		kept := evs[:0]
		for _, e := range evs {
			if string(e.Type) == t {
				kept = append(kept, e)
			}
		}
		evs = kept
	}
	if evs == nil {
		evs = []events.Event{}
	}
	httputil.WriteJSONOK(w, evs)
}

func (s *Server) showDisplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.display == nil {
		httputil.ServiceUnavailable(w, "event ring unavailable")
		return
	}
	page := s.display.Current()
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		httputil.WriteJSONOK(w, map[string][]string{"lines": splitLines(page)})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(page))
}

func splitLines(page string) []string {
	if page == "" {
		return []string{}
	}
	return strings.Split(page, "\n")
}

var errBadUpload = errors.New(`want {"active": true|false} or active=true|false`)

type uploadState struct {
	Active   bool  `json:"active"`
	Previous *bool `json:"previous,omitempty"`
}

// upload reports the upload beacon state on GET and sets it on POST from a
// JSON body {"active": bool} or an "active" form value.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Upload == nil {
		httputil.ServiceUnavailable(w, "upload beacon unavailable")
		return
	}
	switch r.Method {
	case http.MethodGet:
		httputil.WriteJSONOK(w, uploadState{Active: s.cfg.Upload.Active()})
	case http.MethodPost:
		active, err := parseActive(r)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		prev := s.cfg.Upload.SetActive(active)
		s.log.Info().Bool("active", active).Bool("previous", prev).Msg("upload beacon toggled")
		httputil.WriteJSONOK(w, uploadState{Active: active, Previous: &prev})
	default:
		httputil.MethodNotAllowed(w)
	}
}

func parseActive(r *http.Request) (bool, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Active *bool `json:"active"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1024)).Decode(&body); err != nil {
			return false, errBadUpload
		}
		if body.Active == nil {
			return false, errBadUpload
		}
		return *body.Active, nil
	}
	v, err := strconv.ParseBool(r.FormValue("active"))
	if err != nil {
		return false, errBadUpload
	}
	return v, nil
}

func (s *Server) listReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Readings == nil {
		httputil.ServiceUnavailable(w, "readings export disabled")
		return
	}
	id, seq, ok := sequenceParams(w, r)
	if !ok {
		return
	}
	rows, err := s.cfg.Readings.Rows(r.Context(), id, seq)
	if err != nil {
		httputil.InternalServerError(w, "Failed to read readings: "+err.Error())
		return
	}
	if rows == nil {
		rows = []readings.Row{}
	}
	httputil.WriteJSONOK(w, rows)
}

// sequenceParams parses the required sensor and seq query parameters,
// writing a 400 when either is missing or invalid.
func sequenceParams(w http.ResponseWriter, r *http.Request) (sensor.Identity, uint16, bool) {
	id, ok, err := httputil.QuerySensor(r, "sensor")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return id, 0, false
	}
	if !ok {
		httputil.BadRequest(w, "missing 'sensor' parameter")
		return id, 0, false
	}
	if r.URL.Query().Get("seq") == "" {
		httputil.BadRequest(w, "missing 'seq' parameter")
		return id, 0, false
	}
	seq, err := httputil.QueryInt(r, "seq", 0, 0, 0xFFFF)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return id, 0, false
	}
	return id, uint16(seq), true
}

func (s *Server) listExports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Readings == nil {
		httputil.ServiceUnavailable(w, "readings export disabled")
		return
	}
	limit, err := httputil.QueryInt(r, "limit", 100, 1, 10000)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	recs, err := s.cfg.Readings.Exports(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, "Failed to list exports: "+err.Error())
		return
	}
	if recs == nil {
		recs = []readings.ExportRecord{}
	}
	httputil.WriteJSONOK(w, recs)
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.cfg.Health == nil {
		httputil.ServiceUnavailable(w, "health monitor unavailable")
		return
	}
	status := http.StatusOK
	if len(s.cfg.Health.Failing()) > 0 {
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, s.cfg.Health.Snapshot())
}
