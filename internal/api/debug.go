package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tiderelay/internal/httputil"
)

// maxChartPoints bounds the samples drawn on one chart.
const maxChartPoints = 20000

// AttachDebugRoutes mounts the event tail and the depth chart under /debug/.
func (s *Server) AttachDebugRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleSilentFunc("events-tail", s.tailEvents)
	debug.HandleFunc("depth-chart", "Depth chart of an exported sequence (?sensor=&seq=)", s.depthChart)
}

// tailEvents streams events to the client as server-sent events.
func (s *Server) tailEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Ring == nil {
		http.Error(w, "event ring unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id, c := s.cfg.Ring.Subscribe()
	defer s.cfg.Ring.Unsubscribe(id)

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()
	for {
		select {
		case e, ok := <-c:
			if !ok {
				return
			}
			b, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, b); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// depthChart renders the depth samples of one exported sequence as an
// HTML line chart.
func (s *Server) depthChart(w http.ResponseWriter, r *http.Request) {
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
		httputil.InternalServerError(w, fmt.Sprintf("failed to read readings: %v", err))
		return
	}
	if len(rows) == 0 {
		httputil.NotFound(w, "no readings exported for sequence")
		return
	}

	stride := 1
	if len(rows) > maxChartPoints {
		stride = (len(rows) + maxChartPoints - 1) / maxChartPoints
	}
	xs := make([]string, 0, len(rows)/stride+1)
	depth := make([]opts.LineData, 0, len(rows)/stride+1)
	var temps []opts.LineData
	for i := 0; i < len(rows); i += stride {
		row := rows[i]
		xs = append(xs, row.Time.Format("01-02 15:04:05"))
		depth = append(depth, opts.LineData{Value: row.Depth})
	}
	for _, row := range rows {
		if row.Temperature != nil {
			temps = append(temps, opts.LineData{Value: []interface{}{row.Time.Format("01-02 15:04:05"), *row.Temperature}})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Sequence depth", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: "Depth", Subtitle: fmt.Sprintf("sensor=%s seq=%d samples=%d stride=%d", id, seq, len(rows), stride)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Depth (m)"}),
	)
	line.SetXAxis(xs).AddSeries("depth", depth, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	if len(temps) > 0 {
		line.AddSeries("temperature", temps)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
