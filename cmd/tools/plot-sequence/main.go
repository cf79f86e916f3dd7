// Command plot-sequence renders the depth record of one exported sequence
// as a PNG. Rows come from a relay's HTTP API or straight from its sqlite
// database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image/color"
	"log"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/tiderelay/internal/api"
	"github.com/banshee-data/tiderelay/internal/db"
	"github.com/banshee-data/tiderelay/internal/readings"
	"github.com/banshee-data/tiderelay/internal/security"
	"github.com/banshee-data/tiderelay/internal/sensor"
)

var (
	apiURL   = flag.String("api", "", "Relay API base URL, e.g. http://relay.local:8080")
	dbPath   = flag.String("db", "", "Relay sqlite database (used when -api is empty)")
	sensorFl = flag.String("sensor", "", "Sensor identity (required)")
	seqFl    = flag.Uint("seq", 0, "Sequence id")
	out      = flag.String("out", "", "Output PNG path (defaults to <sensor>_seq<N>.png)")
)

var errNoRows = errors.New("sequence has no exported readings")

func fetch(ctx context.Context, id sensor.Identity, seq uint16) ([]readings.Row, error) {
	if *apiURL != "" {
		return api.NewClient(*apiURL, nil).Readings(ctx, id, seq)
	}
	if *dbPath == "" {
		return nil, errors.New("one of -api or -db is required")
	}
	d, err := db.NewDB(*dbPath)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return readings.Query(ctx, d, id, seq)
}

// render draws depth against time, with the water temperature and
// salinity samples marked, and saves the plot to path.
func render(rows []readings.Row, title, path string) error {
	if len(rows) == 0 {
		return errNoRows
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Time (UTC)"
	p.Y.Label.Text = "Depth (m)"
	p.X.Tick.Marker = plot.TimeTicks{Format: "01-02 15:04", Time: func(t float64) time.Time {
		return time.Unix(int64(t), 0).UTC()
	}}

	depth := make(plotter.XYs, len(rows))
	var marks plotter.XYs
	for i, r := range rows {
		depth[i] = plotter.XY{X: float64(r.Time.Unix()), Y: r.Depth}
		if r.Temperature != nil || r.Salinity != nil {
			marks = append(marks, depth[i])
		}
	}

	line, err := plotter.NewLine(depth)
	if err != nil {
		return err
	}
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add("depth", line)

	if len(marks) > 0 {
		sc, err := plotter.NewScatter(marks)
		if err != nil {
			return err
		}
		sc.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
		p.Add(sc)
		p.Legend.Add("water sample", sc)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return p.Save(14*vg.Inch, 6*vg.Inch, path)
}

func main() {
	flag.Parse()

	id, err := sensor.Parse(*sensorFl)
	if err != nil {
		log.Fatalf("Invalid -sensor: %v", err)
	}
	if *seqFl > 0xffff {
		log.Fatalf("-seq out of range: %d", *seqFl)
	}
	seq := uint16(*seqFl)
	path := *out
	if path == "" {
		path = security.SafeName(id.String(), fmt.Sprintf("seq%d", seq)) + ".png"
	}
	if err := security.ValidateOutputPath(path); err != nil {
		log.Fatalf("Invalid -out: %v", err)
	}

	rows, err := fetch(context.Background(), id, seq)
	if err != nil {
		log.Fatalf("Failed to load readings: %v", err)
	}
	title := fmt.Sprintf("%s sequence %d", id, seq)
	if err := render(rows, title, path); err != nil {
		log.Fatalf("Failed to render plot: %v", err)
	}
	log.Printf("wrote %d samples to %s", len(rows), path)
}
