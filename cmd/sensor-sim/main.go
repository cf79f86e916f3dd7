// Command sensor-sim runs a simulated tide-gauge sensor against a relay's
// UDP bridge. It announces, accepts time sync, samples a synthetic tide
// and uploads its log when the relay asks.
package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/banshee-data/tiderelay/internal/fsutil"
	"github.com/banshee-data/tiderelay/internal/monitoring"
	"github.com/banshee-data/tiderelay/internal/radio"
	"github.com/banshee-data/tiderelay/internal/sensor"
	"github.com/banshee-data/tiderelay/internal/session"
	"github.com/banshee-data/tiderelay/internal/wire"
)

var (
	identity       = flag.String("identity", "AA:BB:CC:DD:EE:01", "Sensor hardware identity")
	sensorID       = flag.Uint("sensor-id", 1, "Numeric sensor id carried in readings")
	listen         = flag.String("listen", ":4211", "UDP listen address")
	relayAddr      = flag.String("relay", "127.0.0.1:4210", "Relay UDP bridge address, used for broadcasts")
	dataDir        = flag.String("data", "sensor-data", "Directory for the session file and sample log")
	wireFormat     = flag.String("wire-format", wire.FormatTagged, "Wire framing: tagged or legacy")
	sampleInterval = flag.Duration("sample-interval", 10*time.Second, "Time between depth samples")
	tidePeriod     = flag.Duration("tide-period", 12*time.Hour+25*time.Minute, "Period of the synthetic tide")
	tideMean       = flag.Int("tide-mean", 2000, "Mean depth in millimetres")
	tideRange      = flag.Int("tide-amplitude", 1500, "Tide amplitude in millimetres")
	logLevel       = flag.String("log-level", "info", "Log level")
)

// tide returns a sinusoidal depth in millimetres.
func tide(period time.Duration, mean, amplitude int) func(time.Time) int16 {
	return func(now time.Time) int16 {
		phase := 2 * math.Pi * float64(now.UnixNano()%int64(period)) / float64(period)
		return int16(float64(mean) + float64(amplitude)*math.Sin(phase))
	}
}

// water reports a fixed temperature and a salinity that drifts with the
// mean depth over the packet.
func water(records []session.Record) (float32, [wire.SalinitySamples]float32) {
	var sum float64
	for _, r := range records {
		sum += float64(r.DepthMM)
	}
	mean := 0.0
	if len(records) > 0 {
		mean = sum / float64(len(records)) / 1000
	}
	s := float32(34 + mean*0.2)
	return 12.5, [wire.SalinitySamples]float32{s, s}
}

func main() {
	flag.Parse()

	logger, err := monitoring.New(os.Stderr, *logLevel, "console")
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	id, err := sensor.Parse(*identity)
	if err != nil {
		log.Fatalf("Invalid identity: %v", err)
	}
	codec, err := wire.NewCodec(*wireFormat)
	if err != nil {
		log.Fatalf("Invalid wire format: %v", err)
	}

	fs := fsutil.OSFileSystem{}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}
	sess, err := session.Load(fs, filepath.Join(*dataDir, "session.json"))
	if err != nil {
		log.Fatalf("Failed to load session: %v", err)
	}
	samples, err := session.NewLog(fs, filepath.Join(*dataDir, "samples.log"))
	if err != nil {
		log.Fatalf("Failed to open sample log: %v", err)
	}

	tr, err := radio.ListenUDP(radio.UDPConfig{Listen: *listen, BroadcastAddr: *relayAddr, Local: id}, logger.With().Str("component", "radio").Logger())
	if err != nil {
		log.Fatalf("Failed to open UDP bridge: %v", err)
	}
	defer tr.Close()

	dev := session.NewDevice(session.DeviceConfig{
		Transport:      tr,
		Codec:          codec,
		Session:        sess,
		Log:            samples,
		Logger:         logger.With().Str("sensor", id.String()).Logger(),
		SensorID:       uint16(*sensorID),
		Water:          water,
		Depth:          tide(*tidePeriod, *tideMean, *tideRange),
		SampleInterval: *sampleInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().Str("identity", id.String()).Str("relay", *relayAddr).Msg("sensor simulator starting")
	if err := dev.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("sensor simulator stopped")
	}
}
