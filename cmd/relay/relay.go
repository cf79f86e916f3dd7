// Command relay is the tide-gauge receiver: it answers sensor discovery,
// broadcasts time sync and upload beacons, and stores uploaded sequences.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/tiderelay/internal/config"
	"github.com/banshee-data/tiderelay/internal/monitoring"
	"github.com/banshee-data/tiderelay/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to a JSON config file (defaults apply when empty)")
	listen       = flag.String("listen", "", "UDP bridge listen address")
	apiListen    = flag.String("api-listen", "", "HTTP API listen address")
	wireFormat   = flag.String("wire-format", "", "Wire framing: tagged or legacy")
	backend      = flag.String("backend", "", "Storage backend: sqlite, bolt or memory")
	dbPath       = flag.String("db-path", "", "sqlite database path")
	blobDir      = flag.String("blob-dir", "", "Directory for stored packets")
	logLevel     = flag.String("log-level", "", "Log level")
	logFormat    = flag.String("log-format", "", "Log format: console or json")
	uploadActive = flag.Bool("upload", false, "Start with upload requests active")
	replayFile   = flag.String("replay", "", "Replay a pcap capture instead of serving the radio")
	replaySpeed  = flag.Float64("replay-speed", 0, "Pace replay at this multiple of capture time (0 = as fast as possible)")
	recordFile   = flag.String("record", "", "Record UDP bridge traffic to a pcap file")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

// applyFlags overrides cfg with every flag given on the command line.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Radio.Listen = listen
		case "api-listen":
			cfg.API.Listen = apiListen
		case "wire-format":
			cfg.Wire.Format = wireFormat
		case "backend":
			cfg.Storage.Backend = backend
		case "db-path":
			cfg.Storage.DBPath = dbPath
		case "blob-dir":
			cfg.Storage.BlobDir = blobDir
		case "log-level":
			cfg.Log.Level = logLevel
		case "log-format":
			cfg.Log.Format = logFormat
		case "upload":
			cfg.Beacon.UploadActive = uploadActive
		}
	})
}

func loadConfig() (*config.Config, error) {
	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	applyFlags(cfg)
	return cfg, cfg.Validate()
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("tiderelay", version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := monitoring.New(os.Stderr, cfg.GetLogLevel(), cfg.GetLogFormat())
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	monitoring.SetLogger(logger)

	a, err := newApp(cfg, runOptions{
		Replay:      *replayFile,
		ReplaySpeed: *replaySpeed,
		Record:      *recordFile,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start relay")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", version.Version).
		Str("identity", cfg.GetIdentity().String()).
		Str("wire", cfg.GetWireFormat()).
		Str("backend", cfg.GetBackend()).
		Msg("relay starting")
	if err := a.run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("relay stopped")
	}
	logger.Info().Msg("graceful shutdown complete")
}
