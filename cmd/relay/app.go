package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/banshee-data/tiderelay/internal/api"
	"github.com/banshee-data/tiderelay/internal/beacon"
	"github.com/banshee-data/tiderelay/internal/blob"
	"github.com/banshee-data/tiderelay/internal/config"
	"github.com/banshee-data/tiderelay/internal/db"
	"github.com/banshee-data/tiderelay/internal/dedup"
	"github.com/banshee-data/tiderelay/internal/discovery"
	"github.com/banshee-data/tiderelay/internal/dispatch"
	"github.com/banshee-data/tiderelay/internal/events"
	"github.com/banshee-data/tiderelay/internal/fsutil"
	"github.com/banshee-data/tiderelay/internal/health"
	"github.com/banshee-data/tiderelay/internal/kv"
	"github.com/banshee-data/tiderelay/internal/radio"
	"github.com/banshee-data/tiderelay/internal/readings"
	"github.com/banshee-data/tiderelay/internal/registry"
	"github.com/banshee-data/tiderelay/internal/security"
	"github.com/banshee-data/tiderelay/internal/serialmux"
	"github.com/banshee-data/tiderelay/internal/timesource"
	"github.com/banshee-data/tiderelay/internal/timeutil"
	"github.com/banshee-data/tiderelay/internal/wire"
)

// runOptions are the process-level choices that are not part of the
// config file.
type runOptions struct {
	// Replay feeds a pcap capture through the dispatcher instead of
	// serving the live radio.
	Replay      string
	ReplaySpeed float64
	// Record writes every UDP bridge frame to a pcap file.
	Record string
	// Transport replaces the configured radio, for tests.
	Transport radio.Transport
	// FS replaces the host filesystem for blobs, for tests.
	FS fsutil.FileSystem
}

// app is a fully wired relay.
type app struct {
	cfg   *config.Config
	opts  runOptions
	log   zerolog.Logger
	clock timeutil.Clock

	health  *health.Monitor
	metrics *prometheus.Registry

	db       *db.DB
	kv       kv.Store
	store    *dedup.Store
	registry *registry.Registry
	ring     *events.Ring
	bus      *events.Bus
	exporter *readings.Exporter
	mqttSink *events.MQTTSink
	mqtt     mqtt.Client

	transport radio.Transport
	muxes     []serialmux.SerialMuxInterface
	gps       *timesource.GPS
	source    timesource.Source
	timeSync  *beacon.TimeSync
	uploader  *beacon.Uploader
	dispatch  *dispatch.Dispatcher

	closers []func() error
}

// newApp wires every subsystem. Only a radio failure is returned as an
// error; other failures are recorded on the health monitor and the relay
// runs without that subsystem.
func newApp(cfg *config.Config, opts runOptions, log zerolog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		opts:    opts,
		log:     log,
		clock:   timeutil.RealClock{},
		health:  health.NewMonitor(log.With().Str("component", "health").Logger()),
		metrics: prometheus.NewRegistry(),
		ring:    events.NewRing(cfg.GetRingSize()),
	}
	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.bus = events.NewBus(a.ring, events.LogSink{Log: a.component("events")})

	codec, err := wire.NewCodec(cfg.GetWireFormat())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrConfig, err)
	}

	if err := a.openRadio(); err != nil {
		a.health.Set(health.Radio, err)
		a.close()
		return nil, err
	}
	a.health.Set(health.Radio, nil)

	a.health.Set(health.Storage, a.openStorage())
	if a.kv != nil {
		a.registry = registry.New(a.kv, nil)
	} else {
		a.registry = registry.New(kv.NewMemory(), nil)
	}
	if cfg.GetExportReadings() {
		a.health.Set(health.Readings, a.openReadings())
	}

	a.health.Set(health.TimeSource, a.openTimeSource())

	beaconLog := a.component("beacon")
	a.timeSync = beacon.NewTimeSync(beacon.Config{
		Transport: a.transport,
		Codec:     codec,
		Clock:     a.clock,
		Interval:  cfg.GetTimeSyncInterval(),
		Logger:    beaconLog,
	}, a.source)
	a.uploader = beacon.NewUploader(beacon.Config{
		Transport: a.transport,
		Codec:     codec,
		Clock:     a.clock,
		Interval:  cfg.GetUploadInterval(),
		Logger:    beaconLog,
	}, cfg.GetUploadActive())
	a.health.Set(health.Beacon, nil)

	if cfg.GetMQTTBroker() != "" {
		a.health.Set(health.Events, a.openMQTT())
	}

	dcfg := dispatch.Config{
		Codec: codec,
		Discovery: discovery.New(discovery.Config{
			Transport: a.transport,
			Codec:     codec,
			Registry:  a.registry,
			Notifier:  a.bus,
			Clock:     a.clock,
			Logger:    a.component("discovery"),
		}),
		Metrics: dispatch.NewMetrics(a.metrics),
		Logger:  a.component("dispatch"),
	}
	if a.store != nil {
		dcfg.Store = a.store
	}
	a.dispatch = dispatch.New(dcfg)
	return a, nil
}

func (a *app) component(name string) zerolog.Logger {
	return a.log.With().Str("component", name).Logger()
}

func (a *app) onClose(fn func() error) { a.closers = append(a.closers, fn) }

func (a *app) openRadio() error {
	if a.opts.Transport != nil {
		a.transport = a.opts.Transport
		return nil
	}
	if a.opts.Replay != "" {
		// Replies to replayed sensors go nowhere.
		a.transport = radio.NewHub().Node(a.cfg.GetIdentity())
		return nil
	}
	log := a.component("radio")
	switch a.cfg.GetTransport() {
	case config.TransportSerial:
		mux, err := serialmux.NewRealSerialMux(a.cfg.GetSerialPort(), "radio", serialmux.PortOptions{BaudRate: a.cfg.GetSerialBaud()})
		if err != nil {
			return fmt.Errorf("radio: %w", err)
		}
		a.muxes = append(a.muxes, mux)
		a.transport = radio.NewSerial(mux, log)
	default:
		u, err := radio.ListenUDP(radio.UDPConfig{
			Listen:        a.cfg.GetListen(),
			BroadcastAddr: a.cfg.GetBroadcastAddr(),
			Local:         a.cfg.GetIdentity(),
			RcvBuf:        a.cfg.GetRcvBuf(),
		}, log)
		if err != nil {
			return fmt.Errorf("radio: %w", err)
		}
		a.transport = u
		if a.opts.Record != "" {
			if err := a.record(u); err != nil {
				u.Close()
				return err
			}
		}
	}
	a.onClose(a.transport.Close)
	return nil
}

func (a *app) record(u *radio.UDP) error {
	if err := security.ValidateOutputPath(a.opts.Record); err != nil {
		return fmt.Errorf("capture file: %w", err)
	}
	f, err := os.Create(a.opts.Record)
	if err != nil {
		return fmt.Errorf("create capture: %w", err)
	}
	local, _ := u.LocalAddr().(*net.UDPAddr)
	rec, err := radio.NewRecorder(f, local)
	if err != nil {
		f.Close()
		return fmt.Errorf("start capture: %w", err)
	}
	u.SetTap(rec.Tap())
	a.onClose(f.Close)
	a.log.Info().Str("file", a.opts.Record).Msg("recording bridge traffic")
	return nil
}

func (a *app) openDB() error {
	if a.db != nil {
		return nil
	}
	d, err := db.NewDB(a.cfg.GetDBPath())
	if err != nil {
		return err
	}
	a.db = d
	a.onClose(d.Close)
	return nil
}

func (a *app) openStorage() error {
	switch a.cfg.GetBackend() {
	case config.BackendMemory:
		a.kv = kv.NewMemory()
	case config.BackendBolt:
		b, err := kv.OpenBolt(a.cfg.GetBoltPath())
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.kv = b
	default:
		if err := a.openDB(); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.kv = kv.NewSQLite(a.db)
	}
	a.onClose(a.kv.Close)

	fsys := a.opts.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	blobs, err := blob.NewFiles(fsys, a.cfg.GetBlobDir())
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	store, err := dedup.New(a.kv, blobs, dedup.Options{
		Notifier:  a.bus,
		Logger:    a.component("dedup"),
		CacheSize: a.cfg.GetCacheSize(),
	})
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store
	return nil
}

func (a *app) openReadings() error {
	if a.store == nil {
		return errors.New("readings: packet store unavailable")
	}
	if err := a.openDB(); err != nil {
		return fmt.Errorf("readings: %w", err)
	}
	a.exporter = readings.NewExporter(a.db, a.store, a.bus, a.component("readings"), 64)
	a.bus.Add(a.exporter)
	return nil
}

func (a *app) openTimeSource() error {
	a.source = timesource.NewSystem(a.clock)
	if a.cfg.GetTimeSource() != config.SourceGPS {
		return nil
	}
	mux, err := serialmux.NewRealSerialMux(a.cfg.GetGPSPort(), "gps", serialmux.PortOptions{BaudRate: a.cfg.GetGPSBaud()})
	if err != nil {
		a.log.Warn().Err(err).Msg("GPS unavailable; time sync falls back to the system clock")
		return fmt.Errorf("timesource: %w", err)
	}
	a.muxes = append(a.muxes, mux)
	a.onClose(mux.Close)
	a.gps = timesource.NewGPS(mux, a.clock, a.cfg.GetGPSStaleAfter(), a.component("gps"))
	a.source = a.gps
	return nil
}

func (a *app) openMQTT() error {
	log := a.component("mqtt")
	mcfg := events.MQTTConfig{
		BrokerURL:    a.cfg.GetMQTTBroker(),
		ClientID:     a.cfg.GetMQTTClientID(),
		Username:     a.cfg.GetMQTTUsername(),
		Password:     a.cfg.GetMQTTPassword(),
		TopicPrefix:  a.cfg.GetTopicPrefix(),
		QoS:          1,
		ControlTopic: a.cfg.GetControlTopic(),
		QueueSize:    a.cfg.GetMQTTQueueSize(),
	}
	client, pub, err := events.DialMQTT(mcfg, log, a.setUpload)
	if err != nil {
		return fmt.Errorf("events: %w", err)
	}
	a.mqtt = client
	a.mqttSink = events.NewMQTTSink(pub, mcfg.TopicPrefix, mcfg.QueueSize, log)
	a.bus.Add(a.mqttSink)
	return nil
}

// setUpload is the MQTT control hook. The uploader may not exist yet
// while the broker connects.
func (a *app) setUpload(active bool) {
	if a.uploader == nil {
		return
	}
	if prev := a.uploader.SetActive(active); prev != active {
		a.log.Info().Bool("active", active).Msg("upload beacon toggled over MQTT")
	}
}

// httpHandler builds the API and debug routes.
func (a *app) httpHandler() http.Handler {
	srv := api.NewServer(api.Config{
		Sensors:   a.registry,
		Sequences: a.sequences(),
		Ring:      a.ring,
		Upload:    a.uploader,
		Readings:  a.readingsSource(),
		Health:    a.health,
		Gatherer:  a.metrics,
		Logger:    a.component("api"),
	})
	mux := srv.ServeMux()
	if a.cfg.GetDebug() {
		srv.AttachDebugRoutes(mux)
		for _, m := range a.muxes {
			m.AttachAdminRoutes(mux)
		}
		if a.db != nil {
			if err := a.db.AttachAdminRoutes(mux); err != nil {
				a.log.Warn().Err(err).Msg("database debug routes unavailable")
			}
		}
	}
	return api.LoggingMiddleware(a.component("http"), a.cfg.GetLogFormat() == "console", mux)
}

func (a *app) sequences() api.SequenceLister {
	if a.store == nil {
		return nil
	}
	return a.store
}

func (a *app) readingsSource() api.ReadingsSource {
	if a.exporter == nil {
		return nil
	}
	return a.exporter
}

// run serves until ctx is done, or a replay finishes, then shuts every
// subsystem down.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error().Err(err).Str("routine", name).Msg("routine stopped")
			}
		}()
	}

	for _, m := range a.muxes {
		goRun("serial monitor", m.Monitor)
	}
	if a.gps != nil {
		goRun("gps", a.gps.Run)
	}
	if a.exporter != nil {
		goRun("readings export", func(ctx context.Context) error { a.exporter.Run(ctx); return nil })
	}
	if a.mqttSink != nil {
		goRun("mqtt sink", func(ctx context.Context) error { a.mqttSink.Run(ctx); return nil })
	}

	healthSrv, err := health.Serve(a.cfg.GetHealthListen(), a.health)
	if err != nil {
		a.log.Error().Err(err).Msg("health server unavailable")
	}

	server := &http.Server{Addr: a.cfg.GetAPIListen(), Handler: a.httpHandler()}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.health.Set(health.API, err)
		}
	}()
	a.health.Set(health.API, nil)
	a.log.Info().Str("addr", server.Addr).Msg("http server listening")

	var radioErr error
	if a.opts.Replay != "" {
		radioErr = a.replay(ctx)
	} else {
		goRun("time sync beacon", a.timeSync.Run)
		goRun("upload beacon", a.uploader.Run)
		radioErr = a.transport.Serve(ctx, a.dispatch.Handle)
		if errors.Is(radioErr, context.Canceled) {
			radioErr = nil
		}
	}

	a.log.Info().Msg("shutting down")
	if a.exporter != nil && a.opts.Replay != "" {
		a.exporter.Drain(ctx)
	}
	cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("HTTP server shutdown error")
		server.Close()
	}
	if healthSrv != nil {
		a.health.Shutdown()
		healthSrv.Stop()
	}
	wg.Wait()
	a.close()
	return radioErr
}

func (a *app) replay(ctx context.Context) error {
	f, err := os.Open(a.opts.Replay)
	if err != nil {
		return fmt.Errorf("open replay: %w", err)
	}
	defer f.Close()

	port := 0
	if _, p, err := net.SplitHostPort(a.cfg.GetListen()); err == nil {
		port, _ = strconv.Atoi(p)
	}
	stats, err := radio.Replay(ctx, f, radio.ReplayOptions{
		Port:     port,
		Realtime: a.opts.ReplaySpeed > 0,
		Speed:    a.opts.ReplaySpeed,
	}, a.dispatch.Handle)
	a.log.Info().
		Int("packets", stats.Packets).
		Int("delivered", stats.Delivered).
		Int("skipped", stats.Skipped).
		Msg("replay finished")
	return err
}

func (a *app) close() {
	if a.mqtt != nil {
		a.mqtt.Disconnect(250)
	}
	a.ring.Close()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
