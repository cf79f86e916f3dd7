// Package config loads the relay configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/tiderelay/internal/sensor"
)

// DefaultConfigPath is the path of the example configuration shipped with
// the relay.
const DefaultConfigPath = "config/relay.defaults.json"

// ErrConfig marks a configuration that cannot be loaded or used.
var ErrConfig = errors.New("invalid configuration")

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root of the relay configuration. Every field is optional;
// the Get* methods supply defaults for anything omitted.
type Config struct {
	Radio      RadioConfig      `json:"radio"`
	Wire       WireConfig       `json:"wire"`
	Storage    StorageConfig    `json:"storage"`
	Beacon     BeaconConfig     `json:"beacon"`
	TimeSource TimeSourceConfig `json:"timesource"`
	Events     EventsConfig     `json:"events"`
	API        APIConfig        `json:"api"`
	Log        LogConfig        `json:"log"`
}

// Radio transports.
const (
	TransportUDP    = "udp"
	TransportSerial = "serial"
)

type RadioConfig struct {
	Transport     *string `json:"transport,omitempty"` // "udp" or "serial"
	Identity      *string `json:"identity,omitempty"`  // receiver identity, "02:00:00:00:00:01"
	Listen        *string `json:"listen,omitempty"`
	BroadcastAddr *string `json:"broadcast_addr,omitempty"`
	RcvBuf        *int    `json:"rcvbuf,omitempty"`
	SerialPort    *string `json:"serial_port,omitempty"`
	SerialBaud    *int    `json:"serial_baud,omitempty"`
}

type WireConfig struct {
	Format *string `json:"format,omitempty"` // "tagged" or "legacy"
}

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendMemory = "memory"
)

type StorageConfig struct {
	Backend        *string `json:"backend,omitempty"`
	DBPath         *string `json:"db_path,omitempty"`
	BoltPath       *string `json:"bolt_path,omitempty"`
	BlobDir        *string `json:"blob_dir,omitempty"`
	CacheSize      *int    `json:"cache_size,omitempty"`
	ExportReadings *bool   `json:"export_readings,omitempty"`
}

type BeaconConfig struct {
	TimeSyncInterval *string `json:"time_sync_interval,omitempty"` // duration string like "60s"
	UploadInterval   *string `json:"upload_interval,omitempty"`
	UploadActive     *bool   `json:"upload_active,omitempty"`
}

// Time sources.
const (
	SourceSystem = "system"
	SourceGPS    = "gps"
)

type TimeSourceConfig struct {
	Source     *string `json:"source,omitempty"`
	GPSPort    *string `json:"gps_port,omitempty"`
	GPSBaud    *int    `json:"gps_baud,omitempty"`
	StaleAfter *string `json:"gps_stale_after,omitempty"`
}

type EventsConfig struct {
	RingSize     *int    `json:"ring_size,omitempty"`
	MQTTBroker   *string `json:"mqtt_broker,omitempty"`
	MQTTClientID *string `json:"mqtt_client_id,omitempty"`
	MQTTUsername *string `json:"mqtt_username,omitempty"`
	MQTTPassword *string `json:"mqtt_password,omitempty"`
	TopicPrefix  *string `json:"mqtt_topic_prefix,omitempty"`
	ControlTopic *string `json:"mqtt_control_topic,omitempty"`
	QueueSize    *int    `json:"mqtt_queue_size,omitempty"`
}

type APIConfig struct {
	Listen       *string `json:"listen,omitempty"`
	HealthListen *string `json:"health_listen,omitempty"`
	Debug        *bool   `json:"debug,omitempty"`
}

type LogConfig struct {
	Level  *string `json:"level,omitempty"`
	Format *string `json:"format,omitempty"` // "console" or "json"
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and be under 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("%w: config file must have .json extension, got %q", ErrConfig, ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to stat config file: %w", ErrConfig, err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("%w: config file too large: %d bytes (max %d)", ErrConfig, fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrConfig, err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON config.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config JSON: %w", ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func oneOf(field string, v *string, allowed ...string) error {
	if v == nil || *v == "" {
		return nil
	}
	for _, a := range allowed {
		if *v == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be one of %q, got %q", ErrConfig, field, allowed, *v)
}

func duration(field string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%w: invalid %s '%s': %w", ErrConfig, field, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %s", ErrConfig, field, *v)
	}
	return nil
}

// Validate checks that every set value is usable.
func (c *Config) Validate() error {
	if err := oneOf("radio.transport", c.Radio.Transport, TransportUDP, TransportSerial); err != nil {
		return err
	}
	if c.Radio.Identity != nil {
		if _, err := sensor.Parse(*c.Radio.Identity); err != nil {
			return fmt.Errorf("%w: radio.identity: %w", ErrConfig, err)
		}
	}
	if c.Radio.Transport != nil && *c.Radio.Transport == TransportSerial && c.GetSerialPort() == "" {
		return fmt.Errorf("%w: radio.serial_port is required for the serial transport", ErrConfig)
	}
	if err := oneOf("wire.format", c.Wire.Format, "tagged", "legacy"); err != nil {
		return err
	}
	if err := oneOf("storage.backend", c.Storage.Backend, BackendSQLite, BackendBolt, BackendMemory); err != nil {
		return err
	}
	if err := duration("beacon.time_sync_interval", c.Beacon.TimeSyncInterval); err != nil {
		return err
	}
	if err := duration("beacon.upload_interval", c.Beacon.UploadInterval); err != nil {
		return err
	}
	if err := oneOf("timesource.source", c.TimeSource.Source, SourceSystem, SourceGPS); err != nil {
		return err
	}
	if c.GetTimeSource() == SourceGPS && c.GetGPSPort() == "" {
		return fmt.Errorf("%w: timesource.gps_port is required for the gps source", ErrConfig)
	}
	if err := duration("timesource.gps_stale_after", c.TimeSource.StaleAfter); err != nil {
		return err
	}
	if c.Events.RingSize != nil && *c.Events.RingSize < 0 {
		return fmt.Errorf("%w: events.ring_size must be non-negative, got %d", ErrConfig, *c.Events.RingSize)
	}
	if err := oneOf("log.format", c.Log.Format, "console", "json"); err != nil {
		return err
	}
	return nil
}

func str(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func num(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func flag(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func dur(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func (c *Config) GetTransport() string { return str(c.Radio.Transport, TransportUDP) }

// GetIdentity returns the receiver identity stamped on bridge frames.
func (c *Config) GetIdentity() sensor.Identity {
	id, err := sensor.Parse(str(c.Radio.Identity, "02:00:00:00:00:01"))
	if err != nil {
		return sensor.MustParse("02:00:00:00:00:01")
	}
	return id
}

func (c *Config) GetListen() string        { return str(c.Radio.Listen, ":4210") }
func (c *Config) GetBroadcastAddr() string { return str(c.Radio.BroadcastAddr, "255.255.255.255:4211") }
func (c *Config) GetRcvBuf() int           { return num(c.Radio.RcvBuf, 4<<20) }
func (c *Config) GetSerialPort() string    { return str(c.Radio.SerialPort, "") }
func (c *Config) GetSerialBaud() int       { return num(c.Radio.SerialBaud, 115200) }

func (c *Config) GetWireFormat() string { return str(c.Wire.Format, "tagged") }

func (c *Config) GetBackend() string  { return str(c.Storage.Backend, BackendSQLite) }
func (c *Config) GetDBPath() string   { return str(c.Storage.DBPath, "tiderelay.db") }
func (c *Config) GetBoltPath() string { return str(c.Storage.BoltPath, "tiderelay.bolt") }

// GetBlobDir returns the mounted volume packets are written to.
func (c *Config) GetBlobDir() string      { return str(c.Storage.BlobDir, "packets") }
func (c *Config) GetCacheSize() int       { return num(c.Storage.CacheSize, 4096) }
func (c *Config) GetExportReadings() bool { return flag(c.Storage.ExportReadings, true) }

func (c *Config) GetTimeSyncInterval() time.Duration {
	return dur(c.Beacon.TimeSyncInterval, 60*time.Second)
}

func (c *Config) GetUploadInterval() time.Duration {
	return dur(c.Beacon.UploadInterval, 30*time.Second)
}

// GetUploadActive reports whether upload beacons start enabled.
func (c *Config) GetUploadActive() bool { return flag(c.Beacon.UploadActive, false) }

func (c *Config) GetTimeSource() string { return str(c.TimeSource.Source, SourceSystem) }
func (c *Config) GetGPSPort() string    { return str(c.TimeSource.GPSPort, "") }
func (c *Config) GetGPSBaud() int       { return num(c.TimeSource.GPSBaud, 9600) }

func (c *Config) GetGPSStaleAfter() time.Duration {
	return dur(c.TimeSource.StaleAfter, 10*time.Minute)
}

func (c *Config) GetRingSize() int        { return num(c.Events.RingSize, 256) }
func (c *Config) GetMQTTBroker() string   { return str(c.Events.MQTTBroker, "") }
func (c *Config) GetMQTTClientID() string { return str(c.Events.MQTTClientID, "tiderelay") }
func (c *Config) GetMQTTUsername() string { return str(c.Events.MQTTUsername, "") }
func (c *Config) GetMQTTPassword() string { return str(c.Events.MQTTPassword, "") }
func (c *Config) GetTopicPrefix() string  { return str(c.Events.TopicPrefix, "tiderelay") }
func (c *Config) GetControlTopic() string { return str(c.Events.ControlTopic, "") }
func (c *Config) GetMQTTQueueSize() int   { return num(c.Events.QueueSize, 256) }

func (c *Config) GetAPIListen() string    { return str(c.API.Listen, ":8080") }
func (c *Config) GetHealthListen() string { return str(c.API.HealthListen, ":9090") }
func (c *Config) GetDebug() bool          { return flag(c.API.Debug, true) }

func (c *Config) GetLogLevel() string  { return str(c.Log.Level, "info") }
func (c *Config) GetLogFormat() string { return str(c.Log.Format, "console") }
