// Package config loads node configuration from a TOML file.
//
// Every field has a default, so an empty or missing file yields a working
// single-node setup. Durations are written as strings ("30s", "10m").
//
//	instance_id = "node-a"
//
//	[anomaly]
//	min = 40
//	max = 180
//	suppression = "10m"
//
//	[nats]
//	url = "nats://localhost:4222"
//
//	[records]
//	backend = "nats"
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/vinayprograms/pulsekit/anomaly"
	"github.com/vinayprograms/pulsekit/bridge"
	"github.com/vinayprograms/pulsekit/graph"
	"github.com/vinayprograms/pulsekit/hub"
	"github.com/vinayprograms/pulsekit/match"
	"github.com/vinayprograms/pulsekit/notify"
	"github.com/vinayprograms/pulsekit/records"
	"github.com/vinayprograms/pulsekit/registry"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Record store backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Duration is a time.Duration that decodes from a TOML string.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full node configuration.
type Config struct {
	// InstanceID identifies this process on the bus. Generated when empty.
	InstanceID string `toml:"instance_id"`

	Anomaly   AnomalyConfig   `toml:"anomaly"`
	Match     MatchConfig     `toml:"match"`
	Graph     GraphConfig     `toml:"graph"`
	Bridge    BridgeConfig    `toml:"bridge"`
	Registry  RegistryConfig  `toml:"registry"`
	NATS      NATSConfig      `toml:"nats"`
	Records   RecordsConfig   `toml:"records"`
	Notify    NotifyConfig    `toml:"notify"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Feed      FeedConfig      `toml:"feed"`
}

type AnomalyConfig struct {
	Min         float64  `toml:"min"`
	Max         float64  `toml:"max"`
	Suppression Duration `toml:"suppression"`
}

type MatchConfig struct {
	RecencyWindow Duration `toml:"recency_window"`
	Cooldown      Duration `toml:"cooldown"`
	Workers       int      `toml:"workers"`
}

type GraphConfig struct {
	Capacity     int      `toml:"capacity"`
	IdleTTL      Duration `toml:"idle_ttl"`
	RefreshAfter Duration `toml:"refresh_after"`
	RetryBackoff Duration `toml:"retry_backoff"`
	FetchTimeout Duration `toml:"fetch_timeout"`
	LoadWorkers  int      `toml:"load_workers"`
}

type BridgeConfig struct {
	Subject   string   `toml:"subject"`
	Staleness Duration `toml:"staleness"`
	Workers   int      `toml:"workers"`
}

type RegistryConfig struct {
	BufferSize int `toml:"buffer_size"`
}

// NATSConfig selects the bus. An empty URL keeps everything in process.
type NATSConfig struct {
	URL            string   `toml:"url"`
	Name           string   `toml:"name"`
	Token          string   `toml:"token"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	ConnectTimeout Duration `toml:"connect_timeout"`
}

type RecordsConfig struct {
	// Backend is "memory" or "nats".
	Backend           string   `toml:"backend"`
	SuppressionBucket string   `toml:"suppression_bucket"`
	MatchBucket       string   `toml:"match_bucket"`
	TTL               Duration `toml:"ttl"`
}

type NotifyConfig struct {
	Subject string `toml:"subject"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// TelemetryConfig enables OTLP tracing when Endpoint is set.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	Debug       bool    `toml:"debug"`
	SampleRatio float64 `toml:"sample_ratio"`
}

type FeedConfig struct {
	Addr         string   `toml:"addr"`
	PingInterval Duration `toml:"ping_interval"`
	MetricsPath  string   `toml:"metrics_path"`
}

// Default returns the built-in configuration. InstanceID is left empty.
func Default() *Config {
	an := anomaly.DefaultConfig()
	mt := match.DefaultConfig()
	gr := graph.DefaultConfig()
	br := bridge.DefaultConfig()

	return &Config{
		Anomaly: AnomalyConfig{Min: an.Min, Max: an.Max, Suppression: Duration{an.Suppression}},
		Match: MatchConfig{
			RecencyWindow: Duration{mt.RecencyWindow},
			Cooldown:      Duration{mt.Cooldown},
			Workers:       mt.Workers,
		},
		Graph: GraphConfig{
			Capacity:     gr.Capacity,
			IdleTTL:      Duration{gr.IdleTTL},
			RefreshAfter: Duration{gr.RefreshAfter},
			RetryBackoff: Duration{gr.RetryBackoff},
			FetchTimeout: Duration{gr.FetchTimeout},
			LoadWorkers:  gr.LoadWorkers,
		},
		Bridge:   BridgeConfig{Subject: br.Subject, Staleness: Duration{br.Staleness}, Workers: br.Workers},
		Registry: RegistryConfig{BufferSize: registry.DefaultConfig().BufferSize},
		NATS:     NATSConfig{Name: "pulsekit", ConnectTimeout: Duration{5 * time.Second}},
		Records: RecordsConfig{
			Backend:           BackendMemory,
			SuppressionBucket: records.DefaultSuppressionBucket,
			MatchBucket:       records.DefaultMatchBucket,
			TTL:               Duration{24 * time.Hour},
		},
		Notify:    NotifyConfig{Subject: notify.DefaultBusSubmitterConfig().Subject},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{Protocol: "grpc", ServiceName: "pulsekit", SampleRatio: 1},
		Feed:      FeedConfig{Addr: ":8080", PingInterval: Duration{30 * time.Second}, MetricsPath: "/metrics"},
	}
}

// StandardPaths returns the config file locations in order of priority.
func StandardPaths() []string {
	paths := []string{"pulsekit.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pulsekit", "pulsekit.toml"))
	}
	return paths
}

// Load reads the first file found in StandardPaths, or returns the defaults
// when there is none. The path used is returned ("" for defaults).
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			return cfg, path, err
		}
	}
	cfg := Default()
	cfg.ensureInstanceID()
	return cfg, "", cfg.Validate()
}

// LoadFile reads path over the defaults and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: %s: unknown key %q", ErrInvalid, path, undecoded[0].String())
	}
	cfg.ensureInstanceID()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults. Used by tests and embedders.
func Parse(text string) (*Config, error) {
	cfg := Default()
	if _, err := toml.Decode(text, cfg); err != nil {
		return nil, err
	}
	cfg.ensureInstanceID()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ensureInstanceID() {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}
	switch {
	case c.Anomaly.Min > c.Anomaly.Max:
		return invalid("anomaly.min %v exceeds anomaly.max %v", c.Anomaly.Min, c.Anomaly.Max)
	case c.Anomaly.Suppression.Duration <= 0:
		return invalid("anomaly.suppression must be positive")
	case c.Match.RecencyWindow.Duration <= 0:
		return invalid("match.recency_window must be positive")
	case c.Match.Cooldown.Duration <= 0:
		return invalid("match.cooldown must be positive")
	case c.Match.Workers <= 0:
		return invalid("match.workers must be positive")
	case c.Bridge.Staleness.Duration <= 0:
		return invalid("bridge.staleness must be positive")
	case c.Bridge.Workers <= 0:
		return invalid("bridge.workers must be positive")
	case c.Graph.LoadWorkers <= 0:
		return invalid("graph.load_workers must be positive")
	case c.Graph.Capacity <= 0:
		return invalid("graph.capacity must be positive")
	case c.Registry.BufferSize <= 0:
		return invalid("registry.buffer_size must be positive")
	case c.Records.TTL.Duration > 0 &&
		(c.Records.TTL.Duration < c.Match.Cooldown.Duration || c.Records.TTL.Duration < c.Anomaly.Suppression.Duration):
		return invalid("records.ttl %v is shorter than a suppression or cooldown window", c.Records.TTL)
	case c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1:
		return invalid("telemetry.sample_ratio %v outside [0, 1]", c.Telemetry.SampleRatio)
	case c.Telemetry.Protocol != "" && c.Telemetry.Protocol != "grpc" && c.Telemetry.Protocol != "http":
		return invalid("telemetry.protocol %q (use grpc or http)", c.Telemetry.Protocol)
	}
	switch c.Records.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.NATS.URL == "" {
			return invalid("records.backend = %q needs nats.url", BackendNATS)
		}
	default:
		return invalid("records.backend %q (use %q or %q)", c.Records.Backend, BackendMemory, BackendNATS)
	}
	return nil
}

// HubConfig converts to the component configuration.
func (c *Config) HubConfig() hub.Config {
	return hub.Config{
		Registry: registry.Config{BufferSize: c.Registry.BufferSize},
		Graph: graph.Config{
			Capacity:     c.Graph.Capacity,
			IdleTTL:      c.Graph.IdleTTL.Duration,
			RefreshAfter: c.Graph.RefreshAfter.Duration,
			RetryBackoff: c.Graph.RetryBackoff.Duration,
			FetchTimeout: c.Graph.FetchTimeout.Duration,
			LoadWorkers:  c.Graph.LoadWorkers,
		},
		Bridge: bridge.Config{
			Subject:    c.Bridge.Subject,
			InstanceID: c.InstanceID,
			Staleness:  c.Bridge.Staleness.Duration,
			Workers:    c.Bridge.Workers,
		},
		Anomaly: anomaly.Config{
			Min:         c.Anomaly.Min,
			Max:         c.Anomaly.Max,
			Suppression: c.Anomaly.Suppression.Duration,
		},
		Match: match.Config{
			RecencyWindow: c.Match.RecencyWindow.Duration,
			Cooldown:      c.Match.Cooldown.Duration,
			Workers:       c.Match.Workers,
		},
	}
}
