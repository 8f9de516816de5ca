package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// --- Unit Tests ---

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	cfg.InstanceID = "n1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	hc := cfg.HubConfig()
	if hc.Anomaly.Min != 40 || hc.Anomaly.Max != 180 || hc.Anomaly.Suppression != 10*time.Minute {
		t.Errorf("anomaly defaults = %+v", hc.Anomaly)
	}
	if hc.Bridge.Staleness != 5*time.Second || hc.Bridge.InstanceID != "n1" {
		t.Errorf("bridge defaults = %+v", hc.Bridge)
	}
	if hc.Match.RecencyWindow != time.Minute || hc.Match.Cooldown != time.Hour {
		t.Errorf("match defaults = %+v", hc.Match)
	}
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := Parse(`
instance_id = "node-a"

[anomaly]
min = 50
max = 150
suppression = "5m"

[match]
cooldown = "30m"

[graph]
idle_ttl = "1m"

[nats]
url = "nats://nats:4222"

[records]
backend = "nats"
`)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.InstanceID != "node-a" {
		t.Errorf("InstanceID = %q", cfg.InstanceID)
	}
	if cfg.Anomaly.Min != 50 || cfg.Anomaly.Max != 150 || cfg.Anomaly.Suppression.Duration != 5*time.Minute {
		t.Errorf("anomaly = %+v", cfg.Anomaly)
	}
	if cfg.Match.Cooldown.Duration != 30*time.Minute {
		t.Errorf("cooldown = %v", cfg.Match.Cooldown)
	}
	if cfg.Match.RecencyWindow.Duration != time.Minute {
		t.Errorf("unset keys should keep defaults, recency = %v", cfg.Match.RecencyWindow)
	}
	if cfg.Graph.IdleTTL.Duration != time.Minute {
		t.Errorf("idle_ttl = %v", cfg.Graph.IdleTTL)
	}
}

func TestParse_GeneratesInstanceID(t *testing.T) {
	a, err := Parse("")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	b, _ := Parse("")
	if a.InstanceID == "" || a.InstanceID == b.InstanceID {
		t.Errorf("instance ids %q and %q should be generated and distinct", a.InstanceID, b.InstanceID)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"inverted range", "[anomaly]\nmin = 200\nmax = 100"},
		{"zero suppression", "[anomaly]\nsuppression = \"0s\""},
		{"negative cooldown", "[match]\ncooldown = \"-1m\""},
		{"zero workers", "[match]\nworkers = 0"},
		{"unknown backend", "[records]\nbackend = \"redis\""},
		{"nats backend without url", "[records]\nbackend = \"nats\""},
		{"ttl shorter than cooldown", "[records]\nttl = \"10m\""},
		{"sample ratio above one", "[telemetry]\nsample_ratio = 1.5"},
		{"unknown telemetry protocol", "[telemetry]\nprotocol = \"udp\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.text); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestParse_BadDuration(t *testing.T) {
	if _, err := Parse("[bridge]\nstaleness = \"soon\""); err == nil {
		t.Error("expected duration parse error")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsekit.toml")
	if err := os.WriteFile(path, []byte("instance_id = \"from-file\"\n[feed]\naddr = \":9999\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if cfg.InstanceID != "from-file" || cfg.Feed.Addr != ":9999" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadFile_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulsekit.toml")
	os.WriteFile(path, []byte("[anomaly]\nmaximum = 10\n"), 0o600)

	if _, err := LoadFile(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid for unknown key, got %v", err)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if path != "" {
		t.Errorf("path = %q, want none", path)
	}
	if cfg.InstanceID == "" {
		t.Error("instance id should be generated")
	}
}
