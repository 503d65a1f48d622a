package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no exports", func(c *Config) { c.Exports = nil }},
		{"duplicate exports", func(c *Config) {
			c.Exports = append(c.Exports, c.Exports[0])
		}},
		{"export without path", func(c *Config) { c.Exports[0].Path = "" }},
		{"port out of range", func(c *Config) { c.Port = 70000 }},
		{"no transports", func(c *Config) { c.EnableTCP, c.EnableUDP = false, false }},
		{"no versions", func(c *Config) {
			c.EnableNFSv2, c.EnableNFSv3, c.EnableNFSv4 = false, false, false
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"no usable flavor", func(c *Config) { c.SecurityMode = "dh" }},
		{"krb5 without keytab", func(c *Config) { c.SecurityMode = "sys,krb5" }},
		{"sample rate out of range", func(c *Config) { c.Telemetry.SampleRate = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestFlavors(t *testing.T) {
	cfg := &Config{SecurityMode: "sys, krb5"}
	none, sys, dh, krb5 := cfg.Flavors()
	if none || !sys || dh || !krb5 {
		t.Errorf("flavors = %v %v %v %v", none, sys, dh, krb5)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"port: 3049",
		"root_squash: true",
		"connection_timeout: 30s",
		"exports:",
		"  - name: /export",
		"    path: " + dir,
		"  - name: /ro",
		"    path: " + dir,
		"    read_only: true",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 3049 {
		t.Errorf("port = %d", cfg.Port)
	}
	if !cfg.RootSquash {
		t.Error("root_squash not read")
	}
	if cfg.ConnectionTimeout != 30*time.Second {
		t.Errorf("connection_timeout = %v", cfg.ConnectionTimeout)
	}
	if len(cfg.Exports) != 2 || !cfg.Exports[1].ReadOnly {
		t.Errorf("exports = %+v", cfg.Exports)
	}
	// Defaults fill what the file left out.
	if cfg.PortmapPort != 111 || cfg.MaxConnections != 256 {
		t.Error("defaults not applied")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	original := Default()
	original.Port = 4049

	if err := Save(original, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Port != 4049 {
		t.Errorf("round trip port = %d", loaded.Port)
	}
}
