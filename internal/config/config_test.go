package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("HTTP.Addr = %q, want :8080", cfg.HTTP.Addr)
	}
	if cfg.Region.MinRadiusKM != 1 || cfg.Region.MaxRadiusKM != 100 || cfg.Region.Widen != 10 {
		t.Fatalf("Region = %#v", cfg.Region)
	}
	if cfg.Points.WriteTimeout != 5*time.Second || cfg.Auth.TTL != 720*time.Hour {
		t.Fatalf("timeouts = %v, %v", cfg.Points.WriteTimeout, cfg.Auth.TTL)
	}
	if cfg.Auth.Mode != "memory" || cfg.Redis.GeoKey != "points:geo" {
		t.Fatalf("Auth.Mode = %q, Redis.GeoKey = %q", cfg.Auth.Mode, cfg.Redis.GeoKey)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MAPPOINTS_HTTP_ADDR", ":9090")
	t.Setenv("MAPPOINTS_REGION_MAX_RADIUS_KM", "50")
	t.Setenv("MAPPOINTS_POINTS_WRITE_TIMEOUT", "2s")
	t.Setenv("MAPPOINTS_DATABASE_URL", "postgres://localhost/points")

	cfg, err := load(viper.New(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Fatalf("HTTP.Addr = %q, want :9090", cfg.HTTP.Addr)
	}
	if cfg.Region.MaxRadiusKM != 50 {
		t.Fatalf("MaxRadiusKM = %v, want 50", cfg.Region.MaxRadiusKM)
	}
	if cfg.Points.WriteTimeout != 2*time.Second {
		t.Fatalf("WriteTimeout = %v, want 2s", cfg.Points.WriteTimeout)
	}
	if cfg.Database.URL != "postgres://localhost/points" {
		t.Fatalf("Database.URL = %q", cfg.Database.URL)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mappoints.json")
	body := `{"http":{"addr":":7070"},"region":{"widen":4},"auth":{"mode":"off"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MAPPOINTS_REGION_WIDEN", "6")

	cfg, err := load(viper.New(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":7070" || cfg.Auth.Mode != "off" {
		t.Fatalf("cfg = %#v", cfg)
	}
	if cfg.Region.Widen != 6 {
		t.Fatalf("Widen = %v, want env override 6", cfg.Region.Widen)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	base, err := load(viper.New(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.HTTP.Addr = "" }, "http.addr"},
		{"zero min radius", func(c *Config) { c.Region.MinRadiusKM = 0 }, "min_radius_km"},
		{"max below min", func(c *Config) { c.Region.MaxRadiusKM = 0.5 }, "max_radius_km"},
		{"zero widen", func(c *Config) { c.Region.Widen = 0 }, "widen"},
		{"bad auth mode", func(c *Config) { c.Auth.Mode = "ldap" }, "auth.mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}
