// Package config loads server settings from defaults, an optional config
// file, .env and MAPPOINTS_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "MAPPOINTS"

type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Region   RegionConfig   `mapstructure:"region"`
	Points   PointsConfig   `mapstructure:"points"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL     string `mapstructure:"url"`
	GeoKey  string `mapstructure:"geo_key"`
	Channel string `mapstructure:"channel"`
}

type RegionConfig struct {
	MinRadiusKM float64 `mapstructure:"min_radius_km"`
	MaxRadiusKM float64 `mapstructure:"max_radius_km"`
	Widen       float64 `mapstructure:"widen"`
}

type PointsConfig struct {
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type AuthConfig struct {
	// Mode is "memory" to require tokens or "off" to accept anonymous editors.
	Mode string        `mapstructure:"mode"`
	TTL  time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"*"})
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.geo_key", "points:geo")
	v.SetDefault("redis.channel", "points:changes")
	v.SetDefault("region.min_radius_km", 1.0)
	v.SetDefault("region.max_radius_km", 100.0)
	v.SetDefault("region.widen", 10.0)
	v.SetDefault("points.write_timeout", 5*time.Second)
	v.SetDefault("points.fetch_timeout", 5*time.Second)
	v.SetDefault("points.idempotency_ttl", 30*time.Minute)
	v.SetDefault("auth.mode", "memory")
	v.SetDefault("auth.ttl", 720*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. file may be empty; a missing .env is ignored.
func Load(file string) (Config, error) {
	_ = godotenv.Load()
	return load(viper.New(), file)
}

func load(v *viper.Viper, file string) (Config, error) {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if c.Region.MinRadiusKM <= 0 {
		errs = append(errs, errors.New("region.min_radius_km must be positive"))
	}
	if c.Region.MaxRadiusKM < c.Region.MinRadiusKM {
		errs = append(errs, errors.New("region.max_radius_km must not be below region.min_radius_km"))
	}
	if c.Region.Widen <= 0 {
		errs = append(errs, errors.New("region.widen must be positive"))
	}
	switch c.Auth.Mode {
	case "memory", "off":
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q is not memory or off", c.Auth.Mode))
	}
	return errors.Join(errs...)
}
