// Package config loads server settings from flags, environment variables and
// an optional config file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Listen   string
		LogLevel string
		Storage  Storage
		Auth     Auth
		Collab   Collab
		CORS     CORS
	}

	Storage struct {
		Type   string
		Path   string
		DSN    string
		Bucket string
	}

	Auth struct {
		JWTSecret string
	}

	Collab struct {
		SaveDelay     time.Duration
		RelayInterval time.Duration
		StoreTimeout  time.Duration
	}

	CORS struct {
		Origins []string
	}
)

// key -> environment variable
var envBindings = map[string]string{
	"listen":                "LISTEN_ADDR",
	"log.level":             "LOG_LEVEL",
	"storage.type":          "STORAGE_TYPE",
	"storage.path":          "LOCAL_STORAGE_PATH",
	"storage.dsn":           "DATA_SOURCE_NAME",
	"storage.bucket":        "S3_BUCKET_NAME",
	"auth.jwt_secret":       "JWT_SECRET",
	"collab.save_delay":     "SAVE_DELAY",
	"collab.relay_interval": "RELAY_INTERVAL",
	"collab.store_timeout":  "STORE_TIMEOUT",
	"cors.origins":          "CORS_ORIGINS",
}

// flag name -> key
var flagBindings = map[string]string{
	"listen":   "listen",
	"loglevel": "log.level",
	"storage":  "storage.type",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":3002")
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.path", "./data")
	v.SetDefault("storage.dsn", "codecollab.db")
	v.SetDefault("collab.save_delay", time.Second)
	v.SetDefault("collab.relay_interval", 50*time.Millisecond)
	v.SetDefault("collab.store_timeout", 10*time.Second)
	v.SetDefault("cors.origins", []string{"http://localhost:*", "http://127.0.0.1:*"})
}

// RegisterFlags adds the command-line overrides to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a config file (yaml, toml or json)")
	fs.String("listen", ":3002", "Set the server listen address")
	fs.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	fs.String("storage", "memory", "Storage backend: memory, sqlite, filesystem, s3")
}

// Load resolves the configuration. fs may be nil.
func Load(v *viper.Viper, fs *pflag.FlagSet) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if fs != nil {
		for name, key := range flagBindings {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		Listen:   v.GetString("listen"),
		LogLevel: v.GetString("log.level"),
		Storage: Storage{
			Type:   strings.ToLower(v.GetString("storage.type")),
			Path:   v.GetString("storage.path"),
			DSN:    v.GetString("storage.dsn"),
			Bucket: v.GetString("storage.bucket"),
		},
		Auth: Auth{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Collab: Collab{
			SaveDelay:     v.GetDuration("collab.save_delay"),
			RelayInterval: v.GetDuration("collab.relay_interval"),
			StoreTimeout:  v.GetDuration("collab.store_timeout"),
		},
		CORS: CORS{
			Origins: splitList(v.GetStringSlice("cors.origins")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Storage.Type {
	case "memory", "sqlite", "filesystem":
	case "s3":
		if c.Storage.Bucket == "" {
			errs = append(errs, errors.New("storage.bucket (S3_BUCKET_NAME) must be set for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage type %q", c.Storage.Type))
	}
	if c.Collab.SaveDelay <= 0 {
		errs = append(errs, fmt.Errorf("collab.save_delay must be positive, got %s", c.Collab.SaveDelay))
	}
	if c.Collab.RelayInterval < 0 {
		errs = append(errs, fmt.Errorf("collab.relay_interval must not be negative, got %s", c.Collab.RelayInterval))
	}
	if c.Collab.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("collab.store_timeout must be positive, got %s", c.Collab.StoreTimeout))
	}

	return errors.Join(errs...)
}

// AuthEnabled reports whether tokens are validated.
func (c *Config) AuthEnabled() bool {
	return c.Auth.JWTSecret != ""
}

// splitList accepts both list values and a single comma separated env value.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
