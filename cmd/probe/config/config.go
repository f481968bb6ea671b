// Package config parses the probe service configuration.
//
// Every flag has an environment fallback; flags take precedence. Adapter
// settings are passed through ADAPTER_* variables, converted to the
// camelCase keys adapters.New expects (ADAPTER_VALUE_PATH becomes valuePath).
//
// Example:
//
//	ADAPTER=raster ADAPTER_PATH=/data/stack probe -listen=:8082 -default-model=exp
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/HatiCode/deforma/pkg/models"
	"github.com/HatiCode/deforma/pkg/tls"
)

// Config holds all probe configuration.
type Config struct {
	Listen    string
	LogFormat string
	LogLevel  string

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SnapshotTTL   time.Duration
	BadgerPath    string
	StaleAfter    time.Duration

	TLS tls.Config

	Adapter         string
	AdapterConfig   map[string]string
	MemoryCeilingMB int
	RasterExt       string

	DefaultModel   string
	Seasonal       bool
	SearchRadius   float64
	MaxEvaluations int
}

// ParseFlags parses os.Args and the environment, exiting on invalid input.
func ParseFlags() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:], os.Environ())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	return cfg
}

// Parse registers the probe flags on fs, parses args and validates the
// result. environ supplies the ADAPTER_* variables.
func Parse(fs *flag.FlagSet, args, environ []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8082"), "HTTP listen address")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Snapshot storage: memory, redis or badger")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.SnapshotTTL, "snapshot-ttl", getEnvDuration("SNAPSHOT_TTL", 24*time.Hour), "Snapshot TTL (0 keeps snapshots forever)")
	fs.StringVar(&cfg.BadgerPath, "badger-path", getEnv("BADGER_PATH", ""), "Badger directory (empty runs in memory)")
	fs.DurationVar(&cfg.StaleAfter, "stale-after", getEnvDuration("STALE_AFTER", time.Hour), "Age after which a snapshot is flagged stale")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Serve HTTPS")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "CA file for client certificate verification")

	fs.StringVar(&cfg.Adapter, "adapter", getEnv("ADAPTER", ""), "Adapter: raster, geojson, geopackage or http")
	fs.IntVar(&cfg.MemoryCeilingMB, "memory-ceiling-mb", getEnvInt("MEMORY_CEILING_MB", 512), "Full-read cache ceiling for raster stacks")
	fs.StringVar(&cfg.RasterExt, "raster-ext", getEnv("RASTER_EXT", "tif"), "Raster file extension")

	fs.StringVar(&cfg.DefaultModel, "default-model", getEnv("DEFAULT_MODEL", string(models.Poly1)), "Model used when a request names none")
	fs.BoolVar(&cfg.Seasonal, "seasonal", getEnvBool("SEASONAL", false), "Add the annual term by default")
	fs.Float64Var(&cfg.SearchRadius, "search-radius", getEnvFloat("SEARCH_RADIUS", 0), "Default nearest-feature radius (0 = unlimited)")
	fs.IntVar(&cfg.MaxEvaluations, "max-evaluations", getEnvInt("MAX_EVALUATIONS", models.DefaultFitter.MaxEvaluations), "Evaluation budget of the exp solver")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.AdapterConfig = parseAdapterConfig(environ)
	if cfg.Adapter == "raster" {
		if _, ok := cfg.AdapterConfig["memoryCeilingMB"]; !ok {
			cfg.AdapterConfig["memoryCeilingMB"] = fmt.Sprint(cfg.MemoryCeilingMB)
		}
		if _, ok := cfg.AdapterConfig["ext"]; !ok {
			cfg.AdapterConfig["ext"] = cfg.RasterExt
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.Adapter == "" {
		return errors.New("--adapter is required")
	}
	switch c.Storage {
	case "memory", "redis", "badger":
	default:
		return fmt.Errorf("invalid storage %q (must be memory, redis or badger)", c.Storage)
	}
	if c.Storage == "redis" && c.RedisAddr == "" {
		return errors.New("--redis-addr is required with redis storage")
	}
	if c.SnapshotTTL < 0 {
		return errors.New("snapshot TTL cannot be negative")
	}
	if c.MemoryCeilingMB < 0 {
		return errors.New("memory ceiling cannot be negative")
	}
	if c.SearchRadius < 0 {
		return errors.New("search radius cannot be negative")
	}
	if c.MaxEvaluations <= 0 {
		return errors.New("max evaluations must be > 0")
	}
	if _, err := models.ParseKind(c.DefaultModel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}
	return c.TLS.Validate()
}

// Source returns the configured data location, used to key snapshots.
func (c *Config) Source() string {
	if p := c.AdapterConfig["path"]; p != "" {
		return p
	}
	return c.AdapterConfig["url"]
}

// acronymKeys restores adapter keys whose acronyms camel-casing lowers.
var acronymKeys = map[string]string{
	"memoryCeilingMb": "memoryCeilingMB",
	"tlsCaFile":       "tlsCAFile",
}

// parseAdapterConfig collects ADAPTER_* entries of environ into a map with
// camelCase keys (ADAPTER_VALUE_PATH becomes valuePath).
func parseAdapterConfig(environ []string) map[string]string {
	config := make(map[string]string)
	for _, env := range environ {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, "ADAPTER_") || len(name) == len("ADAPTER_") {
			continue
		}
		key := toLowerCamelCase(name[len("ADAPTER_"):])
		if k, ok := acronymKeys[key]; ok {
			key = k
		}
		config[key] = value
	}
	return config
}

func toLowerCamelCase(s string) string {
	var b strings.Builder
	upper := false
	for _, r := range strings.ToLower(s) {
		if r == '_' {
			upper = b.Len() > 0
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
