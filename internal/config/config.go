package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/example/ride-dispatch/internal/logging"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Defaults let the binary run locally without setup; an optional YAML or
// JSON file and then environment variables override them.
type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr"`
	ReadTimeout     time.Duration `koanf:"http_read_timeout"`
	WriteTimeout    time.Duration `koanf:"http_write_timeout"`
	IdleTimeout     time.Duration `koanf:"http_idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"http_shutdown_timeout"`

	WSAllowedOrigins []string `koanf:"ws_allowed_origins"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`

	KafkaBrokers         []string `koanf:"kafka_brokers"`
	KafkaLocationTopic   string   `koanf:"kafka_location_topic"`
	KafkaRideEventsTopic string   `koanf:"kafka_ride_events_topic"`

	PGDSN         string `koanf:"pg_dsn"`
	RunMigrations bool   `koanf:"migrate"`
	SeedDemo      bool   `koanf:"seed_demo"`

	OfferTimeout time.Duration `koanf:"dispatch_offer_timeout"`
	RideTokenTTL time.Duration `koanf:"ride_token_ttl"`

	OSRMURL     string        `koanf:"osrm_url"`
	ETACacheTTL time.Duration `koanf:"eta_cache_ttl"`
	AvgSpeedKmh float64       `koanf:"avg_speed_kmh"`

	StripeAPIKey string `koanf:"stripe_api_key"`
	Currency     string `koanf:"currency"`

	LogLevel string `koanf:"log_level"`
}

// ConsumerConfig configures the driver location consumer.
type ConsumerConfig struct {
	MetricsAddr   string        `koanf:"metrics_addr"`
	KafkaBrokers  []string      `koanf:"kafka_brokers"`
	KafkaTopic    string        `koanf:"kafka_location_topic"`
	KafkaGroupID  string        `koanf:"kafka_group"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	Attempts      int           `koanf:"update_attempts"`
	RetryDelay    time.Duration `koanf:"update_retry_delay"`
	LogLevel      string        `koanf:"log_level"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		KafkaLocationTopic:   "driver-locations",
		KafkaRideEventsTopic: "ride-events",
		SeedDemo:             true,
		OfferTimeout:         15 * time.Second,
		RideTokenTTL:         2 * time.Hour,
		ETACacheTTL:          30 * time.Second,
		AvgSpeedKmh:          30,
		Currency:             "gbp",
		LogLevel:             "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroupID: "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		Attempts:     3,
		RetryDelay:   200 * time.Millisecond,
		LogLevel:     "info",
	}
}

// envKeys maps the environment variables both processes understand to
// config keys.
var envKeys = map[string]string{
	"HTTP_ADDR":               "http_addr",
	"HTTP_READ_TIMEOUT":       "http_read_timeout",
	"HTTP_WRITE_TIMEOUT":      "http_write_timeout",
	"HTTP_IDLE_TIMEOUT":       "http_idle_timeout",
	"HTTP_SHUTDOWN_TIMEOUT":   "http_shutdown_timeout",
	"WS_ALLOWED_ORIGINS":      "ws_allowed_origins",
	"REDIS_ADDR":              "redis_addr",
	"REDIS_PASSWORD":          "redis_password",
	"KAFKA_BROKERS":           "kafka_brokers",
	"KAFKA_TOPIC":             "kafka_location_topic",
	"KAFKA_RIDE_EVENTS_TOPIC": "kafka_ride_events_topic",
	"KAFKA_GROUP":             "kafka_group",
	"PG_DSN":                  "pg_dsn",
	"MIGRATE":                 "migrate",
	"SEED_DEMO":               "seed_demo",
	"DISPATCH_OFFER_TIMEOUT":  "dispatch_offer_timeout",
	"RIDE_TOKEN_TTL":          "ride_token_ttl",
	"OSRM_URL":                "osrm_url",
	"ETA_CACHE_TTL":           "eta_cache_ttl",
	"AVG_SPEED_KMH":           "avg_speed_kmh",
	"STRIPE_API_KEY":          "stripe_api_key",
	"CURRENCY":                "currency",
	"LOG_LEVEL":               "log_level",
	"METRICS_ADDR":            "metrics_addr",
	"UPDATE_ATTEMPTS":         "update_attempts",
	"UPDATE_RETRY_DELAY":      "update_retry_delay",
}

var listKeys = map[string]bool{"kafka_brokers": true, "ws_allowed_origins": true}

// LoadServerConfig layers defaults, the optional file at path and the
// environment. An empty path skips the file layer.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.Currency = strings.ToLower(cfg.Currency)

	var errs []error
	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TIMEOUT must be > 0"))
	}
	if cfg.RideTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("RIDE_TOKEN_TTL must be > 0"))
	}
	if cfg.AvgSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("AVG_SPEED_KMH must be > 0"))
	}
	if cfg.Currency == "" {
		errs = append(errs, fmt.Errorf("CURRENCY must not be empty"))
	}
	errs = append(errs, checkLevel(cfg.LogLevel))
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig(path string) (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("UPDATE_ATTEMPTS must be > 0"))
	}
	errs = append(errs, checkLevel(cfg.LogLevel))
	return cfg, errors.Join(errs...)
}

func load(path string, target any) error {
	k := koanf.New(".")
	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	if err := k.Load(env.ProviderWithValue("", ".", fromEnv), nil); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	if err := k.Unmarshal("", target); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
}

// fromEnv keeps only known, non-blank variables.
func fromEnv(name, value string) (string, any) {
	key, ok := envKeys[name]
	if !ok {
		return "", nil
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if listKeys[key] {
		return key, splitAndTrim(value)
	}
	return key, value
}

func checkLevel(level string) error {
	if _, ok := logging.ParseLevel(level); !ok {
		return fmt.Errorf("invalid LOG_LEVEL %q", level)
	}
	return nil
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
