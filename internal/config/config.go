package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	ServiceName    = "retail-stock"
	ServiceVersion = "0.1.0"
)

// Ledger store kinds.
const (
	StoreMemory = "memory"
	StoreMySQL  = "mysql"
	StoreRedis  = "redis"
)

// Reservation transports.
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

type Config struct {
	Ledger      LedgerConfig      `yaml:"ledger"`
	Sales       SalesConfig       `yaml:"sales"`
	Reservation ReservationConfig `yaml:"reservation"`
	Cache       CacheConfig       `yaml:"cache"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Log         LogConfig         `yaml:"log"`
}

type LedgerConfig struct {
	HTTPAddr  string        `yaml:"http_addr"`
	GRPCAddr  string        `yaml:"grpc_addr"`
	Store     string        `yaml:"store"`
	MySQLDSN  string        `yaml:"mysql_dsn"`
	Retention time.Duration `yaml:"retention"`
	// PurgeInterval is how often expired idempotency records are dropped.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

type SalesConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// MySQLDSN empty keeps sales in memory.
	MySQLDSN            string        `yaml:"mysql_dsn"`
	CompensationTimeout time.Duration `yaml:"compensation_timeout"`
}

type ReservationConfig struct {
	LedgerURL       string        `yaml:"ledger_url"`
	Transport       string        `yaml:"transport"`
	GRPCTarget      string        `yaml:"grpc_target"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	BackoffMultiple float64       `yaml:"backoff_multiplier"`
}

type CacheConfig struct {
	// RedisAddr empty keeps the cache in process.
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type AlertsConfig struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	Topic        string   `yaml:"topic"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	return Config{
		Ledger: LedgerConfig{
			HTTPAddr:      ":8081",
			GRPCAddr:      ":50051",
			Store:         StoreMemory,
			Retention:     24 * time.Hour,
			PurgeInterval: 10 * time.Minute,
		},
		Sales: SalesConfig{
			HTTPAddr:            ":8080",
			CompensationTimeout: 30 * time.Second,
		},
		Reservation: ReservationConfig{
			LedgerURL:       "http://localhost:8081",
			Transport:       TransportHTTP,
			GRPCTarget:      "localhost:50051",
			CallTimeout:     5 * time.Second,
			AttemptTimeout:  2 * time.Second,
			MaxAttempts:     3,
			InitialBackoff:  200 * time.Millisecond,
			MaxBackoff:      2 * time.Second,
			BackoffMultiple: 2,
		},
		Cache: CacheConfig{TTL: 60 * time.Second},
		Alerts: AlertsConfig{
			Topic: "stock.reconciliation",
		},
		Telemetry: TelemetryConfig{ServiceName: ServiceName},
		Log:       LogConfig{Level: "info"},
	}
}

// Load reads defaults, then the YAML file at path if set, then environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("LEDGER_HTTP_ADDR", &c.Ledger.HTTPAddr)
	str("LEDGER_GRPC_ADDR", &c.Ledger.GRPCAddr)
	str("LEDGER_STORE", &c.Ledger.Store)
	str("MYSQL_DSN", &c.Ledger.MySQLDSN)
	str("SALES_HTTP_ADDR", &c.Sales.HTTPAddr)
	str("SALES_MYSQL_DSN", &c.Sales.MySQLDSN)
	str("LEDGER_URL", &c.Reservation.LedgerURL)
	str("LEDGER_TRANSPORT", &c.Reservation.Transport)
	str("LEDGER_GRPC_TARGET", &c.Reservation.GRPCTarget)
	str("REDIS_ADDR", &c.Cache.RedisAddr)
	str("KAFKA_ALERT_TOPIC", &c.Alerts.Topic)
	str("OTEL_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Alerts.KafkaBrokers = strings.Split(v, ",")
	}
	if v, ok := lookup("RESERVATION_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RESERVATION_MAX_ATTEMPTS: %w", err)
		}
		c.Reservation.MaxAttempts = n
	}

	return errors.Join(
		dur("RESERVATION_CALL_TIMEOUT", &c.Reservation.CallTimeout),
		dur("RESERVATION_INITIAL_BACKOFF", &c.Reservation.InitialBackoff),
		dur("IDEMPOTENCY_RETENTION", &c.Ledger.Retention),
		dur("CACHE_TTL", &c.Cache.TTL),
	)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Ledger.Store {
	case StoreMemory, StoreRedis:
	case StoreMySQL:
		if c.Ledger.MySQLDSN == "" {
			errs = append(errs, errors.New("ledger.mysql_dsn is required for the mysql store"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.store %q is not one of memory, mysql, redis", c.Ledger.Store))
	}
	if c.Ledger.Store == StoreRedis && c.Cache.RedisAddr == "" {
		errs = append(errs, errors.New("cache.redis_addr is required for the redis store"))
	}
	if c.Ledger.Retention <= 0 {
		errs = append(errs, errors.New("ledger.retention must be positive"))
	}
	if c.Ledger.PurgeInterval <= 0 {
		errs = append(errs, errors.New("ledger.purge_interval must be positive"))
	}

	r := c.Reservation
	switch r.Transport {
	case TransportHTTP:
		if r.LedgerURL == "" {
			errs = append(errs, errors.New("reservation.ledger_url is required for the http transport"))
		}
	case TransportGRPC:
		if r.GRPCTarget == "" {
			errs = append(errs, errors.New("reservation.grpc_target is required for the grpc transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("reservation.transport %q is not one of http, grpc", r.Transport))
	}
	if r.CallTimeout <= 0 {
		errs = append(errs, errors.New("reservation.call_timeout must be positive"))
	}
	if r.AttemptTimeout < 0 {
		errs = append(errs, errors.New("reservation.attempt_timeout must not be negative"))
	}
	if r.MaxAttempts < 1 {
		errs = append(errs, errors.New("reservation.max_attempts must be at least 1"))
	}
	if r.InitialBackoff <= 0 || r.MaxBackoff < r.InitialBackoff {
		errs = append(errs, errors.New("reservation backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if r.BackoffMultiple < 1 {
		errs = append(errs, errors.New("reservation.backoff_multiplier must be at least 1"))
	}
	if c.Sales.CompensationTimeout <= 0 {
		errs = append(errs, errors.New("sales.compensation_timeout must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache.ttl must be positive"))
	}
	return errors.Join(errs...)
}
